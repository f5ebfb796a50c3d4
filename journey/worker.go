package journey

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/journeydev/journey-go/journey/store"
)

// runComputation executes one dispatched computation: invoke the node's
// function inside a panic boundary under the row's deadline, then write
// the outcome back in a single transaction guarded against stale
// results (the row may have been abandoned by a sweep meanwhile).
func (e *Engine) runComputation(ctx context.Context, j job) {
	e.metrics.computationStarted()
	e.emitEvent(j.executionID, j.node.Name, j.revision, "computation_started", nil)
	started := time.Now()

	stopHeartbeat := e.startHeartbeat(ctx, j)
	result, err := e.invoke(ctx, j)
	stopHeartbeat()

	if err == nil {
		err = validateValue(result)
	}

	status := "success"
	if err != nil {
		status = "failed"
	}
	e.metrics.computationFinished(j.node.Name, status, time.Since(started).Seconds())

	if err != nil {
		e.completeFailure(ctx, j, err)
		return
	}
	e.completeSuccess(ctx, j, result)
}

// invoke runs the node function with the computation's absolute
// deadline on the context. Panics become errors with the stack in the
// message, which lands in error_details.
func (e *Engine) invoke(ctx context.Context, j job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	if j.comp.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Unix(*j.comp.Deadline, 0))
		defer cancel()
	}

	fn := j.node.Fn
	if fn == nil {
		if j.node.Type == store.NodeTypeTickOnce || j.node.Type == store.NodeTypeTickRecurring {
			return e.now() + j.node.IntervalSeconds, nil
		}
		return nil, fmt.Errorf("node %q has no function", j.node.Name)
	}
	return fn(ctx, j.inputs)
}

// startHeartbeat reports worker liveness on the node's configured
// interval. Returns a stop function; a no-op when heartbeats are not
// configured.
func (e *Engine) startHeartbeat(ctx context.Context, j job) func() {
	if j.node.HeartbeatIntervalSeconds <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(j.node.HeartbeatIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := e.now()
				deadline := now + heartbeatTimeout(j.node)
				if err := e.store.UpdateHeartbeat(ctx, j.comp.ID, now, deadline); err != nil {
					e.emitEvent(j.executionID, j.node.Name, 0, "heartbeat_failed", map[string]any{"error": err.Error()})
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// completeSuccess commits the computation result: upsert the target
// value at revision+1, mark the row success with
// ex_revision_at_completion = revision+1, bump the execution revision.
// Archive nodes additionally set archived_at in the same transaction.
func (e *Engine) completeSuccess(ctx context.Context, j job, result any) {
	now := e.now()
	var newRev int64
	stale := false

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, j.executionID)
		if err != nil {
			return err
		}
		comp, err := tx.LockComputation(ctx, j.comp.ID)
		if err != nil {
			return err
		}
		if comp.State != store.StateComputing {
			// Abandoned or cancelled while we were computing; the
			// result is stale and must be discarded.
			stale = true
			return nil
		}

		newRev = exec.Revision + 1
		target := j.node.Name
		if j.node.Type == store.NodeTypeMutate {
			target = j.node.Mutates
		}

		value := result
		if j.node.Type == store.NodeTypeHistorian {
			value = prependHistory(currentValue(ctx, tx, j.executionID, target), result, j.node.MaxEntries)
		}

		if err := upsertNodeValue(ctx, tx, j.executionID, target, j.node.Type, value, newRev, now); err != nil {
			return err
		}

		comp.State = store.StateSuccess
		comp.CompletionTime = &now
		comp.ExRevisionAtCompletion = newRev
		comp.UpdatedAt = now
		if _, reads := comp.ComputedWith[target]; reads {
			// The node's own write to its target is not an upstream
			// change; without this a mutate node that reads its target
			// would re-fire forever.
			comp.ComputedWith[target] = newRev
		}
		if err := tx.UpdateComputation(ctx, comp); err != nil {
			return err
		}

		if j.node.Type == store.NodeTypeArchive {
			exec.ArchivedAt = &now
		}
		if err := bumpLastUpdated(ctx, tx, j.executionID, newRev, now); err != nil {
			return err
		}

		exec.Revision = newRev
		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		e.emitEvent(j.executionID, j.node.Name, 0, "computation_commit_failed", map[string]any{"error": err.Error()})
		return
	}
	if stale {
		e.emitEvent(j.executionID, j.node.Name, 0, "computation_result_discarded", nil)
		return
	}

	e.waiters.notify(j.executionID)
	e.emitEvent(j.executionID, j.node.Name, newRev, "computation_succeeded", nil)
	e.runOnSave(j, result)
	e.Kick(ctx, j.executionID)
}

// completeFailure marks the row failed and consults the retry policy in
// the same transaction. The execution revision does not move; the value
// row is untouched.
func (e *Engine) completeFailure(ctx context.Context, j job, cause error) {
	now := e.now()
	var successor *store.Computation
	stale := false

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, j.executionID)
		if err != nil {
			return err
		}
		comp, err := tx.LockComputation(ctx, j.comp.ID)
		if err != nil {
			return err
		}
		if comp.State != store.StateComputing {
			stale = true
			return nil
		}

		comp.State = store.StateFailed
		comp.CompletionTime = &now
		comp.ErrorDetails = cause.Error()
		comp.UpdatedAt = now
		if err := tx.UpdateComputation(ctx, comp); err != nil {
			return err
		}

		successor, err = e.scheduleRetry(ctx, tx, j.executionID, j.node, comp, now)
		if err != nil {
			return err
		}

		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		e.emitEvent(j.executionID, j.node.Name, 0, "computation_commit_failed", map[string]any{"error": err.Error()})
		return
	}
	if stale {
		return
	}

	meta := map[string]any{"error": cause.Error()}
	if successor != nil {
		meta["retry_scheduled"] = *successor.ScheduledTime
	}
	e.emitEvent(j.executionID, j.node.Name, j.revision, "computation_failed", meta)
	e.waiters.notify(j.executionID)
	e.afterRetry(ctx, j.executionID, j.node.Name, successor, now)
	e.Kick(ctx, j.executionID)
}

// afterRetry arms an in-process timer for a future retry successor so
// it fires on time without waiting for a sweep. Sweeps remain the
// durable backstop after a crash.
func (e *Engine) afterRetry(ctx context.Context, executionID, nodeName string, successor *store.Computation, now int64) {
	if successor == nil {
		return
	}
	e.metrics.retryScheduled(nodeName)
	if successor.ScheduledTime == nil || *successor.ScheduledTime <= now {
		return
	}
	delay := time.Duration(*successor.ScheduledTime-now) * time.Second
	time.AfterFunc(delay, func() {
		e.Kick(ctx, executionID)
	})
}

// runOnSave invokes the node's side-effect hook outside the
// transaction, best-effort: failures are logged, never propagated.
func (e *Engine) runOnSave(j job, result any) {
	if j.node.OnSave == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.emitEvent(j.executionID, j.node.Name, 0, "on_save_panicked", map[string]any{"error": fmt.Sprint(r)})
		}
	}()
	j.node.OnSave(j.executionID, j.node.Name, result)
}

func currentValue(ctx context.Context, tx store.Tx, executionID, nodeName string) any {
	v, err := tx.GetValue(ctx, executionID, nodeName)
	if err != nil || v.SetTime == nil {
		return nil
	}
	return v.NodeValue
}

// prependHistory adds an entry at the head of a historian list and
// truncates to maxEntries (newest first). 0 means unbounded.
func prependHistory(current any, entry any, maxEntries int) []any {
	list, _ := current.([]any)
	out := make([]any, 0, len(list)+1)
	out = append(out, entry)
	out = append(out, list...)
	if maxEntries > 0 && len(out) > maxEntries {
		out = out[:maxEntries]
	}
	return out
}

// upsertNodeValue writes a node's value at the given revision,
// preserving the row's metadata and type when it already exists.
func upsertNodeValue(ctx context.Context, tx store.Tx, executionID, nodeName string, fallbackType store.NodeType, value any, rev, now int64) error {
	row, err := tx.GetValue(ctx, executionID, nodeName)
	if err != nil {
		row = &store.Value{
			ExecutionID: executionID,
			NodeName:    nodeName,
			NodeType:    fallbackType,
			InsertedAt:  now,
		}
	}
	row.NodeValue = value
	row.SetTime = &now
	row.ExRevision = rev
	row.UpdatedAt = now
	return tx.UpsertValue(ctx, row)
}

// bumpLastUpdated refreshes the last_updated_at auxiliary value; every
// revision bump flows through here.
func bumpLastUpdated(ctx context.Context, tx store.Tx, executionID string, rev, now int64) error {
	return upsertNodeValue(ctx, tx, executionID, NodeLastUpdatedAt, store.NodeTypeAuxiliary, now, rev, now)
}
