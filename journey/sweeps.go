package journey

import (
	"context"
	"fmt"
	"sort"

	"github.com/journeydev/journey-go/journey/store"
)

// sweepAbandoned terminates computing rows whose deadline or heartbeat
// deadline has passed. Each computation is handled in its own
// transaction under the execution row lock, with the same retry policy
// a failure gets, then the affected executions are advanced once each.
func (e *Engine) sweepAbandoned(ctx context.Context, now int64) (int, error) {
	affected := map[string]bool{}
	for batch := 0; batch < sweepMaxBatches; batch++ {
		comps, err := e.store.ExpiredComputations(ctx, now, sweepBatchSize)
		if err != nil {
			return len(affected), err
		}
		progressed := 0
		for i := range comps {
			c := &comps[i]
			done, err := e.abandonOne(ctx, c, now)
			if err != nil {
				e.emitEvent(c.ExecutionID, c.NodeName, 0, "sweep_abandon_failed", map[string]any{"error": err.Error()})
				continue
			}
			if done {
				progressed++
			}
			affected[c.ExecutionID] = true
		}
		if len(comps) < sweepBatchSize || progressed == 0 {
			break
		}
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.advanceAll(ctx, ids)
	return len(ids), nil
}

// abandonOne re-checks the computation under locks before terminating
// it; the worker may have completed it between the scan and here.
func (e *Engine) abandonOne(ctx context.Context, c *store.Computation, now int64) (bool, error) {
	abandoned := false
	reason := ""
	var successor *store.Computation

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, c.ExecutionID)
		if err != nil {
			return err
		}
		if exec.ArchivedAt != nil {
			return nil
		}
		g := e.catalog.Lookup(exec.GraphName, exec.GraphVersion)
		if g == nil {
			e.emitEvent(c.ExecutionID, c.NodeName, 0, "execution_skipped", map[string]any{
				"reason": fmt.Sprintf("graph %s version %s is not registered", exec.GraphName, exec.GraphVersion),
			})
			return nil
		}

		comp, err := tx.LockComputation(ctx, c.ID)
		if err != nil {
			return err
		}
		if comp.State != store.StateComputing || !computationExpired(comp, now) {
			return nil
		}

		reason = expiryReason(comp, now)
		comp.State = store.StateAbandoned
		comp.CompletionTime = &now
		comp.ErrorDetails = reason
		comp.UpdatedAt = now
		if err := tx.UpdateComputation(ctx, comp); err != nil {
			return err
		}

		if n := g.Node(comp.NodeName); n != nil {
			successor, err = e.scheduleRetry(ctx, tx, c.ExecutionID, n, comp, now)
			if err != nil {
				return err
			}
		}

		abandoned = true
		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil || !abandoned {
		return false, err
	}

	meta := map[string]any{"reason": reason}
	if successor != nil && successor.ScheduledTime != nil {
		meta["retry_scheduled"] = *successor.ScheduledTime
	}
	e.emitEvent(c.ExecutionID, c.NodeName, 0, "computation_abandoned", meta)
	e.waiters.notify(c.ExecutionID)
	e.afterRetry(ctx, c.ExecutionID, c.NodeName, successor, now)
	return true, nil
}

func computationExpired(c *store.Computation, now int64) bool {
	if c.Deadline != nil && *c.Deadline <= now {
		return true
	}
	return c.HeartbeatDeadline != nil && *c.HeartbeatDeadline <= now
}

func expiryReason(c *store.Computation, now int64) string {
	if c.HeartbeatDeadline != nil && *c.HeartbeatDeadline <= now &&
		(c.Deadline == nil || *c.Deadline > now) {
		return "heartbeat lapsed"
	}
	return "deadline exceeded"
}

// sweepScheduleNodes advances executions holding pending schedule-kind
// computations, so scheduled work fires even when nothing else touches
// the execution. The watermark is the previous completed run's start
// minus an overlap, so a row updated mid-run is not missed.
func (e *Engine) sweepScheduleNodes(ctx context.Context, now int64) (int, error) {
	since := e.lastCompletedStart(ctx, SweepScheduleNodes)
	if since > 60 {
		since -= 60
	} else {
		since = 0
	}
	ids, err := e.store.ExecutionsWithScheduleWork(ctx, since, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	return e.advanceAll(ctx, ids), nil
}

// sweepUnblockedBySchedule advances executions whose schedule values
// came due recently. The window is a little over two sweeper periods so
// consecutive passes overlap rather than leave gaps.
func (e *Engine) sweepUnblockedBySchedule(ctx context.Context, now int64) (int, error) {
	window := 2*int64(e.opts.SweepInterval.Seconds()) + 60
	ids, err := e.store.ExecutionsUnblockedBySchedule(ctx, now, window, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	return e.advanceAll(ctx, ids), nil
}

// sweepRegenerateRecurring gives recurring schedule nodes whose fire
// time has passed a fresh pending computation, then advances the
// executions so it runs.
func (e *Engine) sweepRegenerateRecurring(ctx context.Context, now int64) (int, error) {
	comps, err := e.store.RecurringNeedingSuccessor(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	affected := map[string]bool{}
	for i := range comps {
		c := &comps[i]
		if err := e.regenerateOne(ctx, c, now); err != nil {
			e.emitEvent(c.ExecutionID, c.NodeName, 0, "sweep_regenerate_failed", map[string]any{"error": err.Error()})
			continue
		}
		affected[c.ExecutionID] = true
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.advanceAll(ctx, ids)
	return len(ids), nil
}

// regenerateOne inserts the successor only if the scanned success row
// is still the node's latest; a concurrent advance or a previous sweep
// pass may already have created one.
func (e *Engine) regenerateOne(ctx context.Context, c *store.Computation, now int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, c.ExecutionID)
		if err != nil {
			return err
		}
		if exec.ArchivedAt != nil {
			return nil
		}

		latest, err := tx.LatestComputations(ctx, c.ExecutionID)
		if err != nil {
			return err
		}
		cur := latest[c.NodeName]
		if cur == nil || cur.ID != c.ID || cur.State != store.StateSuccess {
			return nil
		}

		successor := &store.Computation{
			ExecutionID:     c.ExecutionID,
			NodeName:        c.NodeName,
			ComputationType: c.ComputationType,
			State:           store.StateNotSet,
			UpdatedAt:       now,
		}
		if err := tx.InsertComputation(ctx, successor); err != nil {
			return err
		}

		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
}

// sweepStalled advances executions that have gone quiet: updated within
// the scan range but not in the last ten minutes. Advance is a no-op on
// a healthy execution, so a false positive costs one read transaction.
func (e *Engine) sweepStalled(ctx context.Context, now int64) (int, error) {
	updatedBefore := now - 600
	updatedAfter := e.lastCompletedStart(ctx, SweepStalled)
	if updatedAfter > 600 {
		updatedAfter -= 600
	} else {
		updatedAfter = 0
	}
	ids, err := e.store.StalledExecutions(ctx, updatedAfter, updatedBefore, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	return e.advanceAll(ctx, ids), nil
}

// sweepMissedCatchall is the downtime-recovery net: executions holding
// a schedule value that came due within the lookback window but were
// not touched since an hour before now get advanced. Runs at most daily
// and, by default, only during its preferred UTC hour.
func (e *Engine) sweepMissedCatchall(ctx context.Context, now int64) (int, error) {
	since := now - int64(e.opts.Sweeps.CatchallLookbackDays)*86400
	if since < 0 {
		since = 0
	}
	before := now - 3600
	ids, err := e.store.ExecutionsWithPastSchedules(ctx, since, before, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := e.store.TouchExecutions(ctx, ids, now); err != nil {
			return 0, err
		}
	}
	return e.advanceAll(ctx, ids), nil
}
