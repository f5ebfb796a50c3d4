package journey

import (
	"context"
	"fmt"
	"sort"

	"github.com/journeydev/journey-go/journey/store"
)

// job is one computation transitioned to computing during an advance
// pass, with everything its worker needs captured under the row lock.
type job struct {
	executionID string
	revision    int64
	comp        store.Computation
	node        *NodeDef
	inputs      Inputs
}

// Advance brings an execution to the latest state the current data
// allows. It is idempotent: repeated calls on unchanged state start
// nothing and bump no revision. All recovery paths (sweeps, restarts,
// lost kicks) reduce to calling Advance again.
//
// Within one transaction holding the execution row lock, each derived
// node is considered in name order:
//   - a computing row blocks the node (at-most-one-pending)
//   - a pending not_set row is used as-is; one is created when the node
//     has no computation yet, or when its latest computation succeeded
//     against upstream revisions that have since changed
//   - terminal failed/abandoned rows never auto-recompute; retries come
//     from the retry policy and operators
//   - a not_set row with a future scheduled_time is left alone
//   - the gate condition decides; met transitions the row to computing
//     with the upstream snapshot recorded in computed_with
//
// Workers for the transitioned rows are dispatched after commit.
func (e *Engine) Advance(ctx context.Context, executionID string) error {
	var jobs []job

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.ArchivedAt != nil {
			return nil
		}

		g := e.catalog.Lookup(exec.GraphName, exec.GraphVersion)
		if g == nil {
			e.emitEvent(executionID, "", exec.Revision, "execution_skipped", map[string]any{
				"reason":        "graph not registered",
				"graph_name":    exec.GraphName,
				"graph_version": exec.GraphVersion,
			})
			return nil
		}

		valueRows, err := tx.ValuesFor(ctx, executionID)
		if err != nil {
			return err
		}
		values := make(map[string]*store.Value, len(valueRows))
		for i := range valueRows {
			values[valueRows[i].NodeName] = &valueRows[i]
		}

		latest, err := tx.LatestComputations(ctx, executionID)
		if err != nil {
			return err
		}

		now := e.now()
		for _, n := range sortedDerivedNodes(g) {
			if values[n.Name] == nil {
				// Node added by a newer graph version; migration will
				// create its rows.
				continue
			}

			pending, create := pendingFor(latest[n.Name], n, values)
			if pending == nil && !create {
				continue
			}
			if create {
				fresh := &store.Computation{
					ExecutionID:     executionID,
					NodeName:        n.Name,
					ComputationType: n.Type,
					State:           store.StateNotSet,
					UpdatedAt:       now,
				}
				if err := tx.InsertComputation(ctx, fresh); err != nil {
					return err
				}
				pending = fresh
			}

			if pending.ScheduledTime != nil && *pending.ScheduledTime > now {
				continue
			}
			if res := EvaluateCond(n.Condition, values, now); !res.Met {
				continue
			}

			deadline := now + e.abandonAfter(n)
			pending.State = store.StateComputing
			pending.StartTime = &now
			pending.Deadline = &deadline
			pending.ExRevisionAtStart = exec.Revision
			pending.ComputedWith = snapshotRevisions(n, values)
			pending.UpdatedAt = now
			if n.HeartbeatIntervalSeconds > 0 {
				hb := now
				hbDeadline := now + heartbeatTimeout(n)
				pending.LastHeartbeatAt = &hb
				pending.HeartbeatDeadline = &hbDeadline
			}
			if err := tx.UpdateComputation(ctx, pending); err != nil {
				return err
			}

			jobs = append(jobs, job{
				executionID: executionID,
				revision:    exec.Revision,
				comp:        *pending,
				node:        n,
				inputs:      snapshotInputs(n, values),
			})
		}

		if len(jobs) > 0 {
			exec.UpdatedAt = now
			return tx.UpdateExecution(ctx, exec)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance %s: %w", executionID, err)
	}

	e.dispatch(ctx, jobs)
	return nil
}

// pendingFor decides what to do with a node given its latest
// computation: reuse the pending row, create a fresh one, or skip.
func pendingFor(cur *store.Computation, n *NodeDef, values map[string]*store.Value) (pending *store.Computation, create bool) {
	switch {
	case cur == nil:
		return nil, true
	case cur.State == store.StateComputing:
		return nil, false
	case cur.State == store.StateNotSet:
		return cur, false
	case cur.State == store.StateSuccess:
		return nil, upstreamChanged(cur, n, values)
	default:
		// failed, abandoned, cancelled: stays terminal until the retry
		// policy or an operator inserts a successor.
		return nil, false
	}
}

// upstreamChanged reports whether any read dependency's value revision
// differs from the computed_with snapshot of the latest success. This
// is the cache-invalidation rule: a succeeded node recomputes only when
// its inputs moved.
func upstreamChanged(cur *store.Computation, n *NodeDef, values map[string]*store.Value) bool {
	for _, dep := range n.ReadDeps() {
		var rev int64
		if v := values[dep]; v != nil {
			rev = v.ExRevision
		}
		if cur.ComputedWith[dep] != rev {
			return true
		}
	}
	return false
}

func snapshotRevisions(n *NodeDef, values map[string]*store.Value) map[string]int64 {
	out := make(map[string]int64)
	for _, dep := range n.ReadDeps() {
		if v := values[dep]; v != nil {
			out[dep] = v.ExRevision
		} else {
			out[dep] = 0
		}
	}
	return out
}

func snapshotInputs(n *NodeDef, values map[string]*store.Value) Inputs {
	in := make(Inputs)
	for _, dep := range n.ReadDeps() {
		if v := values[dep]; v != nil {
			in[dep] = *v
		}
	}
	return in
}

func sortedDerivedNodes(g *Graph) []*NodeDef {
	out := make([]*NodeDef, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Derived() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) abandonAfter(n *NodeDef) int64 {
	if n.AbandonAfterSeconds > 0 {
		return n.AbandonAfterSeconds
	}
	return e.opts.DefaultAbandonAfterSeconds
}

func heartbeatTimeout(n *NodeDef) int64 {
	if n.HeartbeatTimeoutSeconds > 0 {
		return n.HeartbeatTimeoutSeconds
	}
	return 3 * n.HeartbeatIntervalSeconds
}

// dispatch hands jobs to workers. With the engine started, workers run
// on background goroutines bounded by the worker semaphore; otherwise
// they run inline so embedded callers and tests see synchronous
// completion.
func (e *Engine) dispatch(ctx context.Context, jobs []job) {
	for _, j := range jobs {
		j := j
		if !e.isRunning() {
			e.runComputation(ctx, j)
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workers <- struct{}{}
			defer func() { <-e.workers }()
			e.runComputation(ctx, j)
		}()
	}
}
