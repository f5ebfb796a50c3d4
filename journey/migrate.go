package journey

import (
	"context"
	"fmt"

	"github.com/journeydev/journey-go/journey/store"
)

// Migrate reconciles an execution with the currently registered
// definition of its graph. Nodes the execution doesn't know yet get an
// unset value row (and, when derived, a not_set computation row);
// existing values are untouched; graph_hash is updated. The next
// advance naturally starts newly unblocked computations.
//
// An advisory lock keyed by execution ID serializes concurrent
// migrations across processes: the loser skips, and the hash re-check
// under the lock makes the skip safe.
func (e *Engine) Migrate(ctx context.Context, executionID string) error {
	now := e.now()
	migrated := false

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.TryAdvisoryLock(ctx, migrateLockKey(executionID))
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}

		exec, err := tx.LockExecution(ctx, executionID)
		if err != nil {
			return err
		}
		g := e.catalog.Lookup(exec.GraphName, exec.GraphVersion)
		if g == nil {
			return &EngineError{
				Message: fmt.Sprintf("graph %s version %s is not registered", exec.GraphName, exec.GraphVersion),
				Code:    "UNKNOWN_GRAPH",
			}
		}

		hash := g.Hash()
		if hash == exec.GraphHash {
			return nil
		}

		existing, err := tx.ValuesFor(ctx, executionID)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for i := range existing {
			known[existing[i].NodeName] = true
		}

		for _, n := range g.Nodes {
			if known[n.Name] {
				continue
			}
			v := &store.Value{
				ExecutionID: executionID,
				NodeName:    n.Name,
				NodeType:    n.Type,
				NodeValue:   nil,
				SetTime:     nil,
				ExRevision:  0,
				InsertedAt:  now,
				UpdatedAt:   now,
			}
			if err := tx.UpsertValue(ctx, v); err != nil {
				return err
			}
			if n.Derived() {
				c := &store.Computation{
					ExecutionID:     executionID,
					NodeName:        n.Name,
					ComputationType: n.Type,
					State:           store.StateNotSet,
					UpdatedAt:       now,
				}
				if err := tx.InsertComputation(ctx, c); err != nil {
					return err
				}
			}
		}

		exec.GraphHash = hash
		exec.UpdatedAt = now
		migrated = true
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return err
	}
	if !migrated {
		return nil
	}

	e.emitEvent(executionID, "", 0, "execution_migrated", nil)
	e.Kick(ctx, executionID)
	return nil
}
