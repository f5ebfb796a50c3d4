package journey

import (
	"context"

	"github.com/journeydev/journey-go/journey/store"
)

// scheduleRetry decides whether a just-terminated computation gets a
// fresh not_set successor, and inserts it. Called inside the failure
// (or abandonment) transaction so the successor and the terminal row
// commit together.
//
// The attempt count is the number of prior failed/abandoned rows for
// the node since its last success, excluding the row that just
// terminated. With MaxRetries = 2 a node gets three attempts total:
// the original and two retries.
func (e *Engine) scheduleRetry(ctx context.Context, tx store.Tx, executionID string, n *NodeDef, terminated *store.Computation, now int64) (*store.Computation, error) {
	if n.MaxRetries <= 0 {
		return nil, nil
	}

	history, err := tx.ComputationsFor(ctx, executionID)
	if err != nil {
		return nil, err
	}
	prior := 0
	for i := range history {
		c := &history[i]
		if c.NodeName != n.Name || c.ID == terminated.ID {
			continue
		}
		switch c.State {
		case store.StateSuccess:
			prior = 0
		case store.StateFailed, store.StateAbandoned:
			prior++
		}
	}
	if prior >= n.MaxRetries {
		return nil, nil
	}

	scheduled := now + retryDelaySeconds(n.BackoffMS, prior)
	successor := &store.Computation{
		ExecutionID:     executionID,
		NodeName:        n.Name,
		ComputationType: n.Type,
		State:           store.StateNotSet,
		ScheduledTime:   &scheduled,
		UpdatedAt:       now,
	}
	if err := tx.InsertComputation(ctx, successor); err != nil {
		return nil, err
	}
	return successor, nil
}

// retryDelaySeconds converts the millisecond backoff schedule to whole
// seconds, indexing by prior attempt count and clamping to the last
// element. Sub-second delays round down to zero, which makes the
// successor immediately eligible.
func retryDelaySeconds(backoffMS []int64, attempt int) int64 {
	if len(backoffMS) == 0 {
		return 0
	}
	if attempt >= len(backoffMS) {
		attempt = len(backoffMS) - 1
	}
	return backoffMS[attempt] / 1000
}
