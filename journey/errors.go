// Package journey provides a persistent dataflow workflow engine.
//
// A Graph declares nodes that are either inputs (externally set values)
// or derived (computed from upstream nodes when a gating condition is
// satisfied). Each Execution is an instance of a graph with durable
// state in a store.Store; the Engine drives executions forward, retries
// transient failures, recovers stalled work with background sweeps, and
// lets callers read values with optional blocking semantics.
package journey

import "errors"

// ErrNotSet indicates the requested value has no write yet, or that a
// waiting read timed out before one arrived.
var ErrNotSet = errors.New("value not set")

// ErrComputationFailed indicates the node's latest computation is
// terminally failed or abandoned with no pending successor. Re-mutating
// an upstream input does not clear this; ForceRetry does.
var ErrComputationFailed = errors.New("computation failed")

// EngineError represents API misuse: bad node names, wrong node kinds,
// invalid wait options. The Code field is machine-readable.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
