package emit

// Event represents an observability event emitted by the engine.
//
// Events provide detailed insight into execution behavior:
//   - Value mutations and unsets
//   - Computation start/success/failure/abandonment
//   - Retry scheduling
//   - Sweep runs
//   - Executions skipped because their graph definition is gone
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	// Empty string for engine-level events (sweep runs).
	ExecutionID string

	// NodeName identifies which node this event is about.
	// Empty string for execution-level events.
	NodeName string

	// Revision is the execution revision observed when the event was
	// emitted. Zero for events that precede any revision bump.
	Revision int64

	// Msg is a stable, machine-matchable event name such as
	// "computation_succeeded" or "sweep_completed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "error": error details for failures
	//   - "attempt": retry attempt number
	//   - "scheduled_time": epoch seconds of a scheduled successor
	//   - "sweep_type": which sweep emitted the event
	//   - "processed": executions processed by a sweep
	Meta map[string]interface{}
}
