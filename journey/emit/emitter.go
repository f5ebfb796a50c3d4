package emit

// Emitter receives and processes observability events from the engine.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Metrics: Prometheus, StatsD
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down scheduling and workers
//   - Thread-safe: May be called concurrently from workers and sweeps
//   - Resilient: Handle failures gracefully (don't crash the engine)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Implementations should not block the caller. If the backend is
	// unavailable or slow, events should be buffered, dropped with
	// internal error logging, or sent asynchronously.
	//
	// Emit should not panic. Errors should be logged internally.
	Emit(event Event)
}
