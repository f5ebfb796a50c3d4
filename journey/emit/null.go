package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it when observability output is not wanted, for example in
// benchmarks or when the engine is embedded in a host application that
// does its own instrumentation.
//
// Example:
//
//	eng := journey.New(st, catalog, emit.NewNullEmitter(), journey.Options{})
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
