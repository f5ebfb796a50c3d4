package emit

// MultiEmitter fans each event out to several emitters, so one engine
// can log locally and trace remotely at the same time.
//
// Usage:
//
//	emitter := emit.NewMultiEmitter(
//	    emit.NewLogEmitter(os.Stdout, false),
//	    emit.NewOTelEmitter(tracer),
//	)
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that forwards to each of emitters
// in order. nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the event to every registered emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
