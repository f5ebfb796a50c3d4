package store

// Deep-copy helpers. MemStore hands copies across its API boundary so
// callers can never alias internal state, and the engine uses them when
// it needs to hold a record beyond a transaction.

func copyExecution(e *Execution) *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.ArchivedAt = copyInt64Ptr(e.ArchivedAt)
	cp.Values = nil
	cp.Computations = nil
	return &cp
}

func copyValue(v *Value) *Value {
	if v == nil {
		return nil
	}
	cp := *v
	cp.SetTime = copyInt64Ptr(v.SetTime)
	cp.NodeValue = cloneJSON(v.NodeValue)
	if v.Metadata != nil {
		meta := cloneJSON(map[string]any(v.Metadata))
		cp.Metadata = meta.(map[string]any)
	}
	return &cp
}

func copyComputation(c *Computation) *Computation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ScheduledTime = copyInt64Ptr(c.ScheduledTime)
	cp.StartTime = copyInt64Ptr(c.StartTime)
	cp.CompletionTime = copyInt64Ptr(c.CompletionTime)
	cp.Deadline = copyInt64Ptr(c.Deadline)
	cp.LastHeartbeatAt = copyInt64Ptr(c.LastHeartbeatAt)
	cp.HeartbeatDeadline = copyInt64Ptr(c.HeartbeatDeadline)
	if c.ComputedWith != nil {
		cw := make(map[string]int64, len(c.ComputedWith))
		for k, v := range c.ComputedWith {
			cw[k] = v
		}
		cp.ComputedWith = cw
	}
	return &cp
}

func copySweepRun(r *SweepRun) *SweepRun {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CompletedAt = copyInt64Ptr(r.CompletedAt)
	if r.ExecutionsProcessed != nil {
		n := *r.ExecutionsProcessed
		cp.ExecutionsProcessed = &n
	}
	return &cp
}

func copyInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}

// cloneJSON deep-copies a JSON-shaped value (nil, bool, number, string,
// []any, map[string]any). Scalars are immutable and returned as-is.
func cloneJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(x))
		for k, e := range x {
			cp[k] = cloneJSON(e)
		}
		return cp
	case []any:
		cp := make([]any, len(x))
		for i, e := range x {
			cp[i] = cloneJSON(e)
		}
		return cp
	default:
		return v
	}
}

// epochValue interprets a node value as an epoch-second timestamp.
// Schedule nodes produce integral JSON numbers, which arrive as int64
// when set programmatically and float64 after a JSON round trip.
func epochValue(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}
