package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// execution history analysis. Events are organized by execution ID for
// efficient retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by execution ID with optional filtering
//   - Filter by node name or message
//   - Clear events by execution ID or all events
//
// Warning: This emitter stores all events in memory. For production
// deployments with long-lived executions or high event volume, use a
// persistent backend or implement rotation/cleanup.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	eng := journey.New(st, catalog, emitter, journey.Options{})
//
//	// ... run executions ...
//
//	history := emitter.GetHistory(execID)
//	failures := emitter.GetHistoryWithFilter(execID, emit.HistoryFilter{Msg: "computation_failed"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
type HistoryFilter struct {
	NodeName string // Filter by node name (empty = no filter)
	Msg      string // Filter by message (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
//
// Events are organized by execution ID for efficient retrieval. Safe for
// concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory retrieves all events for a specific execution ID.
//
// Returns events in the order they were emitted, or an empty slice if no
// events exist. The returned slice is a copy.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// GetHistoryWithFilter retrieves events for an execution matching the filter.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events[executionID] {
		if filter.NodeName != "" && event.NodeName != filter.NodeName {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Clear removes all events for a specific execution ID.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.events, executionID)
}

// ClearAll removes all stored events.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make(map[string][]Event)
}
