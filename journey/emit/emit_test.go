package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func sampleEvent(executionID, node, msg string, rev int64) Event {
	return Event{ExecutionID: executionID, NodeName: node, Revision: rev, Msg: msg}
}

// TestBufferedEmitter verifies storage, filtering, and clearing.
func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(sampleEvent("exec_1", "a", "value_set", 1))
	b.Emit(sampleEvent("exec_1", "b", "computation_started", 1))
	b.Emit(sampleEvent("exec_1", "b", "computation_succeeded", 2))
	b.Emit(sampleEvent("exec_2", "a", "value_set", 1))

	t.Run("history per execution in order", func(t *testing.T) {
		events := b.GetHistory("exec_1")
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
		if events[0].Msg != "value_set" || events[2].Msg != "computation_succeeded" {
			t.Errorf("events out of order: %v", events)
		}
	})

	t.Run("filter by node", func(t *testing.T) {
		events := b.GetHistoryWithFilter("exec_1", HistoryFilter{NodeName: "b"})
		if len(events) != 2 {
			t.Errorf("got %d events for node b, want 2", len(events))
		}
	})

	t.Run("filter by message", func(t *testing.T) {
		events := b.GetHistoryWithFilter("exec_1", HistoryFilter{Msg: "value_set"})
		if len(events) != 1 {
			t.Errorf("got %d value_set events, want 1", len(events))
		}
	})

	t.Run("combined filter is AND", func(t *testing.T) {
		events := b.GetHistoryWithFilter("exec_1", HistoryFilter{NodeName: "a", Msg: "computation_started"})
		if len(events) != 0 {
			t.Errorf("got %d events, want 0", len(events))
		}
	})

	t.Run("unknown execution is empty", func(t *testing.T) {
		if events := b.GetHistory("exec_none"); len(events) != 0 {
			t.Errorf("got %d events for unknown execution", len(events))
		}
	})

	t.Run("clear one execution", func(t *testing.T) {
		b.Clear("exec_1")
		if len(b.GetHistory("exec_1")) != 0 {
			t.Error("clear did not remove events")
		}
		if len(b.GetHistory("exec_2")) != 1 {
			t.Error("clear removed another execution's events")
		}
	})

	t.Run("clear all", func(t *testing.T) {
		b.ClearAll()
		if len(b.GetHistory("exec_2")) != 0 {
			t.Error("clear all left events behind")
		}
	})
}

// TestBufferedEmitterConcurrency verifies concurrent emits do not race
// or drop events.
func TestBufferedEmitterConcurrency(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(sampleEvent("exec_1", "a", "value_set", int64(j)))
			}
		}()
	}
	wg.Wait()
	if got := len(b.GetHistory("exec_1")); got != 1000 {
		t.Errorf("got %d events, want 1000", got)
	}
}

// TestLogEmitterText verifies the human-readable line format.
func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)

	l.Emit(Event{
		ExecutionID: "exec_1",
		NodeName:    "greeting",
		Revision:    3,
		Msg:         "computation_succeeded",
		Meta:        map[string]interface{}{"attempt": 1},
	})

	line := buf.String()
	for _, want := range []string{"[computation_succeeded]", "execution=exec_1", "node=greeting", "revision=3", `"attempt":1`} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("line should end with a newline")
	}
}

// TestLogEmitterJSON verifies one parseable JSON object per line.
func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)

	l.Emit(sampleEvent("exec_1", "a", "value_set", 1))
	l.Emit(sampleEvent("exec_1", "b", "value_set", 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
		if decoded["msg"] != "value_set" {
			t.Errorf("msg = %v", decoded["msg"])
		}
	}
}

// TestNullEmitter verifies the no-op emitter accepts events.
func TestNullEmitter(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(sampleEvent("exec_1", "a", "value_set", 1))
}

// TestMultiEmitter verifies fan-out and nil tolerance.
func TestMultiEmitter(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	m := NewMultiEmitter(a, nil, b)

	m.Emit(sampleEvent("exec_1", "a", "value_set", 1))

	if len(a.GetHistory("exec_1")) != 1 {
		t.Error("first emitter did not receive the event")
	}
	if len(b.GetHistory("exec_1")) != 1 {
		t.Error("second emitter did not receive the event")
	}
}
