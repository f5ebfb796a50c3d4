package journey

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestGetImmediate verifies the default snapshot read.
func TestGetImmediate(t *testing.T) {
	f := newFixture(t, greetingGraph())
	exec := f.create(t, "greeting", "1")
	ctx := context.Background()

	t.Run("unset returns ErrNotSet", func(t *testing.T) {
		_, err := f.engine.Get(ctx, exec.ID, "first_name")
		if !errors.Is(err, ErrNotSet) {
			t.Errorf("expected ErrNotSet, got %v", err)
		}
	})

	t.Run("set returns value and revision", func(t *testing.T) {
		if err := f.engine.SetWithMetadata(ctx, exec.ID, "first_name", "Ada", map[string]any{"source": "test"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		res, err := f.engine.Get(ctx, exec.ID, "first_name")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if res.Value != "Ada" || res.Revision != 1 {
			t.Errorf("got %v at rev %d, want Ada at 1", res.Value, res.Revision)
		}
		if res.SetTime != f.clock.Now() {
			t.Errorf("set_time = %d, want %d", res.SetTime, f.clock.Now())
		}
		if res.Metadata["source"] != "test" {
			t.Errorf("metadata = %v", res.Metadata)
		}
	})

	t.Run("explicit null is a result", func(t *testing.T) {
		f.set(t, exec.ID, "last_name", nil)
		res, err := f.engine.Get(ctx, exec.ID, "last_name")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if res.Value != nil {
			t.Errorf("value = %v, want nil", res.Value)
		}
	})

	t.Run("unknown node errors", func(t *testing.T) {
		if _, err := f.engine.Get(ctx, exec.ID, "no_such_node"); err == nil {
			t.Error("expected error for unknown node")
		}
	})
}

// TestGetWaitAny verifies blocking until first set, the timeout path,
// and the failed-node short circuit.
func TestGetWaitAny(t *testing.T) {
	t.Run("wakes on set", func(t *testing.T) {
		f := newFixture(t, greetingGraph())
		exec := f.create(t, "greeting", "1")
		ctx := context.Background()

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = f.engine.Set(ctx, exec.ID, "first_name", "Ada")
		}()

		res, err := f.engine.Get(ctx, exec.ID, "first_name", WaitAny(), WaitTimeout(2*time.Second))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if res.Value != "Ada" {
			t.Errorf("value = %v", res.Value)
		}
	})

	t.Run("times out with ErrNotSet", func(t *testing.T) {
		f := newFixture(t, greetingGraph())
		exec := f.create(t, "greeting", "1")

		start := time.Now()
		_, err := f.engine.Get(context.Background(), exec.ID, "first_name", WaitAny(), WaitTimeout(50*time.Millisecond))
		if !errors.Is(err, ErrNotSet) {
			t.Fatalf("expected ErrNotSet, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("timeout took far longer than requested")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		f := newFixture(t, greetingGraph())
		exec := f.create(t, "greeting", "1")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := f.engine.Get(ctx, exec.ID, "first_name", WaitAny(), WaitForever())
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("dead-ended node fails fast", func(t *testing.T) {
		var failures, attempts int32
		atomic.StoreInt32(&failures, 100)
		f := newFixture(t, flakyGraph(0, nil, &failures, &attempts))
		exec := f.create(t, "flaky", "1")
		f.set(t, exec.ID, "trigger", "go")

		_, err := f.engine.Get(context.Background(), exec.ID, "result", WaitAny(), WaitTimeout(5*time.Second))
		if !errors.Is(err, ErrComputationFailed) {
			t.Errorf("expected ErrComputationFailed, got %v", err)
		}
	})

	t.Run("negative timeout rejected", func(t *testing.T) {
		f := newFixture(t, greetingGraph())
		exec := f.create(t, "greeting", "1")
		_, err := f.engine.Get(context.Background(), exec.ID, "first_name", WaitAny(), WaitTimeout(-time.Second))
		if ee, ok := err.(*EngineError); !ok || ee.Code != "INVALID_WAIT" {
			t.Errorf("expected INVALID_WAIT, got %v", err)
		}
	})
}

// TestGetWaitNewer verifies baseline-relative reads.
func TestGetWaitNewer(t *testing.T) {
	f := newFixture(t, greetingGraph())
	exec := f.create(t, "greeting", "1")
	ctx := context.Background()

	t.Run("requires a loaded baseline", func(t *testing.T) {
		_, err := f.engine.Get(ctx, exec.ID, "first_name", WaitNewer(nil))
		if ee, ok := err.(*EngineError); !ok || ee.Code != "INVALID_WAIT" {
			t.Errorf("expected INVALID_WAIT, got %v", err)
		}
	})

	t.Run("current value does not satisfy newer", func(t *testing.T) {
		f.set(t, exec.ID, "first_name", "Ada")
		baseline, err := f.engine.GetExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("load baseline: %v", err)
		}

		_, err = f.engine.Get(ctx, exec.ID, "first_name", WaitNewer(baseline), WaitTimeout(50*time.Millisecond))
		if !errors.Is(err, ErrNotSet) {
			t.Fatalf("unchanged value should time out, got %v", err)
		}

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = f.engine.Set(ctx, exec.ID, "first_name", "Grace")
		}()
		res, err := f.engine.Get(ctx, exec.ID, "first_name", WaitNewer(baseline), WaitTimeout(2*time.Second))
		if err != nil {
			t.Fatalf("get newer: %v", err)
		}
		if res.Value != "Grace" {
			t.Errorf("value = %v, want Grace", res.Value)
		}
	})

	t.Run("baseline without the value behaves like wait any", func(t *testing.T) {
		exec2 := f.create(t, "greeting", "1")
		baseline, err := f.engine.GetExecution(ctx, exec2.ID)
		if err != nil {
			t.Fatalf("load baseline: %v", err)
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = f.engine.Set(ctx, exec2.ID, "first_name", "Ada")
		}()
		res, err := f.engine.Get(ctx, exec2.ID, "first_name", WaitNewer(baseline), WaitTimeout(2*time.Second))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if res.Value != "Ada" {
			t.Errorf("value = %v", res.Value)
		}
	})
}

// TestGetWaitNewerThan verifies explicit revision thresholds.
func TestGetWaitNewerThan(t *testing.T) {
	f := newFixture(t, greetingGraph())
	exec := f.create(t, "greeting", "1")
	ctx := context.Background()

	f.set(t, exec.ID, "first_name", "Ada") // revision 1

	res, err := f.engine.Get(ctx, exec.ID, "first_name", WaitNewerThan(0))
	if err != nil {
		t.Fatalf("get newer than 0: %v", err)
	}
	if res.Revision != 1 {
		t.Errorf("revision = %d, want 1", res.Revision)
	}

	_, err = f.engine.Get(ctx, exec.ID, "first_name", WaitNewerThan(1), WaitTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrNotSet) {
		t.Errorf("revision 1 should not satisfy newer-than-1, got %v", err)
	}
}

// TestGetSeesComputedValue verifies waiting on a derived node wakes
// when its computation commits.
func TestGetSeesComputedValue(t *testing.T) {
	f := newFixture(t, greetingGraph())
	exec := f.create(t, "greeting", "1")
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.engine.Set(ctx, exec.ID, "first_name", "Ada")
		_ = f.engine.Set(ctx, exec.ID, "last_name", "Lovelace")
	}()

	res, err := f.engine.Get(ctx, exec.ID, "greeting", WaitAny(), WaitTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Value != "Hello, Ada Lovelace!" {
		t.Errorf("value = %v", res.Value)
	}
}
