package journey

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/journeydev/journey-go/journey/store"
)

// flakyGraph computes "result" from "trigger"; the function fails until
// failures drops to zero, counting attempts.
func flakyGraph(maxRetries int, backoffMS []int64, failures *int32, attempts *int32) *Graph {
	return &Graph{
		Name:    "flaky",
		Version: "1",
		Nodes: []*NodeDef{
			{Name: "trigger", Type: store.NodeTypeInput},
			{
				Name:       "result",
				Type:       store.NodeTypeCompute,
				Condition:  Provided("trigger"),
				MaxRetries: maxRetries,
				BackoffMS:  backoffMS,
				Fn: func(_ context.Context, in Inputs) (any, error) {
					atomic.AddInt32(attempts, 1)
					if atomic.AddInt32(failures, -1) >= 0 {
						return nil, errors.New("transient failure")
					}
					return in.Value("trigger"), nil
				},
			},
		},
	}
}

// TestRetryExhaustion verifies MaxRetries bounds total attempts: two
// retries means three attempts, then the node stays failed.
func TestRetryExhaustion(t *testing.T) {
	var failures, attempts int32
	atomic.StoreInt32(&failures, 100)
	f := newFixture(t, flakyGraph(2, []int64{0}, &failures, &attempts))
	exec := f.create(t, "flaky", "1")

	f.set(t, exec.ID, "trigger", "go")

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (original + 2 retries)", got)
	}

	v, history := f.node(t, exec.ID, "result")
	if v.Set() {
		t.Error("result should remain unset after exhaustion")
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 computation rows, got %d", len(history))
	}
	for i, c := range history {
		if c.State != store.StateFailed {
			t.Errorf("history[%d].State = %s, want failed", i, c.State)
		}
		if c.ErrorDetails == "" {
			t.Errorf("history[%d] missing error details", i)
		}
	}

	t.Run("advance does not resurrect", func(t *testing.T) {
		if err := f.engine.Advance(context.Background(), exec.ID); err != nil {
			t.Fatalf("advance: %v", err)
		}
		if got := atomic.LoadInt32(&attempts); got != 3 {
			t.Errorf("advance after exhaustion ran the node again (attempts = %d)", got)
		}
	})

	t.Run("failure bumps no revision", func(t *testing.T) {
		// Only the trigger set moved the revision.
		if got := f.execution(t, exec.ID); got.Revision != 1 {
			t.Errorf("revision = %d, want 1", got.Revision)
		}
	})

	t.Run("force retry runs again and succeeds", func(t *testing.T) {
		// Clear the fault first; the forced attempt must be the one
		// that recovers.
		atomic.StoreInt32(&failures, 0)
		if err := f.engine.ForceRetry(context.Background(), exec.ID, "result"); err != nil {
			t.Fatalf("force retry: %v", err)
		}
		if got := atomic.LoadInt32(&attempts); got != 4 {
			t.Errorf("attempts = %d, want 4 (forced attempt must run)", got)
		}
		v, _ := f.node(t, exec.ID, "result")
		if !v.Set() || v.NodeValue != "go" {
			t.Errorf("result = %v after forced retry, want go", v.NodeValue)
		}
	})
}

// TestRetryRecovers verifies a node that fails once then succeeds
// within its retry budget.
func TestRetryRecovers(t *testing.T) {
	var failures, attempts int32
	atomic.StoreInt32(&failures, 1)
	f := newFixture(t, flakyGraph(2, []int64{0}, &failures, &attempts))
	exec := f.create(t, "flaky", "1")

	f.set(t, exec.ID, "trigger", "go")

	v, history := f.node(t, exec.ID, "result")
	if !v.Set() || v.NodeValue != "go" {
		t.Fatalf("result = %v, want go", v.NodeValue)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if history[0].State != store.StateSuccess || history[1].State != store.StateFailed {
		t.Errorf("history states = %s, %s; want success, failed", history[0].State, history[1].State)
	}
}

// TestRetryBackoffDelays verifies a non-zero backoff schedules the
// successor in the future, where only the passage of time releases it.
func TestRetryBackoffDelays(t *testing.T) {
	var failures, attempts int32
	atomic.StoreInt32(&failures, 1)
	f := newFixture(t, flakyGraph(2, []int64{60000}, &failures, &attempts))
	exec := f.create(t, "flaky", "1")
	ctx := context.Background()

	f.set(t, exec.ID, "trigger", "go")

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1 before backoff elapses", got)
	}
	_, history := f.node(t, exec.ID, "result")
	if history[0].State != store.StateNotSet {
		t.Fatalf("successor state = %s, want not_set", history[0].State)
	}
	if history[0].ScheduledTime == nil || *history[0].ScheduledTime != f.clock.Now()+60 {
		t.Fatalf("successor scheduled_time = %v, want now+60", history[0].ScheduledTime)
	}

	// Still within the backoff window: advance is a no-op.
	f.clock.Advance(30)
	if err := f.engine.Advance(ctx, exec.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d before scheduled time, want 1", got)
	}

	f.clock.Advance(31)
	if err := f.engine.Advance(ctx, exec.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	v, _ := f.node(t, exec.ID, "result")
	if !v.Set() || v.NodeValue != "go" {
		t.Errorf("result = %v after backoff elapsed, want go", v.NodeValue)
	}
}

// TestRetryCountResetsOnSuccess verifies the attempt counter considers
// only failures since the last success.
func TestRetryCountResetsOnSuccess(t *testing.T) {
	var failures, attempts int32
	atomic.StoreInt32(&failures, 1)
	f := newFixture(t, flakyGraph(1, []int64{0}, &failures, &attempts))
	exec := f.create(t, "flaky", "1")

	// Fails once, retry succeeds: one failure on the books.
	f.set(t, exec.ID, "trigger", "first")
	if v, _ := f.node(t, exec.ID, "result"); !v.Set() {
		t.Fatal("first round should succeed on retry")
	}

	// New input, fails once again. If old failures counted, MaxRetries=1
	// would already be exhausted; the reset-on-success rule grants a
	// fresh retry.
	atomic.StoreInt32(&failures, 1)
	f.set(t, exec.ID, "trigger", "second")
	v, _ := f.node(t, exec.ID, "result")
	if !v.Set() || v.NodeValue != "second" {
		t.Errorf("result = %v, want second; failure count should reset on success", v.NodeValue)
	}
}

// TestRetryDelaySeconds verifies schedule indexing and clamping.
func TestRetryDelaySeconds(t *testing.T) {
	cases := []struct {
		name    string
		backoff []int64
		attempt int
		want    int64
	}{
		{"empty schedule", nil, 0, 0},
		{"first attempt", []int64{1000, 5000}, 0, 1},
		{"second attempt", []int64{1000, 5000}, 1, 5},
		{"clamped past end", []int64{1000, 5000}, 7, 5},
		{"sub-second rounds down", []int64{500}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryDelaySeconds(tc.backoff, tc.attempt); got != tc.want {
				t.Errorf("retryDelaySeconds(%v, %d) = %d, want %d", tc.backoff, tc.attempt, got, tc.want)
			}
		})
	}
}
