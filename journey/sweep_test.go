package journey

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/journeydev/journey-go/journey/emit"
	"github.com/journeydev/journey-go/journey/store"
)

func sweepCompletions(f *fixture, sweepType string) int {
	n := 0
	for _, ev := range f.emitter.GetHistory("") {
		if ev.Msg == "sweep_completed" && ev.Meta["sweep_type"] == sweepType {
			n++
		}
	}
	return n
}

// markComputing flips a node's pending computation to computing with
// the given deadlines, simulating a worker that started elsewhere (or
// died).
func markComputing(t *testing.T, f *fixture, executionID, node string, deadline int64, heartbeatDeadline *int64) {
	t.Helper()
	_, history := f.node(t, executionID, node)
	if len(history) == 0 {
		t.Fatalf("node %s has no computation to mark", node)
	}
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		comp, err := tx.LockComputation(ctx, history[0].ID)
		if err != nil {
			return err
		}
		now := f.clock.Now()
		comp.State = store.StateComputing
		comp.StartTime = &now
		comp.Deadline = &deadline
		comp.HeartbeatDeadline = heartbeatDeadline
		comp.UpdatedAt = now
		return tx.UpdateComputation(ctx, comp)
	})
	if err != nil {
		t.Fatalf("mark computing: %v", err)
	}
}

// TestRunSweepUnknown verifies the operator entry point rejects unknown
// sweep names.
func TestRunSweepUnknown(t *testing.T) {
	f := newFixture(t, greetingGraph())
	err := f.engine.RunSweep(context.Background(), "no_such_sweep")
	if ee, ok := err.(*EngineError); !ok || ee.Code != "UNKNOWN_SWEEP" {
		t.Errorf("expected UNKNOWN_SWEEP, got %v", err)
	}
}

// TestSweepThrottle verifies a sweep with a minimum interval runs once,
// then skips until the interval elapses.
func TestSweepThrottle(t *testing.T) {
	f := newFixture(t, greetingGraph())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.engine.RunSweep(ctx, SweepScheduleNodes); err != nil {
			t.Fatalf("run sweep: %v", err)
		}
	}
	if got := sweepCompletions(f, SweepScheduleNodes); got != 1 {
		t.Fatalf("sweep ran %d times inside the minimum interval, want 1", got)
	}

	f.clock.Advance(121)
	if err := f.engine.RunSweep(ctx, SweepScheduleNodes); err != nil {
		t.Fatalf("run sweep: %v", err)
	}
	if got := sweepCompletions(f, SweepScheduleNodes); got != 2 {
		t.Errorf("sweep should run again after the interval, got %d runs", got)
	}

	t.Run("sweep run rows recorded", func(t *testing.T) {
		run, err := f.store.LastSweepRun(ctx, SweepScheduleNodes, true)
		if err != nil {
			t.Fatalf("last sweep run: %v", err)
		}
		if run == nil || run.CompletedAt == nil || run.ExecutionsProcessed == nil {
			t.Fatalf("completed sweep run not recorded: %+v", run)
		}
	})
}

// TestSweepAbandoned verifies deadline-expired computations are
// terminated, retried per policy, and surfaced to readers.
func TestSweepAbandoned(t *testing.T) {
	var failures, attempts int32
	f := newFixture(t, flakyGraph(0, nil, &failures, &attempts))
	exec := f.create(t, "flaky", "1")
	ctx := context.Background()

	// Simulate a worker that died mid-computation.
	markComputing(t, f, exec.ID, "result", f.clock.Now()+30, nil)

	t.Run("not expired yet", func(t *testing.T) {
		if err := f.engine.RunSweep(ctx, SweepAbandoned); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		_, history := f.node(t, exec.ID, "result")
		if history[0].State != store.StateComputing {
			t.Fatalf("unexpired computation was touched: %s", history[0].State)
		}
	})

	t.Run("expired is abandoned", func(t *testing.T) {
		f.clock.Advance(31)
		if err := f.engine.RunSweep(ctx, SweepAbandoned); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		_, history := f.node(t, exec.ID, "result")
		if history[0].State != store.StateAbandoned {
			t.Fatalf("state = %s, want abandoned", history[0].State)
		}
		if history[0].ErrorDetails != "deadline exceeded" {
			t.Errorf("error_details = %q", history[0].ErrorDetails)
		}
		if history[0].CompletionTime == nil {
			t.Error("abandoned computation should have a completion time")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		if err := f.engine.RunSweep(ctx, SweepAbandoned); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		_, history := f.node(t, exec.ID, "result")
		if len(history) != 1 {
			t.Errorf("repeat sweep grew history to %d", len(history))
		}
	})
}

// TestSweepAbandonedHeartbeat verifies a lapsed heartbeat expires a
// computation before its absolute deadline.
func TestSweepAbandonedHeartbeat(t *testing.T) {
	var failures, attempts int32
	f := newFixture(t, flakyGraph(0, nil, &failures, &attempts))
	exec := f.create(t, "flaky", "1")
	ctx := context.Background()

	hb := f.clock.Now() - 5
	markComputing(t, f, exec.ID, "result", f.clock.Now()+3600, &hb)

	if err := f.engine.RunSweep(ctx, SweepAbandoned); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	_, history := f.node(t, exec.ID, "result")
	if history[0].State != store.StateAbandoned {
		t.Fatalf("state = %s, want abandoned", history[0].State)
	}
	if history[0].ErrorDetails != "heartbeat lapsed" {
		t.Errorf("error_details = %q, want heartbeat lapsed", history[0].ErrorDetails)
	}
}

// TestSweepAbandonedRetries verifies abandonment consults the same
// retry policy as failure.
func TestSweepAbandonedRetries(t *testing.T) {
	var failures, attempts int32
	atomic.StoreInt32(&failures, 0) // succeeds if it ever runs again
	f := newFixture(t, flakyGraph(2, []int64{0}, &failures, &attempts))
	exec := f.create(t, "flaky", "1")
	ctx := context.Background()

	f.set(t, exec.ID, "trigger", "go")
	// First run already succeeded synchronously; force a stuck retry
	// scenario instead: mark the fresh pending row computing and expire.
	f.set(t, exec.ID, "trigger", "again")
	_, history := f.node(t, exec.ID, "result")
	if history[0].State != store.StateSuccess {
		t.Fatalf("setup: latest state = %s", history[0].State)
	}

	// Invalidate and catch the new pending row before it runs by driving
	// the store directly: create a not_set row, mark it computing, expire.
	err := f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := f.clock.Now()
		deadline := now - 10
		start := now - 20
		return tx.InsertComputation(ctx, &store.Computation{
			ExecutionID:     exec.ID,
			NodeName:        "result",
			ComputationType: store.NodeTypeCompute,
			State:           store.StateComputing,
			StartTime:       &start,
			Deadline:        &deadline,
			UpdatedAt:       now,
		})
	})
	if err != nil {
		t.Fatalf("insert stuck computation: %v", err)
	}

	before := atomic.LoadInt32(&attempts)
	if err := f.engine.RunSweep(ctx, SweepAbandoned); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// The stuck row is abandoned, the retry successor runs immediately
	// (synchronous engine) and succeeds.
	_, history = f.node(t, exec.ID, "result")
	if history[0].State != store.StateSuccess {
		t.Fatalf("latest state = %s, want success from retry", history[0].State)
	}
	states := make([]string, len(history))
	for i, c := range history {
		states[i] = string(c.State)
	}
	if !strings.Contains(strings.Join(states, ","), string(store.StateAbandoned)) {
		t.Errorf("history %v should contain an abandoned row", states)
	}
	if atomic.LoadInt32(&attempts) != before+1 {
		t.Errorf("retry should have run the node once more")
	}
}

// TestSweepRegenerateRecurring verifies recurring schedule nodes get a
// fresh computation after their fire time passes.
func TestSweepRegenerateRecurring(t *testing.T) {
	g := &Graph{
		Name:    "heartbeat",
		Version: "1",
		Nodes: []*NodeDef{
			{Name: "tick", Type: store.NodeTypeTickRecurring, IntervalSeconds: 60},
		},
	}
	f := newFixture(t, g)
	exec := f.create(t, "heartbeat", "1")
	ctx := context.Background()

	v, history := f.node(t, exec.ID, "tick")
	if !v.Set() || len(history) != 1 {
		t.Fatalf("setup: tick should have computed once")
	}
	firstFire := asInt64(v.NodeValue)
	if firstFire != testEpoch+60 {
		t.Fatalf("first fire = %d, want %d", firstFire, testEpoch+60)
	}

	t.Run("before fire time nothing regenerates", func(t *testing.T) {
		if err := f.engine.RunSweep(ctx, SweepRegenerateSchedule); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		_, history := f.node(t, exec.ID, "tick")
		if len(history) != 1 {
			t.Fatalf("regenerated before fire time: %d rows", len(history))
		}
	})

	t.Run("past fire time regenerates and recomputes", func(t *testing.T) {
		f.clock.Advance(61)
		if err := f.engine.RunSweep(ctx, SweepRegenerateSchedule); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		v, history := f.node(t, exec.ID, "tick")
		if len(history) != 2 {
			t.Fatalf("expected 2 computations after regeneration, got %d", len(history))
		}
		if history[0].State != store.StateSuccess {
			t.Fatalf("regenerated computation state = %s", history[0].State)
		}
		if got := asInt64(v.NodeValue); got != f.clock.Now()+60 {
			t.Errorf("next fire = %d, want %d", got, f.clock.Now()+60)
		}
	})

	t.Run("no duplicate successor", func(t *testing.T) {
		if err := f.engine.RunSweep(ctx, SweepRegenerateSchedule); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		_, history := f.node(t, exec.ID, "tick")
		if len(history) != 2 {
			t.Errorf("repeat sweep before the next fire grew history to %d", len(history))
		}
	})
}

// TestSweepPreferredHour verifies hour-gated sweeps skip outside their
// window. The fixture clock sits at 22:13 UTC; the catch-all defaults
// to hour 2.
func TestSweepPreferredHour(t *testing.T) {
	f := newFixture(t, greetingGraph())
	ctx := context.Background()

	if err := f.engine.RunSweep(ctx, SweepMissedCatchall); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := sweepCompletions(f, SweepMissedCatchall); got != 0 {
		t.Errorf("catch-all ran outside its preferred hour")
	}

	t.Run("hour restriction lifted", func(t *testing.T) {
		f2 := &fixture{
			store:   store.NewMemStore(),
			emitter: emit.NewBufferedEmitter(),
			clock:   newTestClock(testEpoch),
			catalog: NewCatalog(),
		}
		if err := f2.catalog.Register(greetingGraph()); err != nil {
			t.Fatalf("register: %v", err)
		}
		f2.engine = New(f2.store, f2.catalog, f2.emitter, Options{
			Sweeps: SweepOptions{CatchallPreferredHour: Hour(-1)},
		}, WithClock(f2.clock.Now))

		if err := f2.engine.RunSweep(ctx, SweepMissedCatchall); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if got := sweepCompletions(f2, SweepMissedCatchall); got != 1 {
			t.Errorf("catch-all should run with the hour restriction lifted, got %d", got)
		}
	})
}

// TestSweepDisabled verifies opt-out flags.
func TestSweepDisabled(t *testing.T) {
	f := &fixture{
		store:   store.NewMemStore(),
		emitter: emit.NewBufferedEmitter(),
		clock:   newTestClock(testEpoch),
		catalog: NewCatalog(),
	}
	if err := f.catalog.Register(greetingGraph()); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.engine = New(f.store, f.catalog, f.emitter, Options{
		Sweeps: SweepOptions{
			DisableStalledExecutions:       true,
			DisableMissedSchedulesCatchall: true,
		},
	}, WithClock(f.clock.Now))

	ctx := context.Background()
	for _, name := range []string{SweepStalled, SweepMissedCatchall} {
		if err := f.engine.RunSweep(ctx, name); err != nil {
			t.Fatalf("sweep %s: %v", name, err)
		}
		if got := sweepCompletions(f, name); got != 0 {
			t.Errorf("disabled sweep %s ran", name)
		}
	}
}

// TestSweepStalled verifies a quiet execution with runnable work gets
// advanced.
func TestSweepStalled(t *testing.T) {
	g := &Graph{
		Name:    "stall",
		Version: "1",
		Nodes: []*NodeDef{
			{Name: "fire_at", Type: store.NodeTypeInput},
			{
				Name:      "late",
				Type:      store.NodeTypeCompute,
				Condition: On("fire_at", PredDue),
				Fn: func(_ context.Context, in Inputs) (any, error) {
					return "fired", nil
				},
			},
		},
	}
	f := newFixture(t, g)
	exec := f.create(t, "stall", "1")
	ctx := context.Background()

	// The gate is in the future; the set leaves a blocked pending row.
	f.set(t, exec.ID, "fire_at", f.clock.Now()+300)
	if v, _ := f.node(t, exec.ID, "late"); v.Set() {
		t.Fatal("setup: gate should be blocked")
	}

	// Time passes with no kicks. The execution is now stalled: runnable
	// but quiet for over ten minutes.
	f.clock.Advance(1200)
	if err := f.engine.RunSweep(ctx, SweepStalled); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	v, _ := f.node(t, exec.ID, "late")
	if !v.Set() || v.NodeValue != "fired" {
		t.Errorf("stalled sweep should have advanced the execution; late = %v", v.NodeValue)
	}
}
