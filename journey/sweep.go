package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/journeydev/journey-go/journey/store"
)

// Sweep names, used for SweepRun bookkeeping, advisory lock keys, and
// RunSweep.
const (
	SweepAbandoned          = "abandoned_computations"
	SweepScheduleNodes      = "schedule_nodes"
	SweepUnblocked          = "unblocked_by_schedule"
	SweepRegenerateSchedule = "regenerate_schedule_recurring"
	SweepStalled            = "stalled_executions"
	SweepMissedCatchall     = "missed_schedules_catchall"
)

// sweepBatchSize bounds one store scan; sweeps loop batches with a cap
// so a backlog cannot pin one pass forever.
const (
	sweepBatchSize  = 100
	sweepMaxBatches = 50
)

// sweepDef describes one background sweep: its preflight gates and its
// work function.
type sweepDef struct {
	name          string
	minSeconds    int64
	preferredHour *int // UTC hour restriction; nil or negative = none
	enabled       bool
	run           func(ctx context.Context, now int64) (processed int, err error)
}

func (e *Engine) sweepDefs() []sweepDef {
	s := e.opts.Sweeps
	return []sweepDef{
		{
			name:    SweepAbandoned,
			enabled: true,
			run:     e.sweepAbandoned,
		},
		{
			name:       SweepScheduleNodes,
			minSeconds: s.ScheduleNodesMinSeconds,
			enabled:    true,
			run:        e.sweepScheduleNodes,
		},
		{
			name:    SweepUnblocked,
			enabled: true,
			run:     e.sweepUnblockedBySchedule,
		},
		{
			name:    SweepRegenerateSchedule,
			enabled: true,
			run:     e.sweepRegenerateRecurring,
		},
		{
			name:          SweepStalled,
			minSeconds:    30 * 60,
			preferredHour: s.StalledPreferredHour,
			enabled:       !s.DisableStalledExecutions,
			run:           e.sweepStalled,
		},
		{
			name:          SweepMissedCatchall,
			minSeconds:    23 * 60 * 60,
			preferredHour: s.CatchallPreferredHour,
			enabled:       !s.DisableMissedSchedulesCatchall,
			run:           e.sweepMissedCatchall,
		},
	}
}

// runSweeper ticks and offers every sweep its chance; the sweeps
// themselves enforce their minimum intervals and hour restrictions.
func (e *Engine) runSweeper(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, def := range e.sweepDefs() {
				if err := e.trySweep(ctx, def); err != nil {
					e.emitEvent("", "", 0, "sweep_failed", map[string]any{
						"sweep_type": def.name,
						"error":      err.Error(),
					})
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunSweep triggers a single pass of the named sweep, subject to the
// same preflight and locking as the background sweeper. Operator and
// test entry point.
func (e *Engine) RunSweep(ctx context.Context, name string) error {
	for _, def := range e.sweepDefs() {
		if def.name == name {
			return e.trySweep(ctx, def)
		}
	}
	return &EngineError{
		Message: fmt.Sprintf("unknown sweep %q", name),
		Code:    "UNKNOWN_SWEEP",
	}
}

// trySweep runs one sweep pass under the shared protocol:
//
//  1. cheap preflight: enabled, preferred hour, minimum interval
//  2. claim transaction: advisory lock on the sweep type, recency
//     re-check under the lock, SweepRun row insert
//  3. batched work with per-execution rescue
//  4. SweepRun completion update
//
// Another process holding the lock, or having completed a run between
// steps 1 and 2, makes this pass a silent skip.
func (e *Engine) trySweep(ctx context.Context, def sweepDef) error {
	if !def.enabled {
		return nil
	}
	now := e.now()
	if def.preferredHour != nil && *def.preferredHour >= 0 &&
		time.Unix(now, 0).UTC().Hour() != *def.preferredHour {
		return nil
	}
	if def.minSeconds > 0 {
		last, err := e.store.LastSweepRun(ctx, def.name, false)
		if err != nil {
			return err
		}
		if last != nil && now-last.StartedAt < def.minSeconds {
			return nil
		}
	}

	run := &store.SweepRun{SweepType: def.name, StartedAt: now, InsertedAt: now, UpdatedAt: now}
	claimed := false
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.TryAdvisoryLock(ctx, sweepLockKey(def.name))
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		if def.minSeconds > 0 {
			last, err := tx.LastSweepRun(ctx, def.name, false)
			if err != nil {
				return err
			}
			if last != nil && now-last.StartedAt < def.minSeconds {
				return nil
			}
		}
		claimed = true
		return tx.InsertSweepRun(ctx, run)
	})
	if err != nil || !claimed {
		return err
	}

	started := time.Now()
	processed, runErr := def.run(ctx, now)

	done := e.now()
	run.CompletedAt = &done
	run.ExecutionsProcessed = &processed
	run.UpdatedAt = done
	if err := e.store.UpdateSweepRun(ctx, run); err != nil {
		return err
	}

	e.metrics.sweepRan(def.name, time.Since(started).Seconds())
	e.emitEvent("", "", 0, "sweep_completed", map[string]any{
		"sweep_type": def.name,
		"processed":  processed,
	})
	return runErr
}

// advanceAll advances each execution, rescuing per-execution errors so
// one bad execution cannot halt a sweep. Returns the count advanced.
func (e *Engine) advanceAll(ctx context.Context, ids []string) int {
	n := 0
	for _, id := range ids {
		if err := e.Advance(ctx, id); err != nil {
			e.emitEvent(id, "", 0, "sweep_advance_failed", map[string]any{"error": err.Error()})
			continue
		}
		n++
	}
	return n
}

// lastCompletedStart returns the started_at of the last completed run
// of the sweep, or 0.
func (e *Engine) lastCompletedStart(ctx context.Context, sweepType string) int64 {
	last, err := e.store.LastSweepRun(ctx, sweepType, true)
	if err != nil || last == nil {
		return 0
	}
	return last.StartedAt
}
