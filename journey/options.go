package journey

import "time"

// Options configures an Engine. The zero value is valid; New fills in
// defaults for anything unset.
type Options struct {
	// Metrics enables Prometheus collection when non-nil.
	Metrics *PrometheusMetrics

	// WorkerLimit bounds concurrent computation workers. Default 16.
	WorkerLimit int

	// KickQueueDepth is the capacity of the advance-signal queue.
	// A full queue degrades to synchronous advances. Default 256.
	KickQueueDepth int

	// SweepInterval is the sweeper goroutine's tick. Individual sweeps
	// additionally enforce their own minimum intervals. Default 15s.
	SweepInterval time.Duration

	// DefaultAbandonAfterSeconds is the computation deadline for nodes
	// that don't declare AbandonAfterSeconds. Default 300.
	DefaultAbandonAfterSeconds int64

	// GetPollInterval caps the fallback poll of waiting reads; waiters
	// are normally woken by revision-bump notifications. Default 100ms.
	GetPollInterval time.Duration

	// DefaultGetTimeout bounds waiting reads that don't specify a
	// timeout. Default 5s.
	DefaultGetTimeout time.Duration

	// Sweeps tunes the background sweeps.
	Sweeps SweepOptions

	// Now overrides the wall clock (epoch seconds) for tests.
	Now func() int64
}

// SweepOptions tunes the background sweeps. Zero values mean enabled
// with defaults; sweeps are opt-out.
type SweepOptions struct {
	// DisableStalledExecutions turns off the long-interval stalled
	// executions catch-all.
	DisableStalledExecutions bool

	// StalledPreferredHour restricts the stalled sweep to one UTC hour
	// of the day. nil means no restriction.
	StalledPreferredHour *int

	// DisableMissedSchedulesCatchall turns off the downtime-recovery
	// sweep.
	DisableMissedSchedulesCatchall bool

	// CatchallPreferredHour restricts the catch-all to one UTC hour.
	// nil defaults to 2; set to Hour(-1) for no restriction.
	CatchallPreferredHour *int

	// CatchallLookbackDays bounds how far back the catch-all scans for
	// past schedules. Default 7.
	CatchallLookbackDays int

	// ScheduleNodesMinSeconds throttles the schedule-nodes sweep.
	// Default 120.
	ScheduleNodesMinSeconds int64
}

// Hour is a convenience for the preferred-hour pointer fields.
func Hour(h int) *int {
	return &h
}

func (o *Options) applyDefaults() {
	if o.WorkerLimit <= 0 {
		o.WorkerLimit = 16
	}
	if o.KickQueueDepth <= 0 {
		o.KickQueueDepth = 256
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.DefaultAbandonAfterSeconds <= 0 {
		o.DefaultAbandonAfterSeconds = 300
	}
	if o.GetPollInterval <= 0 {
		o.GetPollInterval = 100 * time.Millisecond
	}
	if o.DefaultGetTimeout <= 0 {
		o.DefaultGetTimeout = 5 * time.Second
	}
	if o.Sweeps.CatchallPreferredHour == nil {
		o.Sweeps.CatchallPreferredHour = Hour(2)
	}
	if o.Sweeps.CatchallLookbackDays <= 0 {
		o.Sweeps.CatchallLookbackDays = 7
	}
	if o.Sweeps.ScheduleNodesMinSeconds <= 0 {
		o.Sweeps.ScheduleNodesMinSeconds = 120
	}
	if o.Now == nil {
		o.Now = func() int64 { return time.Now().Unix() }
	}
}

// Option is a functional option for configuring an Engine, applied on
// top of the Options struct passed to New.
//
// Example:
//
//	eng := journey.New(st, catalog, emitter, journey.Options{},
//	    journey.WithWorkerLimit(32),
//	    journey.WithMetrics(metrics),
//	)
type Option func(*Options)

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithWorkerLimit bounds concurrent computation workers.
func WithWorkerLimit(n int) Option {
	return func(o *Options) { o.WorkerLimit = n }
}

// WithKickQueueDepth sets the advance-signal queue capacity.
func WithKickQueueDepth(n int) Option {
	return func(o *Options) { o.KickQueueDepth = n }
}

// WithSweepInterval sets the sweeper tick.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

// WithSweepOptions replaces the sweep tuning wholesale.
func WithSweepOptions(s SweepOptions) Option {
	return func(o *Options) { o.Sweeps = s }
}

// WithClock overrides the wall clock (epoch seconds). Test hook.
func WithClock(now func() int64) Option {
	return func(o *Options) { o.Now = now }
}
