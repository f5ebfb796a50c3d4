package journey

import (
	"context"
	"time"

	"github.com/journeydev/journey-go/journey/store"
)

// GetResult is a successful read: the value, the execution revision it
// was written at, its set time, and any caller metadata.
type GetResult struct {
	Value    any
	Revision int64
	SetTime  int64
	Metadata map[string]any
}

type waitMode int

const (
	waitImmediate waitMode = iota
	waitAny
	waitNewer
	waitNewerThan
)

type getOptions struct {
	mode      waitMode
	baseline  *store.Execution
	newerThan int64
	timeout   time.Duration
	forever   bool
}

// GetOption configures a Get call.
type GetOption func(*getOptions)

// WaitAny blocks until the value is set, up to the timeout.
func WaitAny() GetOption {
	return func(o *getOptions) { o.mode = waitAny }
}

// WaitNewer blocks until the value's revision exceeds the one the
// caller's execution snapshot holds, or until first-set if the snapshot
// never saw it. The baseline must be a loaded execution; an ID alone
// carries no revision to compare against.
func WaitNewer(baseline *store.Execution) GetOption {
	return func(o *getOptions) {
		o.mode = waitNewer
		o.baseline = baseline
	}
}

// WaitNewerThan blocks until the value's revision exceeds rev.
func WaitNewerThan(rev int64) GetOption {
	return func(o *getOptions) {
		o.mode = waitNewerThan
		o.newerThan = rev
	}
}

// WaitTimeout bounds a waiting read. Must be positive.
func WaitTimeout(d time.Duration) GetOption {
	return func(o *getOptions) { o.timeout = d }
}

// WaitForever removes the wait bound; only ctx cancellation stops the
// read.
func WaitForever() GetOption {
	return func(o *getOptions) { o.forever = true }
}

// Get reads a node's value, optionally waiting.
//
// Without options it is a single snapshot read: ErrNotSet when the
// value has no write, ErrComputationFailed when the node's latest
// computation is terminal with no pending successor.
//
// With a wait option the read blocks until the value satisfies the
// mode, the wait times out (ErrNotSet), the node fails terminally
// (ErrComputationFailed), or ctx is cancelled. Waiters are woken by
// in-process revision-bump notifications and additionally poll on a
// capped interval to cover bumps made by other processes.
func (e *Engine) Get(ctx context.Context, executionID, node string, opts ...GetOption) (*GetResult, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout < 0 {
		return nil, &EngineError{Message: "timeout must be positive", Code: "INVALID_WAIT"}
	}
	if o.timeout == 0 {
		o.timeout = e.opts.DefaultGetTimeout
	}

	threshold := int64(-1)
	switch o.mode {
	case waitNewer:
		if o.baseline == nil {
			return nil, &EngineError{
				Message: "wait newer requires a loaded execution as baseline, not just an id",
				Code:    "INVALID_WAIT",
			}
		}
		for i := range o.baseline.Values {
			v := &o.baseline.Values[i]
			if v.NodeName == node && v.SetTime != nil {
				threshold = v.ExRevision
			}
		}
	case waitNewerThan:
		threshold = o.newerThan
	}

	var deadline <-chan time.Time
	if o.mode != waitImmediate && !o.forever {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Register for notifications before reading so a bump between
		// the read and the wait is not missed.
		wake := e.waiters.wait(executionID)

		res, err := e.readNode(ctx, executionID, node, threshold)
		if err != nil || res != nil {
			return res, err
		}
		if o.mode == waitImmediate {
			return nil, ErrNotSet
		}

		poll := time.NewTimer(e.opts.GetPollInterval)
		select {
		case <-wake:
		case <-poll.C:
		case <-deadline:
			poll.Stop()
			return nil, ErrNotSet
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		}
		poll.Stop()
	}
}

// readNode takes one snapshot: a result when the value is set past the
// threshold, ErrComputationFailed on a dead-ended node, (nil, nil) when
// waiting should continue.
func (e *Engine) readNode(ctx context.Context, executionID, node string, threshold int64) (*GetResult, error) {
	v, history, err := e.store.GetNode(ctx, executionID, node)
	if err != nil {
		return nil, err
	}

	if v.Set() && v.ExRevision > threshold {
		return &GetResult{
			Value:    v.NodeValue,
			Revision: v.ExRevision,
			SetTime:  *v.SetTime,
			Metadata: v.Metadata,
		}, nil
	}

	// history is newest first; at-most-one-pending means a pending
	// successor, if any, is the latest row.
	if len(history) > 0 {
		switch history[0].State {
		case store.StateFailed, store.StateAbandoned:
			return nil, ErrComputationFailed
		}
	}
	return nil, nil
}
