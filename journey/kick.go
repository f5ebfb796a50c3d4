package journey

import (
	"context"
	"sync"
)

// kicker coalesces advance signals per execution. Mutations, workers,
// and sweeps all kick; the database-level idempotence of advance makes
// dedup an optimization, never a correctness requirement.
//
// A bounded channel carries execution IDs to the dispatcher; a pending
// set drops duplicate signals for executions already queued. On
// overflow the caller degrades to a synchronous advance so no signal is
// ever lost.
type kicker struct {
	mu      sync.Mutex
	pending map[string]bool
	ch      chan string
}

func newKicker(depth int) *kicker {
	return &kicker{
		pending: make(map[string]bool),
		ch:      make(chan string, depth),
	}
}

// offer enqueues an advance signal. Returns false when the signal could
// not be queued (duplicate suppressed returns true: the queued signal
// covers it).
func (k *kicker) offer(executionID string) bool {
	k.mu.Lock()
	if k.pending[executionID] {
		k.mu.Unlock()
		return true
	}
	select {
	case k.ch <- executionID:
		k.pending[executionID] = true
		k.mu.Unlock()
		return true
	default:
		k.mu.Unlock()
		return false
	}
}

// next blocks until a signal or context cancellation.
func (k *kicker) next(ctx context.Context) (string, bool) {
	select {
	case id := <-k.ch:
		k.mu.Lock()
		delete(k.pending, id)
		k.mu.Unlock()
		return id, true
	case <-ctx.Done():
		return "", false
	}
}

func (k *kicker) depth() int {
	return len(k.ch)
}

// waiterHub wakes Get waiters on revision bumps. Each execution has one
// broadcast channel; notify closes and replaces it. Waiters also poll
// on a capped interval as a backstop against bumps made by other
// processes sharing the database.
type waiterHub struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newWaiterHub() *waiterHub {
	return &waiterHub{chans: make(map[string]chan struct{})}
}

// wait returns the channel that closes on the execution's next
// revision bump in this process.
func (h *waiterHub) wait(executionID string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.chans[executionID]
	if !ok {
		ch = make(chan struct{})
		h.chans[executionID] = ch
	}
	return ch
}

// notify wakes all current waiters for the execution.
func (h *waiterHub) notify(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.chans[executionID]; ok {
		close(ch)
		delete(h.chans, executionID)
	}
}
