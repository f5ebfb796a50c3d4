package journey

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/journeydev/journey-go/journey/emit"
	"github.com/journeydev/journey-go/journey/store"
)

// Engine drives executions forward: it decides which computations are
// ready, dispatches workers with at-most-one-pending-per-node
// guarantees, applies results, retries failures, and recovers stalled
// work with background sweeps.
//
// The database is the source of truth. In-process kick signals and
// waiter notifications are optimizations; every recovery path reduces
// to the idempotent Advance operation driven from durable state.
//
// An Engine works without Start for embedded and test use: mutations
// and workers then advance synchronously. Start launches the kick
// dispatcher and the sweeper for production use.
type Engine struct {
	store   store.Store
	catalog *Catalog
	emitter emit.Emitter
	metrics *PrometheusMetrics
	opts    Options
	now     func() int64

	kicks   *kicker
	waiters *waiterHub
	workers chan struct{} // semaphore

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine. A nil emitter falls back to NullEmitter.
//
// Example:
//
//	st := store.NewMemStore()
//	catalog := journey.NewCatalog()
//	eng := journey.New(st, catalog, emit.NewLogEmitter(os.Stdout, false), journey.Options{})
func New(st store.Store, catalog *Catalog, emitter emit.Emitter, opts Options, options ...Option) *Engine {
	for _, opt := range options {
		opt(&opts)
	}
	opts.applyDefaults()
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}

	return &Engine{
		store:   st,
		catalog: catalog,
		emitter: emitter,
		metrics: opts.Metrics,
		opts:    opts,
		now:     opts.Now,
		kicks:   newKicker(opts.KickQueueDepth),
		waiters: newWaiterHub(),
		workers: make(chan struct{}, opts.WorkerLimit),
	}
}

// Start launches the kick dispatcher and the background sweeper. It
// returns immediately; the goroutines stop when ctx is cancelled or
// Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return &EngineError{Message: "engine already started", Code: "ALREADY_STARTED"}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(2)
	go e.runDispatcher(ctx)
	go e.runSweeper(ctx)
	return nil
}

// Stop cancels the background goroutines and waits for in-flight
// workers to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) runDispatcher(ctx context.Context) {
	defer e.wg.Done()
	for {
		id, ok := e.kicks.next(ctx)
		if !ok {
			return
		}
		e.metrics.kickQueued(e.kicks.depth())
		if err := e.Advance(ctx, id); err != nil {
			e.emitEvent(id, "", 0, "advance_failed", map[string]any{"error": err.Error()})
		}
	}
}

// Kick signals that an execution may be advanceable. With the
// dispatcher running the signal is queued (coalesced per execution);
// otherwise, or on queue overflow, the advance runs synchronously.
func (e *Engine) Kick(ctx context.Context, executionID string) {
	if e.isRunning() {
		if e.kicks.offer(executionID) {
			e.metrics.kickQueued(e.kicks.depth())
			return
		}
		e.metrics.kickOverflowed()
	}
	if err := e.Advance(ctx, executionID); err != nil {
		e.emitEvent(executionID, "", 0, "advance_failed", map[string]any{"error": err.Error()})
	}
}

// CreateExecution instantiates the registered graph: one value row per
// node (unset, except the auxiliary execution_id and last_updated_at),
// one not_set computation per derived node, revision 0. The new
// execution is kicked so that condition-free nodes start immediately.
func (e *Engine) CreateExecution(ctx context.Context, graphName, graphVersion string) (*store.Execution, error) {
	g := e.catalog.Lookup(graphName, graphVersion)
	if g == nil {
		return nil, &EngineError{
			Message: fmt.Sprintf("graph %s version %s is not registered", graphName, graphVersion),
			Code:    "UNKNOWN_GRAPH",
		}
	}

	now := e.now()
	id := "exec_" + uuid.NewString()
	exec := &store.Execution{
		ID:           id,
		GraphName:    graphName,
		GraphVersion: graphVersion,
		GraphHash:    g.Hash(),
		Revision:     0,
		InsertedAt:   now,
		UpdatedAt:    now,
	}

	setNow := now
	exec.Values = append(exec.Values,
		store.Value{
			NodeName:   NodeExecutionID,
			NodeType:   store.NodeTypeAuxiliary,
			NodeValue:  id,
			SetTime:    &setNow,
			InsertedAt: now,
			UpdatedAt:  now,
		},
		store.Value{
			NodeName:   NodeLastUpdatedAt,
			NodeType:   store.NodeTypeAuxiliary,
			NodeValue:  now,
			SetTime:    &setNow,
			InsertedAt: now,
			UpdatedAt:  now,
		},
	)

	for _, n := range g.Nodes {
		exec.Values = append(exec.Values, store.Value{
			NodeName:   n.Name,
			NodeType:   n.Type,
			NodeValue:  nil,
			SetTime:    nil,
			InsertedAt: now,
			UpdatedAt:  now,
		})
		if n.Derived() {
			exec.Computations = append(exec.Computations, store.Computation{
				NodeName:        n.Name,
				ComputationType: n.Type,
				State:           store.StateNotSet,
				InsertedAt:      now,
				UpdatedAt:       now,
			})
		}
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.emitEvent(id, "", 0, "execution_created", map[string]any{
		"graph_name":    graphName,
		"graph_version": graphVersion,
	})
	e.Kick(ctx, id)
	return exec, nil
}

// GetExecution reloads an execution with its values and computations.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Archive sets archived_at on the execution. The scheduler and all
// sweeps skip archived executions from then on.
func (e *Engine) Archive(ctx context.Context, executionID string) error {
	now := e.now()
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.ArchivedAt != nil {
			return nil
		}
		exec.ArchivedAt = &now
		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return err
	}
	e.emitEvent(executionID, "", 0, "execution_archived", nil)
	return nil
}

// ForceRetry inserts a fresh not_set computation for a terminally
// failed or abandoned derived node, regardless of prior attempt count.
// Operator tool for permanently failed nodes.
func (e *Engine) ForceRetry(ctx context.Context, executionID, nodeName string) error {
	now := e.now()
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, executionID)
		if err != nil {
			return err
		}
		g := e.catalog.Lookup(exec.GraphName, exec.GraphVersion)
		if g == nil {
			return &EngineError{
				Message: fmt.Sprintf("graph %s version %s is not registered", exec.GraphName, exec.GraphVersion),
				Code:    "UNKNOWN_GRAPH",
			}
		}
		node := g.Node(nodeName)
		if node == nil || !node.Derived() {
			return &EngineError{
				Message: fmt.Sprintf("node %q is not a derived node of graph %s", nodeName, exec.GraphName),
				Code:    "INVALID_NODE",
			}
		}

		latest, err := tx.LatestComputations(ctx, executionID)
		if err != nil {
			return err
		}
		cur := latest[nodeName]
		if cur != nil && !cur.State.Terminal() {
			return &EngineError{
				Message: fmt.Sprintf("node %q already has a pending computation", nodeName),
				Code:    "ALREADY_PENDING",
			}
		}

		scheduled := now
		comp := &store.Computation{
			ExecutionID:     executionID,
			NodeName:        nodeName,
			ComputationType: node.Type,
			State:           store.StateNotSet,
			ScheduledTime:   &scheduled,
			UpdatedAt:       now,
		}
		if err := tx.InsertComputation(ctx, comp); err != nil {
			return err
		}
		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return err
	}
	e.emitEvent(executionID, nodeName, 0, "retry_forced", nil)
	e.Kick(ctx, executionID)
	return nil
}

func (e *Engine) emitEvent(executionID, nodeName string, revision int64, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		NodeName:    nodeName,
		Revision:    revision,
		Msg:         msg,
		Meta:        meta,
	})
}
