// Package store provides durable persistence for journey executions,
// values, computations, and sweep runs.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested execution, value, or
// computation does not exist.
var ErrNotFound = errors.New("not found")

// State enumerates computation lifecycle states.
type State string

// Computation states. A computation is created as StateNotSet, moves to
// StateComputing when dispatched, and ends in exactly one terminal state.
// Terminal rows are immutable; progress continues via fresh StateNotSet
// successor rows.
const (
	StateNotSet    State = "not_set"
	StateComputing State = "computing"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Terminal computations are
// never updated again.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// NodeType enumerates the kinds of nodes a graph can declare.
type NodeType string

// Node types. Input nodes receive values from outside; every other type
// is derived (computed when its gate condition is met).
const (
	NodeTypeInput             NodeType = "input"
	NodeTypeCompute           NodeType = "compute"
	NodeTypeMutate            NodeType = "mutate"
	NodeTypeScheduleOnce      NodeType = "schedule_once"
	NodeTypeScheduleRecurring NodeType = "schedule_recurring"
	NodeTypeTickOnce          NodeType = "tick_once"
	NodeTypeTickRecurring     NodeType = "tick_recurring"
	NodeTypeArchive           NodeType = "archive"
	NodeTypeHistorian         NodeType = "historian"

	// NodeTypeAuxiliary marks engine-populated bookkeeping values such
	// as execution_id and last_updated_at. Auxiliary nodes are neither
	// settable nor derived.
	NodeTypeAuxiliary NodeType = "auxiliary"
)

// Derived reports whether nodes of this type are computed by the engine.
func (t NodeType) Derived() bool {
	switch t {
	case NodeTypeInput, NodeTypeAuxiliary:
		return false
	}
	return true
}

// Schedule reports whether nodes of this type produce epoch-second
// fire-at values.
func (t NodeType) Schedule() bool {
	switch t {
	case NodeTypeScheduleOnce, NodeTypeScheduleRecurring, NodeTypeTickOnce, NodeTypeTickRecurring:
		return true
	}
	return false
}

// Recurring reports whether nodes of this type regenerate successors
// after each fire.
func (t NodeType) Recurring() bool {
	return t == NodeTypeScheduleRecurring || t == NodeTypeTickRecurring
}

// ScheduleTypes lists all schedule node kinds, in a stable order, for use
// in store queries.
func ScheduleTypes() []NodeType {
	return []NodeType{NodeTypeScheduleOnce, NodeTypeScheduleRecurring, NodeTypeTickOnce, NodeTypeTickRecurring}
}

// Execution is one instance of a graph with durable state.
//
// Revision is strictly monotonic: every accepted value mutation, every
// successful computation, and every unset bumps it by exactly one inside
// a transaction that holds the execution row lock.
type Execution struct {
	// ID is an opaque, prefixed, unique identifier ("exec_<uuid>").
	ID string

	// GraphName and GraphVersion identify the catalog entry this
	// execution was created from.
	GraphName    string
	GraphVersion string

	// GraphHash is the content hash of the graph definition bound at
	// creation; used to detect definition drift for migration.
	GraphHash string

	// Revision is the monotonically increasing mutation counter.
	Revision int64

	// ArchivedAt is the epoch-second archive time, or nil while live.
	// The scheduler and sweeps skip archived executions.
	ArchivedAt *int64

	InsertedAt int64
	UpdatedAt  int64

	// Values and Computations are populated by eager loads
	// (Store.GetExecution, Store.CreateExecution). Transactional code
	// paths load them explicitly via Tx methods instead.
	Values       []Value
	Computations []Computation
}

// Value holds the current state of one node in one execution. There is
// exactly one Value row per (execution_id, node_name).
//
// A set value and an explicitly-set JSON null are distinguished by
// SetTime: nil SetTime means "not set" regardless of NodeValue.
type Value struct {
	ID          int64
	ExecutionID string
	NodeName    string
	NodeType    NodeType

	// NodeValue is a JSON value: nil, bool, float64/int64, string,
	// []any, or map[string]any with string keys.
	NodeValue any

	// SetTime is the epoch second of the last write, or nil if unset.
	SetTime *int64

	// ExRevision is the execution revision at the moment of this write.
	ExRevision int64

	// Metadata is opaque caller data, round-tripped verbatim. All map
	// keys must be strings.
	Metadata map[string]any

	InsertedAt int64
	UpdatedAt  int64
}

// Set reports whether the value has been written (including explicit
// null writes).
func (v *Value) Set() bool {
	return v != nil && v.SetTime != nil
}

// Computation is one attempt at computing a derived node. Multiple rows
// accumulate per node over time; at most one is in {not_set, computing}
// at any instant.
type Computation struct {
	ID              int64
	ExecutionID     string
	NodeName        string
	ComputationType NodeType
	State           State

	// ExRevisionAtStart is the execution revision observed when the
	// computation was dispatched; ExRevisionAtCompletion is the
	// post-write revision on success. Together they give causal
	// ordering in history and drive cache invalidation.
	ExRevisionAtStart      int64
	ExRevisionAtCompletion int64

	// ScheduledTime gates retry successors: a not_set row with a future
	// ScheduledTime is not eligible for dispatch yet.
	ScheduledTime *int64

	StartTime      *int64
	CompletionTime *int64

	// Deadline is the absolute epoch second after which the Abandoned
	// sweep may reap a computing row.
	Deadline *int64

	ErrorDetails string

	// ComputedWith snapshots the upstream revisions the worker was fed,
	// as node_name -> ex_revision.
	ComputedWith map[string]int64

	LastHeartbeatAt   *int64
	HeartbeatDeadline *int64

	InsertedAt int64
	UpdatedAt  int64
}

// SweepRun is the audit record of one background sweep pass. The
// started_at of the last completed run serves as the watermark for the
// next run's cutoff.
type SweepRun struct {
	ID                  int64
	SweepType           string
	StartedAt           int64
	CompletedAt         *int64
	ExecutionsProcessed *int
	InsertedAt          int64
	UpdatedAt           int64
}

// Tx exposes the row-locked primitives the engine's transactional
// algorithms need. All mutations of execution state happen through a Tx
// so that the execution row lock serializes concurrent writers.
type Tx interface {
	// LockExecution loads the execution row under a row lock
	// (SELECT ... FOR UPDATE). Collections are not loaded.
	// Returns ErrNotFound if the execution does not exist.
	LockExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecution writes revision, graph_hash, archived_at, and
	// updated_at back to the locked row.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// GetValue loads a single value row, or ErrNotFound.
	GetValue(ctx context.Context, executionID, nodeName string) (*Value, error)

	// ValuesFor loads all value rows of an execution.
	ValuesFor(ctx context.Context, executionID string) ([]Value, error)

	// UpsertValue inserts or updates the (execution_id, node_name)
	// value row. On insert the ID and InsertedAt fields are filled in.
	UpsertValue(ctx context.Context, v *Value) error

	// ComputationsFor loads computation rows for an execution, oldest
	// first, optionally filtered to the given states.
	ComputationsFor(ctx context.Context, executionID string, states ...State) ([]Computation, error)

	// LatestComputations returns, per node, the most recently inserted
	// computation row of any state.
	LatestComputations(ctx context.Context, executionID string) (map[string]*Computation, error)

	// LockComputation re-reads a computation row under a row lock.
	// Returns ErrNotFound if it does not exist.
	LockComputation(ctx context.Context, id int64) (*Computation, error)

	// InsertComputation appends a new computation row, filling in ID
	// and InsertedAt.
	InsertComputation(ctx context.Context, c *Computation) error

	// UpdateComputation writes a computation row back.
	UpdateComputation(ctx context.Context, c *Computation) error

	// TryAdvisoryLock attempts a transaction-scoped advisory lock on
	// key. Returns false without blocking if another transaction holds
	// it. The lock releases automatically at commit or rollback.
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)

	// LastSweepRun returns the most recent sweep run of the given type
	// by started_at, or nil if none. With completedOnly, only runs with
	// a completion time are considered.
	LastSweepRun(ctx context.Context, sweepType string, completedOnly bool) (*SweepRun, error)

	// InsertSweepRun appends a sweep run row, filling in ID and
	// InsertedAt.
	InsertSweepRun(ctx context.Context, run *SweepRun) error
}

// Store is the persistence contract the engine depends on.
//
// Two production-shaped implementations exist: PostgresStore
// (authoritative, server-backed) and SQLiteStore (embedded, single
// process). MemStore backs tests and short-lived embedded use.
type Store interface {
	// CreateExecution atomically inserts the execution together with
	// its initial value and computation rows (carried in exec.Values
	// and exec.Computations).
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution eagerly loads an execution with its values and
	// computations. A non-empty states list filters the computations.
	// Returns ErrNotFound if the execution does not exist.
	GetExecution(ctx context.Context, id string, states ...State) (*Execution, error)

	// GetNode loads the value row and the computation history (newest
	// first) for one node. The value may be nil for nodes added by a
	// newer graph version that has not been migrated yet.
	// Returns ErrNotFound if the execution does not exist.
	GetNode(ctx context.Context, executionID, nodeName string) (*Value, []Computation, error)

	// WithTx runs fn inside a transaction. A non-nil error from fn
	// rolls the transaction back and is returned.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// UpdateHeartbeat records worker liveness on a computing row
	// without opening a full transaction.
	UpdateHeartbeat(ctx context.Context, computationID int64, at, deadline int64) error

	// TouchExecutions bulk-updates updated_at
	// (UPDATE ... WHERE id IN (...)).
	TouchExecutions(ctx context.Context, ids []string, now int64) error

	// ExpiredComputations finds computing rows of non-archived
	// executions whose deadline or heartbeat deadline has passed.
	ExpiredComputations(ctx context.Context, now int64, limit int) ([]Computation, error)

	// ExecutionsWithScheduleWork finds distinct non-archived executions
	// holding a not_set computation of a schedule kind, updated at or
	// after updatedSince.
	ExecutionsWithScheduleWork(ctx context.Context, updatedSince int64, limit int) ([]string, error)

	// ExecutionsUnblockedBySchedule finds distinct non-archived
	// executions with a schedule value that is due (node_value <= now)
	// and was set within the recent window (set_time >= now-window).
	ExecutionsUnblockedBySchedule(ctx context.Context, now, window int64, limit int) ([]string, error)

	// RecurringNeedingSuccessor finds success computations of recurring
	// schedule nodes whose fire time has passed and which have no
	// pending successor. The returned rows are each node's latest.
	RecurringNeedingSuccessor(ctx context.Context, now int64, limit int) ([]Computation, error)

	// StalledExecutions finds non-archived executions with updated_at
	// in [updatedAfter, updatedBefore].
	StalledExecutions(ctx context.Context, updatedAfter, updatedBefore int64, limit int) ([]string, error)

	// ExecutionsWithPastSchedules finds distinct non-archived
	// executions holding a schedule value in [since, now] that have not
	// been touched since before (downtime recovery).
	ExecutionsWithPastSchedules(ctx context.Context, since, before, now int64, limit int) ([]string, error)

	// LastSweepRun mirrors Tx.LastSweepRun for cheap preflight checks
	// outside a transaction.
	LastSweepRun(ctx context.Context, sweepType string, completedOnly bool) (*SweepRun, error)

	// UpdateSweepRun writes completed_at and executions_processed back.
	UpdateSweepRun(ctx context.Context, run *SweepRun) error

	// Close releases the underlying resources. After Close, all
	// operations return an error.
	Close() error
}
