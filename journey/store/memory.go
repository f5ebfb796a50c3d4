package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps executions, values, computations, and sweep runs in maps
// guarded by a single mutex. Designed for:
//   - Testing and development
//   - Single-process embedded use
//   - Short-lived executions where persistence isn't required
//
// Transactions are serialized: WithTx holds the store mutex for the
// duration of the callback, which gives the same observable semantics as
// row locking in the relational backends (strictly stronger, in fact).
// A snapshot taken at transaction start is restored if the callback
// returns an error, so rollback is all-or-nothing like the SQL stores.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for multi-process deployments
//   - Advisory locks only exclude transactions within this process
type MemStore struct {
	mu     sync.Mutex
	closed bool

	executions map[string]*Execution          // id -> execution (no collections)
	values     map[string]map[string]*Value   // executionID -> nodeName -> value
	comps      map[string][]*Computation      // executionID -> rows ordered by ID
	sweeps     []*SweepRun

	advisory map[int64]bool

	nextValueID int64
	nextCompID  int64
	nextSweepID int64
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	eng := journey.New(st, catalog, emitter, journey.Options{})
func NewMemStore() *MemStore {
	return &MemStore{
		executions: make(map[string]*Execution),
		values:     make(map[string]map[string]*Value),
		comps:      make(map[string][]*Computation),
		advisory:   make(map[int64]bool),
	}
}

// memSnapshot captures the whole store state for transaction rollback.
type memSnapshot struct {
	executions map[string]*Execution
	values     map[string]map[string]*Value
	comps      map[string][]*Computation
	sweeps     []*SweepRun
	nextValueID, nextCompID, nextSweepID int64
}

func (m *MemStore) snapshot() *memSnapshot {
	snap := &memSnapshot{
		executions:  make(map[string]*Execution, len(m.executions)),
		values:      make(map[string]map[string]*Value, len(m.values)),
		comps:       make(map[string][]*Computation, len(m.comps)),
		sweeps:      make([]*SweepRun, len(m.sweeps)),
		nextValueID: m.nextValueID,
		nextCompID:  m.nextCompID,
		nextSweepID: m.nextSweepID,
	}
	for id, e := range m.executions {
		snap.executions[id] = copyExecution(e)
	}
	for id, vals := range m.values {
		cp := make(map[string]*Value, len(vals))
		for n, v := range vals {
			cp[n] = copyValue(v)
		}
		snap.values[id] = cp
	}
	for id, cs := range m.comps {
		cp := make([]*Computation, len(cs))
		for i, c := range cs {
			cp[i] = copyComputation(c)
		}
		snap.comps[id] = cp
	}
	for i, r := range m.sweeps {
		snap.sweeps[i] = copySweepRun(r)
	}
	return snap
}

func (m *MemStore) restore(snap *memSnapshot) {
	m.executions = snap.executions
	m.values = snap.values
	m.comps = snap.comps
	m.sweeps = snap.sweeps
	m.nextValueID = snap.nextValueID
	m.nextCompID = snap.nextCompID
	m.nextSweepID = snap.nextSweepID
}

// CreateExecution atomically inserts the execution with its initial
// value and computation rows.
func (m *MemStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}

	m.executions[exec.ID] = copyExecution(exec)
	vals := make(map[string]*Value, len(exec.Values))
	for i := range exec.Values {
		v := copyValue(&exec.Values[i])
		m.nextValueID++
		v.ID = m.nextValueID
		v.ExecutionID = exec.ID
		vals[v.NodeName] = v
		exec.Values[i].ID = v.ID
	}
	m.values[exec.ID] = vals

	cs := make([]*Computation, 0, len(exec.Computations))
	for i := range exec.Computations {
		c := copyComputation(&exec.Computations[i])
		m.nextCompID++
		c.ID = m.nextCompID
		c.ExecutionID = exec.ID
		cs = append(cs, c)
		exec.Computations[i].ID = c.ID
	}
	m.comps[exec.ID] = cs
	return nil
}

// GetExecution eagerly loads an execution with values and computations.
func (m *MemStore) GetExecution(_ context.Context, id string, states ...State) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}

	out := copyExecution(e)
	for _, v := range m.values[id] {
		out.Values = append(out.Values, *copyValue(v))
	}
	sort.Slice(out.Values, func(i, j int) bool { return out.Values[i].NodeName < out.Values[j].NodeName })
	for _, c := range m.comps[id] {
		if len(states) > 0 && !stateIn(c.State, states) {
			continue
		}
		out.Computations = append(out.Computations, *copyComputation(c))
	}
	return out, nil
}

// GetNode loads the value and computation history (newest first) for one node.
func (m *MemStore) GetNode(_ context.Context, executionID, nodeName string) (*Value, []Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, fmt.Errorf("store is closed")
	}

	if _, ok := m.executions[executionID]; !ok {
		return nil, nil, ErrNotFound
	}

	var val *Value
	if v, ok := m.values[executionID][nodeName]; ok {
		val = copyValue(v)
	}

	var history []Computation
	cs := m.comps[executionID]
	for i := len(cs) - 1; i >= 0; i-- {
		if cs[i].NodeName == nodeName {
			history = append(history, *copyComputation(cs[i]))
		}
	}
	return val, history, nil
}

// WithTx runs fn while holding the store mutex. On error the pre-
// transaction snapshot is restored.
func (m *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	snap := m.snapshot()
	tx := &memTx{store: m}
	err := fn(ctx, tx)
	for _, key := range tx.held {
		delete(m.advisory, key)
	}
	if err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// UpdateHeartbeat records worker liveness on a computing row.
func (m *MemStore) UpdateHeartbeat(_ context.Context, computationID int64, at, deadline int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	for _, cs := range m.comps {
		for _, c := range cs {
			if c.ID == computationID {
				if c.State != StateComputing {
					return nil
				}
				hb, hd := at, deadline
				c.LastHeartbeatAt = &hb
				c.HeartbeatDeadline = &hd
				c.UpdatedAt = at
				return nil
			}
		}
	}
	return ErrNotFound
}

// TouchExecutions bulk-updates updated_at.
func (m *MemStore) TouchExecutions(_ context.Context, ids []string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	for _, id := range ids {
		if e, ok := m.executions[id]; ok {
			e.UpdatedAt = now
		}
	}
	return nil
}

// ExpiredComputations finds computing rows whose deadline or heartbeat
// deadline has passed, for non-archived executions.
func (m *MemStore) ExpiredComputations(_ context.Context, now int64, limit int) ([]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var out []Computation
	for execID, cs := range m.comps {
		e := m.executions[execID]
		if e == nil || e.ArchivedAt != nil {
			continue
		}
		for _, c := range cs {
			if c.State != StateComputing {
				continue
			}
			expired := (c.Deadline != nil && *c.Deadline < now) ||
				(c.HeartbeatDeadline != nil && *c.HeartbeatDeadline < now)
			if expired {
				out = append(out, *copyComputation(c))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExecutionsWithScheduleWork finds executions with pending schedule-kind
// computations, updated at or after updatedSince.
func (m *MemStore) ExecutionsWithScheduleWork(_ context.Context, updatedSince int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var out []string
	for execID, cs := range m.comps {
		e := m.executions[execID]
		if e == nil || e.ArchivedAt != nil || e.UpdatedAt < updatedSince {
			continue
		}
		for _, c := range cs {
			if c.State == StateNotSet && c.ComputationType.Schedule() {
				out = append(out, execID)
				break
			}
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExecutionsUnblockedBySchedule finds executions with a schedule value
// that is due and was set within the recent window.
func (m *MemStore) ExecutionsUnblockedBySchedule(_ context.Context, now, window int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var out []string
	for execID, vals := range m.values {
		e := m.executions[execID]
		if e == nil || e.ArchivedAt != nil {
			continue
		}
		for _, v := range vals {
			if !v.NodeType.Schedule() || v.SetTime == nil || *v.SetTime < now-window {
				continue
			}
			if due, ok := epochValue(v.NodeValue); ok && due <= now {
				out = append(out, execID)
				break
			}
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecurringNeedingSuccessor finds latest success computations of
// recurring schedule nodes whose fire time has passed and which have no
// pending successor.
func (m *MemStore) RecurringNeedingSuccessor(_ context.Context, now int64, limit int) ([]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var out []Computation
	for execID, cs := range m.comps {
		e := m.executions[execID]
		if e == nil || e.ArchivedAt != nil {
			continue
		}
		latest := make(map[string]*Computation)
		for _, c := range cs {
			latest[c.NodeName] = c
		}
		for node, c := range latest {
			if c.State != StateSuccess || !c.ComputationType.Recurring() {
				continue
			}
			v := m.values[execID][node]
			if v == nil || v.SetTime == nil {
				continue
			}
			if due, ok := epochValue(v.NodeValue); ok && due <= now {
				out = append(out, *copyComputation(c))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StalledExecutions finds non-archived executions with updated_at in
// [updatedAfter, updatedBefore].
func (m *MemStore) StalledExecutions(_ context.Context, updatedAfter, updatedBefore int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var out []string
	for id, e := range m.executions {
		if e.ArchivedAt != nil {
			continue
		}
		if e.UpdatedAt >= updatedAfter && e.UpdatedAt <= updatedBefore {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExecutionsWithPastSchedules finds executions with a schedule value in
// [since, now] that have not been touched since before.
func (m *MemStore) ExecutionsWithPastSchedules(_ context.Context, since, before, now int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var out []string
	for execID, vals := range m.values {
		e := m.executions[execID]
		if e == nil || e.ArchivedAt != nil || e.UpdatedAt > before {
			continue
		}
		for _, v := range vals {
			if !v.NodeType.Schedule() || v.SetTime == nil {
				continue
			}
			if due, ok := epochValue(v.NodeValue); ok && due >= since && due <= now {
				out = append(out, execID)
				break
			}
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastSweepRun returns the most recent sweep run of the given type.
func (m *MemStore) LastSweepRun(_ context.Context, sweepType string, completedOnly bool) (*SweepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}
	return m.lastSweepRunLocked(sweepType, completedOnly), nil
}

func (m *MemStore) lastSweepRunLocked(sweepType string, completedOnly bool) *SweepRun {
	var best *SweepRun
	for _, r := range m.sweeps {
		if r.SweepType != sweepType {
			continue
		}
		if completedOnly && r.CompletedAt == nil {
			continue
		}
		if best == nil || r.StartedAt > best.StartedAt || (r.StartedAt == best.StartedAt && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return copySweepRun(best)
}

// UpdateSweepRun writes completed_at and executions_processed back.
func (m *MemStore) UpdateSweepRun(_ context.Context, run *SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	for _, r := range m.sweeps {
		if r.ID == run.ID {
			cp := copySweepRun(run)
			*r = *cp
			return nil
		}
	}
	return ErrNotFound
}

// Close marks the store closed. Double-close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTx implements Tx against the already-locked store state.
type memTx struct {
	store *MemStore
	held  []int64
}

func (t *memTx) LockExecution(_ context.Context, id string) (*Execution, error) {
	e, ok := t.store.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

func (t *memTx) UpdateExecution(_ context.Context, exec *Execution) error {
	e, ok := t.store.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	cp := copyExecution(exec)
	*e = *cp
	return nil
}

func (t *memTx) GetValue(_ context.Context, executionID, nodeName string) (*Value, error) {
	v, ok := t.store.values[executionID][nodeName]
	if !ok {
		return nil, ErrNotFound
	}
	return copyValue(v), nil
}

func (t *memTx) ValuesFor(_ context.Context, executionID string) ([]Value, error) {
	var out []Value
	for _, v := range t.store.values[executionID] {
		out = append(out, *copyValue(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out, nil
}

func (t *memTx) UpsertValue(_ context.Context, v *Value) error {
	vals := t.store.values[v.ExecutionID]
	if vals == nil {
		vals = make(map[string]*Value)
		t.store.values[v.ExecutionID] = vals
	}
	if cur, ok := vals[v.NodeName]; ok {
		v.ID = cur.ID
		v.InsertedAt = cur.InsertedAt
		vals[v.NodeName] = copyValue(v)
		return nil
	}
	t.store.nextValueID++
	v.ID = t.store.nextValueID
	if v.InsertedAt == 0 {
		v.InsertedAt = v.UpdatedAt
	}
	vals[v.NodeName] = copyValue(v)
	return nil
}

func (t *memTx) ComputationsFor(_ context.Context, executionID string, states ...State) ([]Computation, error) {
	var out []Computation
	for _, c := range t.store.comps[executionID] {
		if len(states) > 0 && !stateIn(c.State, states) {
			continue
		}
		out = append(out, *copyComputation(c))
	}
	return out, nil
}

func (t *memTx) LatestComputations(_ context.Context, executionID string) (map[string]*Computation, error) {
	out := make(map[string]*Computation)
	for _, c := range t.store.comps[executionID] {
		out[c.NodeName] = copyComputation(c)
	}
	return out, nil
}

func (t *memTx) LockComputation(_ context.Context, id int64) (*Computation, error) {
	for _, cs := range t.store.comps {
		for _, c := range cs {
			if c.ID == id {
				return copyComputation(c), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertComputation(_ context.Context, c *Computation) error {
	t.store.nextCompID++
	c.ID = t.store.nextCompID
	if c.InsertedAt == 0 {
		c.InsertedAt = c.UpdatedAt
	}
	t.store.comps[c.ExecutionID] = append(t.store.comps[c.ExecutionID], copyComputation(c))
	return nil
}

func (t *memTx) UpdateComputation(_ context.Context, c *Computation) error {
	for _, cur := range t.store.comps[c.ExecutionID] {
		if cur.ID == c.ID {
			cp := copyComputation(c)
			*cur = *cp
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) TryAdvisoryLock(_ context.Context, key int64) (bool, error) {
	// Re-acquiring a key this transaction already holds succeeds, as
	// with pg_try_advisory_xact_lock.
	for _, k := range t.held {
		if k == key {
			return true, nil
		}
	}
	if t.store.advisory[key] {
		return false, nil
	}
	t.store.advisory[key] = true
	t.held = append(t.held, key)
	return true, nil
}

func (t *memTx) LastSweepRun(_ context.Context, sweepType string, completedOnly bool) (*SweepRun, error) {
	return t.store.lastSweepRunLocked(sweepType, completedOnly), nil
}

func (t *memTx) InsertSweepRun(_ context.Context, run *SweepRun) error {
	t.store.nextSweepID++
	run.ID = t.store.nextSweepID
	if run.InsertedAt == 0 {
		run.InsertedAt = run.StartedAt
	}
	t.store.sweeps = append(t.store.sweeps, copySweepRun(run))
	return nil
}

func stateIn(s State, states []State) bool {
	for _, x := range states {
		if s == x {
			return true
		}
	}
	return false
}
