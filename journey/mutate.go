package journey

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/journeydev/journey-go/journey/store"
)

// write is one pending value mutation inside a set/unset transaction.
type write struct {
	node     string
	value    any
	metadata map[string]any
	unset    bool
}

// Set writes an input node's value. Skips silently when neither value
// nor metadata would change; otherwise bumps the execution revision by
// one and kicks the scheduler.
func (e *Engine) Set(ctx context.Context, executionID, node string, value any) error {
	return e.applyWrites(ctx, executionID, []write{{node: node, value: value}})
}

// SetWithMetadata is Set with opaque caller metadata stored alongside
// the value. Metadata maps must have string keys throughout.
func (e *Engine) SetWithMetadata(ctx context.Context, executionID, node string, value any, metadata map[string]any) error {
	return e.applyWrites(ctx, executionID, []write{{node: node, value: value, metadata: metadata}})
}

// SetMany writes several input nodes atomically: every changed value
// gets the same new revision.
func (e *Engine) SetMany(ctx context.Context, executionID string, values map[string]any) error {
	writes := make([]write, 0, len(values))
	for node, value := range values {
		writes = append(writes, write{node: node, value: value})
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].node < writes[j].node })
	return e.applyWrites(ctx, executionID, writes)
}

// SetManyWithMetadata is SetMany with the same metadata attached to
// every written node.
func (e *Engine) SetManyWithMetadata(ctx context.Context, executionID string, values map[string]any, metadata map[string]any) error {
	writes := make([]write, 0, len(values))
	for node, value := range values {
		writes = append(writes, write{node: node, value: value, metadata: metadata})
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].node < writes[j].node })
	return e.applyWrites(ctx, executionID, writes)
}

// Unset clears an input node: set_time becomes null, distinguishing it
// from an explicitly written JSON null.
func (e *Engine) Unset(ctx context.Context, executionID, node string) error {
	return e.applyWrites(ctx, executionID, []write{{node: node, unset: true}})
}

// UnsetMany clears several input nodes atomically.
func (e *Engine) UnsetMany(ctx context.Context, executionID string, nodes []string) error {
	writes := make([]write, 0, len(nodes))
	for _, node := range nodes {
		writes = append(writes, write{node: node, unset: true})
	}
	return e.applyWrites(ctx, executionID, writes)
}

// applyWrites validates and applies a batch of mutations in one
// transaction under the execution row lock. All-or-nothing: any
// validation error rolls back the whole batch. Unchanged writes are
// skipped; if every write is a skip, the revision does not move and no
// kick is issued.
func (e *Engine) applyWrites(ctx context.Context, executionID string, writes []write) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if w.unset {
			continue
		}
		if err := validateValue(w.value); err != nil {
			return fmt.Errorf("node %q: %w", w.node, err)
		}
		if err := validateMetadata(w.metadata); err != nil {
			return fmt.Errorf("node %q: %w", w.node, err)
		}
	}

	now := e.now()
	var newRev int64
	changed := 0

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, executionID)
		if err != nil {
			return err
		}

		rows := make([]*store.Value, len(writes))
		for i, w := range writes {
			row, err := tx.GetValue(ctx, executionID, w.node)
			if err != nil {
				return e.unknownNodeError(ctx, tx, executionID, w.node)
			}
			if row.NodeType != store.NodeTypeInput {
				return e.notInputError(ctx, tx, executionID, w.node, row.NodeType)
			}
			rows[i] = row
		}

		newRev = exec.Revision + 1
		for i, w := range writes {
			row := rows[i]
			if w.unset {
				if row.SetTime == nil {
					continue
				}
				row.NodeValue = nil
				row.SetTime = nil
				row.Metadata = nil
			} else {
				if row.SetTime != nil && valuesEqual(row.NodeValue, w.value) &&
					(w.metadata == nil || metadataEqual(row.Metadata, w.metadata)) {
					continue
				}
				row.NodeValue = w.value
				row.SetTime = &now
				if w.metadata != nil {
					row.Metadata = w.metadata
				}
			}
			row.ExRevision = newRev
			row.UpdatedAt = now
			if err := tx.UpsertValue(ctx, row); err != nil {
				return err
			}
			changed++
		}

		if changed == 0 {
			return nil
		}
		if err := bumpLastUpdated(ctx, tx, executionID, newRev, now); err != nil {
			return err
		}
		exec.Revision = newRev
		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return err
	}
	if changed == 0 {
		return nil
	}

	for _, w := range writes {
		msg := "value_set"
		if w.unset {
			msg = "value_unset"
		}
		e.emitEvent(executionID, w.node, newRev, msg, nil)
	}
	e.waiters.notify(executionID)
	e.Kick(ctx, executionID)
	return nil
}

func (e *Engine) unknownNodeError(ctx context.Context, tx store.Tx, executionID, node string) error {
	return &EngineError{
		Message: fmt.Sprintf("unknown node %q; settable input nodes are: %s",
			node, strings.Join(inputNodes(ctx, tx, executionID), ", ")),
		Code: "UNKNOWN_NODE",
	}
}

func (e *Engine) notInputError(ctx context.Context, tx store.Tx, executionID, node string, typ store.NodeType) error {
	return &EngineError{
		Message: fmt.Sprintf("node %q has type %s and cannot be set directly; settable input nodes are: %s",
			node, typ, strings.Join(inputNodes(ctx, tx, executionID), ", ")),
		Code: "NOT_AN_INPUT",
	}
}

func inputNodes(ctx context.Context, tx store.Tx, executionID string) []string {
	rows, err := tx.ValuesFor(ctx, executionID)
	if err != nil {
		return nil
	}
	var out []string
	for i := range rows {
		if rows[i].NodeType == store.NodeTypeInput {
			out = append(out, rows[i].NodeName)
		}
	}
	sort.Strings(out)
	return out
}
