package journey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// condDescriptor is the hashable form of a condition tree.
type condDescriptor struct {
	Op       string            `json:"op"`
	Node     string            `json:"node,omitempty"`
	Pred     string            `json:"pred,omitempty"`
	Children []*condDescriptor `json:"children,omitempty"`
}

func describeCond(c *Cond) *condDescriptor {
	if c == nil {
		return nil
	}
	d := &condDescriptor{Op: c.Op, Node: c.Node, Pred: c.Pred}
	for _, child := range c.Children {
		d.Children = append(d.Children, describeCond(child))
	}
	return d
}

// nodeDescriptor is the hashable form of a node definition. Function
// bodies are opaque; the hash covers the declared structure, which is
// what migration needs to detect.
type nodeDescriptor struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Condition       *condDescriptor `json:"condition,omitempty"`
	MaxRetries      int             `json:"max_retries,omitempty"`
	BackoffMS       []int64         `json:"backoff_ms,omitempty"`
	AbandonAfter    int64           `json:"abandon_after_seconds,omitempty"`
	Mutates         string          `json:"mutates,omitempty"`
	MaxEntries      int             `json:"max_entries,omitempty"`
	IntervalSeconds int64           `json:"interval_seconds,omitempty"`
}

// Hash returns the hex SHA-256 of the graph's canonical JSON
// description: nodes sorted by name, condition trees and predicate IDs
// included. Executions store this hash at creation; a differing hash
// for the registered definition means the execution needs migration.
func (g *Graph) Hash() string {
	nodes := make([]nodeDescriptor, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, nodeDescriptor{
			Name:            n.Name,
			Type:            string(n.Type),
			Condition:       describeCond(n.Condition),
			MaxRetries:      n.MaxRetries,
			BackoffMS:       n.BackoffMS,
			AbandonAfter:    n.AbandonAfterSeconds,
			Mutates:         n.Mutates,
			MaxEntries:      n.MaxEntries,
			IntervalSeconds: n.IntervalSeconds,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	data, err := json.Marshal(struct {
		Name    string           `json:"name"`
		Version string           `json:"version"`
		Nodes   []nodeDescriptor `json:"nodes"`
	}{g.Name, g.Version, nodes})
	if err != nil {
		// Descriptors are plain structs; marshaling cannot fail.
		panic(err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// advisoryKey derives a stable int64 advisory lock key from a
// purpose-prefixed string, using the first 8 bytes of its SHA-256.
func advisoryKey(s string) int64 {
	sum := sha256.Sum256([]byte(s))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func sweepLockKey(sweepName string) int64 {
	return advisoryKey("sweep:" + sweepName)
}

func migrateLockKey(executionID string) int64 {
	return advisoryKey("migrate:" + executionID)
}
