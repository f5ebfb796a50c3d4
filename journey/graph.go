package journey

import (
	"context"
	"fmt"

	"github.com/journeydev/journey-go/journey/store"
)

// Reserved auxiliary node names, populated by the engine. User graphs
// may not declare nodes with these names.
const (
	// NodeExecutionID holds the execution's own ID, set at creation.
	NodeExecutionID = "execution_id"

	// NodeLastUpdatedAt holds the epoch second of the last revision
	// bump, updated by every accepted state change.
	NodeLastUpdatedAt = "last_updated_at"
)

// Inputs is the snapshot of upstream values handed to a compute
// function, taken at dispatch time under the execution row lock.
type Inputs map[string]store.Value

// Value returns the node's current value, or nil if absent or unset.
func (in Inputs) Value(name string) any {
	v, ok := in[name]
	if !ok || v.SetTime == nil {
		return nil
	}
	return v.NodeValue
}

// Provided reports whether the node is set (including explicit null).
func (in Inputs) Provided(name string) bool {
	v, ok := in[name]
	return ok && v.SetTime != nil
}

// ComputeFunc is a derived node's function body. It receives the
// upstream snapshot and returns the node's new value or an error. The
// engine converts panics to errors with the stack in error_details.
//
// The context carries the computation's absolute deadline; long-running
// functions should honor ctx.Done().
type ComputeFunc func(ctx context.Context, in Inputs) (any, error)

// OnSaveFunc is a best-effort side-effect hook invoked after a
// successful computation commits. It runs outside the transaction; its
// failures (including panics) are logged via the emitter and never roll
// state back.
type OnSaveFunc func(executionID, nodeName string, value any)

// NodeDef declares one node of a graph.
type NodeDef struct {
	Name string
	Type store.NodeType

	// Condition gates derived nodes. nil means always eligible.
	Condition *Cond

	// Fn is the function body for derived nodes. tick_once and
	// tick_recurring nodes may leave it nil to get the default
	// now + IntervalSeconds.
	Fn ComputeFunc

	// MaxRetries bounds automatic failed/abandoned retries between
	// successes. 0 means no automatic retry.
	MaxRetries int

	// BackoffMS is the retry delay schedule in milliseconds, indexed by
	// prior attempt count and clamped to its last element.
	BackoffMS []int64

	// AbandonAfterSeconds is the absolute deadline from dispatch; 0
	// uses the engine default.
	AbandonAfterSeconds int64

	// Heartbeat configuration. When HeartbeatIntervalSeconds > 0, the
	// worker reports liveness on that interval and a lapsed
	// HeartbeatTimeoutSeconds is treated like deadline expiry.
	HeartbeatIntervalSeconds int64
	HeartbeatTimeoutSeconds  int64

	// OnSave is invoked after a successful computation commits.
	OnSave OnSaveFunc

	// Mutates names the target node for mutate-type nodes; the function
	// output is written to that node instead of this one.
	Mutates string

	// MaxEntries bounds historian list values (newest first). 0 means
	// unbounded.
	MaxEntries int

	// IntervalSeconds drives the default function of tick_once and
	// tick_recurring nodes.
	IntervalSeconds int64
}

// Derived reports whether the engine computes this node.
func (n *NodeDef) Derived() bool {
	return n.Type.Derived()
}

// ReadDeps returns the node's read dependencies: the distinct node
// names its condition references, sorted.
func (n *NodeDef) ReadDeps() []string {
	return n.Condition.Nodes()
}

// Graph is a declarative dataflow definition, identified by
// (Name, Version) and content-hashed for migration detection.
type Graph struct {
	Name    string
	Version string
	Nodes   []*NodeDef
}

// Node returns the definition for name, or nil.
func (g *Graph) Node(name string) *NodeDef {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Validate checks the graph for structural errors: empty or duplicate
// node names, reserved names, unknown condition references, invalid
// mutate targets, missing function bodies, and cycles among read
// dependencies. Mutation edges deliberately do not count toward cycles.
func (g *Graph) Validate() error {
	if g.Name == "" {
		return &EngineError{Message: "graph name cannot be empty", Code: "INVALID_GRAPH"}
	}
	if g.Version == "" {
		return &EngineError{Message: "graph version cannot be empty", Code: "INVALID_GRAPH"}
	}

	known := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return &EngineError{Message: "node name cannot be empty", Code: "INVALID_GRAPH"}
		}
		if n.Name == NodeExecutionID || n.Name == NodeLastUpdatedAt {
			return &EngineError{
				Message: fmt.Sprintf("node name %q is reserved", n.Name),
				Code:    "RESERVED_NODE_NAME",
			}
		}
		if known[n.Name] {
			return &EngineError{
				Message: fmt.Sprintf("duplicate node name %q", n.Name),
				Code:    "DUPLICATE_NODE",
			}
		}
		known[n.Name] = true
	}

	for _, n := range g.Nodes {
		if err := g.validateNode(n, known); err != nil {
			return err
		}
	}

	return g.checkCycles()
}

func (g *Graph) validateNode(n *NodeDef, known map[string]bool) error {
	if err := n.Condition.validate(known); err != nil {
		// Validate returns *EngineError for every failure mode; keep
		// the node context in the message rather than wrapping.
		if ee, ok := err.(*EngineError); ok {
			return &EngineError{
				Message: fmt.Sprintf("node %q: %s", n.Name, ee.Message),
				Code:    ee.Code,
			}
		}
		return err
	}

	switch n.Type {
	case store.NodeTypeInput:
		if n.Fn != nil {
			return &EngineError{
				Message: fmt.Sprintf("input node %q cannot have a function", n.Name),
				Code:    "INVALID_GRAPH",
			}
		}
	case store.NodeTypeMutate:
		if n.Mutates == "" {
			return &EngineError{
				Message: fmt.Sprintf("mutate node %q requires a mutates target", n.Name),
				Code:    "INVALID_GRAPH",
			}
		}
		if !known[n.Mutates] {
			return &EngineError{
				Message: fmt.Sprintf("mutate node %q targets unknown node %q", n.Name, n.Mutates),
				Code:    "UNKNOWN_NODE",
			}
		}
		if n.Mutates == n.Name {
			return &EngineError{
				Message: fmt.Sprintf("mutate node %q cannot target itself", n.Name),
				Code:    "INVALID_GRAPH",
			}
		}
		if n.Fn == nil {
			return &EngineError{
				Message: fmt.Sprintf("mutate node %q requires a function", n.Name),
				Code:    "INVALID_GRAPH",
			}
		}
	case store.NodeTypeTickOnce, store.NodeTypeTickRecurring:
		if n.Fn == nil && n.IntervalSeconds <= 0 {
			return &EngineError{
				Message: fmt.Sprintf("tick node %q requires IntervalSeconds or a function", n.Name),
				Code:    "INVALID_GRAPH",
			}
		}
	case store.NodeTypeCompute, store.NodeTypeScheduleOnce, store.NodeTypeScheduleRecurring,
		store.NodeTypeArchive, store.NodeTypeHistorian:
		if n.Fn == nil {
			return &EngineError{
				Message: fmt.Sprintf("derived node %q requires a function", n.Name),
				Code:    "INVALID_GRAPH",
			}
		}
	case store.NodeTypeAuxiliary:
		return &EngineError{
			Message: fmt.Sprintf("node %q: auxiliary nodes are engine-managed", n.Name),
			Code:    "INVALID_GRAPH",
		}
	default:
		return &EngineError{
			Message: fmt.Sprintf("node %q has unknown type %q", n.Name, n.Type),
			Code:    "INVALID_GRAPH",
		}
	}
	return nil
}

// checkCycles rejects cycles among read dependencies with three-color
// depth-first search.
func (g *Graph) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case gray:
			return &EngineError{
				Message: fmt.Sprintf("read-dependency cycle through node %q", name),
				Code:    "GRAPH_CYCLE",
			}
		case black:
			return nil
		}
		color[name] = gray
		if n := g.Node(name); n != nil {
			for _, dep := range n.ReadDeps() {
				if err := visit(dep, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, n := range g.Nodes {
		if err := visit(n.Name, nil); err != nil {
			return err
		}
	}
	return nil
}
