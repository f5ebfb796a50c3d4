package journey

import (
	"sort"
	"sync"

	"github.com/journeydev/journey-go/journey/store"
)

// Predicate tests a node's current value. The evaluator only invokes a
// predicate when the value is set (set_time non-null); now is the
// wall-clock epoch second so time-gated predicates need no I/O.
type Predicate func(value any, now int64) bool

// Built-in predicate IDs. Predicates are identified by stable string
// IDs so condition trees can be hashed and compared.
const (
	// PredProvided is true for any set value, including explicit null.
	PredProvided = "provided"

	// PredDue is true when the value is an integer epoch second <= now.
	// This is the gate downstream nodes use on schedule nodes.
	PredDue = "due"

	// PredTruthy is true unless the value is null, false, 0, "", or an
	// empty list/map.
	PredTruthy = "truthy"
)

var predicateRegistry = struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}{
	preds: map[string]Predicate{
		PredProvided: func(any, int64) bool { return true },
		PredDue: func(v any, now int64) bool {
			due, ok := epochSeconds(v)
			return ok && due <= now
		},
		PredTruthy: func(v any, _ int64) bool { return truthy(v) },
	},
}

// RegisterPredicate registers a predicate under a stable ID, replacing
// any previous registration. Graphs reference predicates by ID so that
// condition trees hash deterministically.
func RegisterPredicate(id string, fn Predicate) {
	predicateRegistry.mu.Lock()
	defer predicateRegistry.mu.Unlock()
	predicateRegistry.preds[id] = fn
}

func lookupPredicate(id string) (Predicate, bool) {
	predicateRegistry.mu.RLock()
	defer predicateRegistry.mu.RUnlock()
	fn, ok := predicateRegistry.preds[id]
	return fn, ok
}

func epochSeconds(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// Cond is a gating condition: a tree of predicate leaves joined by
// and/or/not. A nil *Cond is always met (a node with no gate).
type Cond struct {
	Op       string // "leaf", "and", "or", "not"
	Node     string // leaf only
	Pred     string // leaf only: predicate ID
	Children []*Cond
}

// On builds a leaf condition: node's value is set and pred holds.
func On(node, pred string) *Cond {
	return &Cond{Op: "leaf", Node: node, Pred: pred}
}

// Provided is sugar for And(On(n, PredProvided) for each n).
func Provided(nodes ...string) *Cond {
	children := make([]*Cond, len(nodes))
	for i, n := range nodes {
		children[i] = On(n, PredProvided)
	}
	if len(children) == 1 {
		return children[0]
	}
	return And(children...)
}

// And is met when every child is met. And() with no children is met.
func And(children ...*Cond) *Cond {
	return &Cond{Op: "and", Children: children}
}

// Or is met when at least one child is met.
func Or(children ...*Cond) *Cond {
	return &Cond{Op: "or", Children: children}
}

// Not inverts a condition.
func Not(c *Cond) *Cond {
	return &Cond{Op: "not", Children: []*Cond{c}}
}

// Nodes returns the distinct node names referenced by leaves, sorted.
// These are the node's read dependencies.
func (c *Cond) Nodes() []string {
	seen := map[string]bool{}
	c.collectNodes(seen)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *Cond) collectNodes(seen map[string]bool) {
	if c == nil {
		return
	}
	if c.Op == "leaf" {
		seen[c.Node] = true
		return
	}
	for _, child := range c.Children {
		child.collectNodes(seen)
	}
}

// validate checks that all leaves reference known nodes and registered
// predicates.
func (c *Cond) validate(knownNodes map[string]bool) error {
	if c == nil {
		return nil
	}
	switch c.Op {
	case "leaf":
		if !knownNodes[c.Node] {
			return &EngineError{
				Message: "condition references unknown node " + c.Node,
				Code:    "UNKNOWN_NODE",
			}
		}
		if _, ok := lookupPredicate(c.Pred); !ok {
			return &EngineError{
				Message: "condition references unregistered predicate " + c.Pred,
				Code:    "UNKNOWN_PREDICATE",
			}
		}
		return nil
	case "and", "or":
		for _, child := range c.Children {
			if err := child.validate(knownNodes); err != nil {
				return err
			}
		}
		return nil
	case "not":
		if len(c.Children) != 1 {
			return &EngineError{Message: "not requires exactly one child", Code: "INVALID_CONDITION"}
		}
		return c.Children[0].validate(knownNodes)
	default:
		return &EngineError{Message: "unknown condition op " + c.Op, Code: "INVALID_CONDITION"}
	}
}

// Leaf identifies one (node, predicate) pair in an evaluation result.
type Leaf struct {
	Node string
	Pred string
}

// CondResult explains an evaluation: whether the condition is met and
// which leaves held or didn't. Tooling uses the leaf lists to explain
// why a node is blocked.
type CondResult struct {
	Met         bool
	LeavesMet   []Leaf
	LeavesUnmet []Leaf
}

// EvaluateCond evaluates a condition tree against the current value
// state. It performs no I/O; unknown nodes and unset values are unmet.
// A nil condition is met.
func EvaluateCond(c *Cond, values map[string]*store.Value, now int64) CondResult {
	res := CondResult{Met: true}
	if c == nil {
		return res
	}
	res.Met = evalCond(c, values, now, &res)
	return res
}

func evalCond(c *Cond, values map[string]*store.Value, now int64, res *CondResult) bool {
	switch c.Op {
	case "leaf":
		met := evalLeaf(c, values, now)
		leaf := Leaf{Node: c.Node, Pred: c.Pred}
		if met {
			res.LeavesMet = append(res.LeavesMet, leaf)
		} else {
			res.LeavesUnmet = append(res.LeavesUnmet, leaf)
		}
		return met
	case "and":
		met := true
		for _, child := range c.Children {
			if !evalCond(child, values, now, res) {
				met = false
			}
		}
		return met
	case "or":
		met := false
		for _, child := range c.Children {
			if evalCond(child, values, now, res) {
				met = true
			}
		}
		return met
	case "not":
		return !evalCond(c.Children[0], values, now, res)
	}
	return false
}

func evalLeaf(c *Cond, values map[string]*store.Value, now int64) bool {
	v := values[c.Node]
	if !v.Set() {
		return false
	}
	fn, ok := lookupPredicate(c.Pred)
	if !ok {
		return false
	}
	return fn(v.NodeValue, now)
}
