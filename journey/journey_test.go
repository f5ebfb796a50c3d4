package journey

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/journeydev/journey-go/journey/emit"
	"github.com/journeydev/journey-go/journey/store"
)

// testClock is a manually advanced epoch-second clock so tests control
// deadlines, backoff, and sweep windows exactly.
type testClock struct {
	mu sync.Mutex
	t  int64
}

func newTestClock(start int64) *testClock {
	return &testClock{t: start}
}

func (c *testClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t += seconds
}

const testEpoch = int64(1700000000)

// fixture bundles an engine on a MemStore with a controlled clock and a
// buffered emitter. The engine is not started, so mutations, advances,
// and workers all run synchronously.
type fixture struct {
	engine  *Engine
	store   *store.MemStore
	emitter *emit.BufferedEmitter
	clock   *testClock
	catalog *Catalog
}

func newFixture(t *testing.T, graphs ...*Graph) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemStore(),
		emitter: emit.NewBufferedEmitter(),
		clock:   newTestClock(testEpoch),
		catalog: NewCatalog(),
	}
	for _, g := range graphs {
		if err := f.catalog.Register(g); err != nil {
			t.Fatalf("register graph %s: %v", g.Name, err)
		}
	}
	f.engine = New(f.store, f.catalog, f.emitter, Options{}, WithClock(f.clock.Now))
	t.Cleanup(func() { f.store.Close() })
	return f
}

func (f *fixture) create(t *testing.T, graphName, graphVersion string) *store.Execution {
	t.Helper()
	exec, err := f.engine.CreateExecution(context.Background(), graphName, graphVersion)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return exec
}

func (f *fixture) set(t *testing.T, executionID, node string, value any) {
	t.Helper()
	if err := f.engine.Set(context.Background(), executionID, node, value); err != nil {
		t.Fatalf("set %s: %v", node, err)
	}
}

func (f *fixture) node(t *testing.T, executionID, node string) (*store.Value, []store.Computation) {
	t.Helper()
	v, history, err := f.store.GetNode(context.Background(), executionID, node)
	if err != nil {
		t.Fatalf("get node %s: %v", node, err)
	}
	return v, history
}

func (f *fixture) execution(t *testing.T, executionID string) *store.Execution {
	t.Helper()
	exec, err := f.store.GetExecution(context.Background(), executionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	return exec
}

// greetingGraph is the canonical two-inputs-one-compute fixture:
// greeting recomputes whenever first_name or last_name changes.
func greetingGraph() *Graph {
	return &Graph{
		Name:    "greeting",
		Version: "1",
		Nodes: []*NodeDef{
			{Name: "first_name", Type: store.NodeTypeInput},
			{Name: "last_name", Type: store.NodeTypeInput},
			{
				Name:      "greeting",
				Type:      store.NodeTypeCompute,
				Condition: Provided("first_name", "last_name"),
				Fn: func(_ context.Context, in Inputs) (any, error) {
					return fmt.Sprintf("Hello, %v %v!", in.Value("first_name"), in.Value("last_name")), nil
				},
			},
		},
	}
}

func countEvents(events []emit.Event, msg string) int {
	n := 0
	for _, ev := range events {
		if ev.Msg == msg {
			n++
		}
	}
	return n
}
