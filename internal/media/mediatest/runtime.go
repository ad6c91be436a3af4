// Package mediatest provides an in-memory media.Runtime that records the
// graphs built against it. Tests drive capability negotiation by calling
// Node.EmitPort and end graphs with Graph.Finish.
package mediatest

import (
	"errors"
	"fmt"
	"sync"

	"stream-orchestrator/internal/media"
)

// Runtime is a recording media.Runtime. Zero values of the knobs describe a
// runtime where every operation succeeds.
type Runtime struct {
	mu sync.Mutex

	// FailNode makes NewNode fail for the listed factories.
	FailNode map[string]error
	// FailGraph makes NewGraph fail.
	FailGraph error
	// FailStart makes Graph.Start fail on every graph.
	FailStart error
	// NoEventSource makes Graph.Events return nil.
	NoEventSource bool
	// DenyRequestPorts makes Node.RequestPort report no port.
	DenyRequestPorts bool

	// holdEOS keeps EndOfStream from finishing running graphs; see HoldEndOfStream.
	holdEOS bool

	graphs []*Graph
	nodes  []*Node
	serial int
}

// New returns a Runtime with no failures configured.
func New() *Runtime {
	return &Runtime{FailNode: map[string]error{}}
}

// NewGraph implements media.Runtime.
func (r *Runtime) NewGraph() (media.Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailGraph != nil {
		return nil, r.FailGraph
	}
	g := &Graph{rt: r, events: make(chan media.Event, 1)}
	r.graphs = append(r.graphs, g)
	return g, nil
}

// NewNode implements media.Runtime.
func (r *Runtime) NewNode(factory string) (media.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailNode[factory]; err != nil {
		return nil, err
	}
	r.serial++
	n := &Node{
		rt:      r,
		factory: factory,
		name:    fmt.Sprintf("%s%d", factory, r.serial),
		props:   map[string]any{},
		ports:   map[string]*Port{},
	}
	r.nodes = append(r.nodes, n)
	return n, nil
}

// HoldEndOfStream makes EndOfStream on running graphs only record the
// request, like a pipeline that is still draining. The test ends such a graph
// with Finish.
func (r *Runtime) HoldEndOfStream(hold bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holdEOS = hold
}

// Graphs returns every graph created so far.
func (r *Runtime) Graphs() []*Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Graph(nil), r.graphs...)
}

// LastGraph returns the most recently created graph, or nil.
func (r *Runtime) LastGraph() *Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.graphs) == 0 {
		return nil
	}
	return r.graphs[len(r.graphs)-1]
}

// Nodes returns the nodes created from factory, in creation order.
func (r *Runtime) Nodes(factory string) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Node
	for _, n := range r.nodes {
		if n.factory == factory {
			out = append(out, n)
		}
	}
	return out
}

// Graph is a recording media.Graph.
type Graph struct {
	rt     *Runtime
	nodes  []*Node
	events chan media.Event

	started  bool
	stops    int
	eosCount int
	finished bool
}

// Add implements media.Graph.
func (g *Graph) Add(nodes ...media.Node) error {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	for _, mn := range nodes {
		n, ok := mn.(*Node)
		if !ok {
			return errors.New("mediatest: foreign node")
		}
		if n.graph != nil {
			return fmt.Errorf("mediatest: %s already has a parent", n.name)
		}
		n.graph = g
		g.nodes = append(g.nodes, n)
	}
	return nil
}

// Link implements media.Graph.
func (g *Graph) Link(nodes ...media.Node) error {
	for i := 0; i+1 < len(nodes); i++ {
		if err := nodes[i].Link(nodes[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Remove implements media.Graph. Links touching the removed nodes are undone.
func (g *Graph) Remove(nodes ...media.Node) error {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	for _, mn := range nodes {
		n, ok := mn.(*Node)
		if !ok {
			return errors.New("mediatest: foreign node")
		}
		if n.graph != g {
			return fmt.Errorf("mediatest: %s is not in this graph", n.name)
		}
		for i, gn := range g.nodes {
			if gn == n {
				g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
				break
			}
		}
		for _, other := range g.rt.nodes {
			for _, p := range other.ports {
				if p.peer != nil && p.peer.node == n {
					p.peer = nil
				}
			}
			kept := other.down[:0]
			for _, d := range other.down {
				if d != n {
					kept = append(kept, d)
				}
			}
			other.down = kept
		}
		for _, p := range n.ports {
			p.peer = nil
		}
		n.down = nil
		n.graph = nil
		n.synced = false
	}
	return nil
}

// Start implements media.Graph.
func (g *Graph) Start() error {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	if g.rt.FailStart != nil {
		return g.rt.FailStart
	}
	g.started = true
	return nil
}

// Stop implements media.Graph.
func (g *Graph) Stop() error {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	g.started = false
	g.stops++
	return nil
}

// EndOfStream implements media.Graph. A running graph finishes with an
// end-of-stream event, as a real pipeline does once drained.
func (g *Graph) EndOfStream() bool {
	g.rt.mu.Lock()
	g.eosCount++
	running := g.started
	hold := g.rt.holdEOS
	g.rt.mu.Unlock()
	if running && !hold {
		g.Finish(media.EventEndOfStream, nil)
	}
	return running
}

// Events implements media.Graph.
func (g *Graph) Events() <-chan media.Event {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	if g.rt.NoEventSource {
		return nil
	}
	return g.events
}

// Finish delivers a terminal event. Only the first call has an effect.
func (g *Graph) Finish(kind media.EventKind, err error) {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	if g.finished {
		return
	}
	g.finished = true
	g.events <- media.Event{Kind: kind, Err: err}
	close(g.events)
}

// Nodes returns the graph's nodes in the order they were added.
func (g *Graph) Nodes() []*Node {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	return append([]*Node(nil), g.nodes...)
}

// Find returns the graph's nodes built from factory.
func (g *Graph) Find(factory string) []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.factory == factory {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) Started() bool {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	return g.started
}

func (g *Graph) Stops() int {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	return g.stops
}

func (g *Graph) EOSCount() int {
	g.rt.mu.Lock()
	defer g.rt.mu.Unlock()
	return g.eosCount
}
