package mediatest

import (
	"errors"
	"fmt"
	"strings"

	"stream-orchestrator/internal/media"
)

// Node is a recording media.Node. Every node has a "sink" and a "src" static
// port; dynamic ports appear through EmitPort.
type Node struct {
	rt      *Runtime
	graph   *Graph
	factory string
	name    string
	props   map[string]any
	ports   map[string]*Port
	added   []func(media.Port)
	down    []*Node
	synced  bool
	dynamic int
}

func (n *Node) Name() string    { return n.name }
func (n *Node) Factory() string { return n.factory }

// SetProperty implements media.Node.
func (n *Node) SetProperty(name string, value any) error {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	n.props[name] = value
	return nil
}

// StaticPort implements media.Node.
func (n *Node) StaticPort(name string) (media.Port, bool) {
	if name != "sink" && name != "src" {
		return nil, false
	}
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	return n.portLocked(name, ""), true
}

// RequestPort implements media.Node.
func (n *Node) RequestPort(template string) (media.Port, bool) {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	if n.rt.DenyRequestPorts {
		return nil, false
	}
	n.dynamic++
	name := strings.Replace(template, "%u", fmt.Sprint(n.dynamic-1), 1)
	return n.portLocked(name, ""), true
}

// OnPortAdded implements media.Node.
func (n *Node) OnPortAdded(fn func(media.Port)) {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	n.added = append(n.added, fn)
}

// Link implements media.Node.
func (n *Node) Link(next media.Node) error {
	nn, ok := next.(*Node)
	if !ok {
		return errors.New("mediatest: foreign node")
	}
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	if n.graph == nil || n.graph != nn.graph {
		return fmt.Errorf("mediatest: %s and %s are not in the same graph", n.name, nn.name)
	}
	sink := nn.portLocked("sink", "")
	if sink.peer != nil {
		return fmt.Errorf("mediatest: %s:sink already linked", nn.name)
	}
	n.down = append(n.down, nn)
	sink.peer = n.portLocked("src", "")
	return nil
}

// SyncWithGraph implements media.Node.
func (n *Node) SyncWithGraph() error {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	n.synced = true
	return nil
}

// EmitPort simulates capability negotiation: the node exposes a new port with
// the given encoding and every registered callback runs on the caller's goroutine.
func (n *Node) EmitPort(encoding string) *Port {
	return n.EmitPortWithLinkError(encoding, nil)
}

// EmitPortWithLinkError is EmitPort for a port whose links fail with err,
// as happens when caps cannot be negotiated.
func (n *Node) EmitPortWithLinkError(encoding string, err error) *Port {
	n.rt.mu.Lock()
	n.dynamic++
	p := n.portLocked(fmt.Sprintf("src_%d", n.dynamic-1), encoding)
	p.FailLink = err
	callbacks := append([]func(media.Port){}, n.added...)
	n.rt.mu.Unlock()

	for _, fn := range callbacks {
		fn(p)
	}
	return p
}

// Prop returns a recorded property value.
func (n *Node) Prop(name string) any {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	return n.props[name]
}

// Downstream returns the nodes this node was linked to with Link.
func (n *Node) Downstream() []*Node {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	return append([]*Node(nil), n.down...)
}

// Port returns a named port if it exists.
func (n *Node) Port(name string) *Port {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	return n.ports[name]
}

// InGraph reports whether the node was added to a graph.
func (n *Node) InGraph() bool {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	return n.graph != nil
}

func (n *Node) Synced() bool {
	n.rt.mu.Lock()
	defer n.rt.mu.Unlock()
	return n.synced
}

// portLocked returns the named port, creating it on first use.
func (n *Node) portLocked(name, encoding string) *Port {
	if p, ok := n.ports[name]; ok {
		return p
	}
	p := &Port{rt: n.rt, node: n, name: name, encoding: encoding}
	n.ports[name] = p
	return p
}

// Port is a recording media.Port.
type Port struct {
	rt       *Runtime
	node     *Node
	name     string
	encoding string
	peer     *Port

	// FailLink makes Link on this port fail.
	FailLink error
	links    int
}

func (p *Port) Name() string { return p.node.name + ":" + p.name }

func (p *Port) Encoding() string { return p.encoding }

// IsLinked implements media.Port.
func (p *Port) IsLinked() bool {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.peer != nil
}

// Link implements media.Port.
func (p *Port) Link(sink media.Port) error {
	sp, ok := sink.(*Port)
	if !ok {
		return errors.New("mediatest: foreign port")
	}
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	if p.FailLink != nil {
		return p.FailLink
	}
	if sp.peer != nil {
		return fmt.Errorf("mediatest: %s already linked", sp.name)
	}
	sp.peer = p
	p.peer = sp
	p.links++
	return nil
}

// Peer returns the port this one is linked to.
func (p *Port) Peer() *Port {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.peer
}

// Owner returns the node that owns the port.
func (p *Port) Owner() *Node { return p.node }

// Links counts successful Link calls made from this port.
func (p *Port) Links() int {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.links
}
