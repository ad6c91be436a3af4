// Package media defines the ports through which the orchestrator directs a
// media-processing runtime: graphs of typed nodes joined by ports whose
// format is negotiated while the graph runs.
//
// The orchestrator decides topology and lifecycle. Codec work, caps
// negotiation and threading belong to the runtime behind these interfaces.
package media

import "errors"

// Well-known encodings reported by Port.Encoding.
const (
	EncodingH264 = "video/x-h264"
	EncodingH265 = "video/x-h265"
	EncodingRaw  = "video/x-raw"
)

// ErrNoEventSource is returned by runtimes that cannot observe a graph's
// termination, such as a pipeline without a bus.
var ErrNoEventSource = errors.New("graph has no event source")

// Runtime constructs graphs and nodes.
type Runtime interface {
	// NewGraph allocates an empty, stopped graph.
	NewGraph() (Graph, error)

	// NewNode instantiates a node from a factory name such as "queue".
	NewNode(factory string) (Node, error)
}

// Graph is a processing pipeline owned by exactly one session.
type Graph interface {
	// Add attaches nodes to the graph. Adding to a running graph is allowed.
	Add(nodes ...Node) error

	// Link connects nodes in order using their always-present ports.
	Link(nodes ...Node) error

	// Remove shuts nodes down and detaches them from the graph. Every link
	// into or out of a removed node is undone; requested ports on the other
	// side stay with their owner and can be linked again.
	Remove(nodes ...Node) error

	// Start transitions the graph to the running state.
	Start() error

	// Stop releases the graph's resources. Calling it more than once is fine.
	Stop() error

	// EndOfStream asks the graph to drain and finish. It reports whether the
	// request was accepted.
	EndOfStream() bool

	// Events returns a channel yielding the first terminal event, after which
	// it is closed. A nil channel means the graph has no event source.
	Events() <-chan Event
}

// Node is a single processing element.
type Node interface {
	Name() string
	Factory() string

	// SetProperty sets a named property. Caps and Structure values are
	// converted to their runtime representation.
	SetProperty(name string, value any) error

	// StaticPort returns an always-present port.
	StaticPort(name string) (Port, bool)

	// RequestPort asks the node for a new port from a template such as
	// "video_%u". ok is false when the node cannot provide one.
	RequestPort(template string) (Port, bool)

	// OnPortAdded registers fn to run whenever the node exposes a new port
	// after capability negotiation. fn runs on a runtime thread.
	OnPortAdded(fn func(Port))

	// Link connects this node's output to next's input.
	Link(next Node) error

	// SyncWithGraph brings a node added to a running graph up to the graph's state.
	SyncWithGraph() error
}

// Port is a typed connection point on a node.
type Port interface {
	Name() string

	// Encoding is the media type of the port's negotiated format, or "" when
	// it is not yet known.
	Encoding() string

	IsLinked() bool

	// Link connects this (source) port to sink.
	Link(sink Port) error
}

// EventKind classifies a terminal graph event.
type EventKind int

const (
	EventEndOfStream EventKind = iota
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventEndOfStream:
		return "end-of-stream"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a terminal signal from a running graph.
type Event struct {
	Kind EventKind
	Err  error
}

// Caps is a capability description in the runtime's string syntax, for
// example "video/x-raw,width=1280,height=720".
type Caps string

// Structure is a named set of typed fields, used for metadata properties.
type Structure struct {
	Name   string
	Fields map[string]any
}
