// Package gstreamer implements the media ports on top of GStreamer through
// the go-gst bindings.
package gstreamer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gst/go-gst/gst"

	"stream-orchestrator/internal/media"
)

var initOnce sync.Once

// Init initializes GStreamer. It must run before the first graph is built;
// later calls do nothing.
func Init() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Runtime creates GStreamer pipelines and elements.
type Runtime struct{}

var _ media.Runtime = (*Runtime)(nil)

// NewRuntime returns a Runtime. Init must have been called.
func NewRuntime() *Runtime {
	return &Runtime{}
}

// NewGraph implements media.Runtime.
func (Runtime) NewGraph() (media.Graph, error) {
	p, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return &graph{pipeline: p}, nil
}

// NewNode implements media.Runtime.
func (Runtime) NewNode(factory string) (media.Node, error) {
	e, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", factory, err)
	}
	return &node{elem: e, factory: factory}, nil
}

type graph struct {
	pipeline *gst.Pipeline

	eventsOnce sync.Once
	events     chan media.Event
}

func (g *graph) Add(nodes ...media.Node) error {
	elems, err := elements(nodes)
	if err != nil {
		return err
	}
	return g.pipeline.AddMany(elems...)
}

func (g *graph) Link(nodes ...media.Node) error {
	elems, err := elements(nodes)
	if err != nil {
		return err
	}
	return gst.ElementLinkMany(elems...)
}

// Remove sets each element to NULL before taking it out of the pipeline;
// the bin unlinks its pads on removal.
func (g *graph) Remove(nodes ...media.Node) error {
	elems, err := elements(nodes)
	if err != nil {
		return err
	}
	for _, e := range elems {
		if err := e.SetState(gst.StateNull); err != nil {
			return fmt.Errorf("stop %s: %w", e.GetName(), err)
		}
		if err := g.pipeline.Remove(e); err != nil {
			return fmt.Errorf("remove %s: %w", e.GetName(), err)
		}
	}
	return nil
}

func (g *graph) Start() error {
	return g.pipeline.SetState(gst.StatePlaying)
}

func (g *graph) Stop() error {
	return g.pipeline.SetState(gst.StateNull)
}

func (g *graph) EndOfStream() bool {
	return g.pipeline.SendEvent(gst.NewEOSEvent())
}

// Events pops the first EOS or error message off the pipeline bus on a
// dedicated goroutine. The pop has no timeout: streams run until they end.
func (g *graph) Events() <-chan media.Event {
	g.eventsOnce.Do(func() {
		bus := g.pipeline.GetPipelineBus()
		if bus == nil {
			return
		}
		ch := make(chan media.Event, 1)
		g.events = ch
		go func() {
			defer close(ch)
			msg := bus.TimedPopFiltered(gst.ClockTimeNone, gst.MessageEOS|gst.MessageError)
			ch <- toEvent(msg)
		}()
	})
	return g.events
}

func toEvent(msg *gst.Message) media.Event {
	if msg == nil {
		return media.Event{Kind: media.EventError, Err: errors.New("bus closed without a message")}
	}
	if msg.Type() == gst.MessageError {
		if gerr := msg.ParseError(); gerr != nil {
			return media.Event{Kind: media.EventError, Err: errors.New(gerr.Error())}
		}
		return media.Event{Kind: media.EventError, Err: errors.New("pipeline error")}
	}
	return media.Event{Kind: media.EventEndOfStream}
}

type node struct {
	elem    *gst.Element
	factory string
}

func (n *node) Name() string    { return n.elem.GetName() }
func (n *node) Factory() string { return n.factory }

func (n *node) SetProperty(name string, value any) error {
	switch v := value.(type) {
	case media.Caps:
		return n.elem.SetProperty(name, gst.NewCapsFromString(string(v)))
	case media.Structure:
		s := gst.NewStructure(v.Name)
		for k, f := range v.Fields {
			if err := s.SetValue(k, f); err != nil {
				return fmt.Errorf("structure field %s: %w", k, err)
			}
		}
		return n.elem.SetProperty(name, s)
	default:
		return n.elem.SetProperty(name, value)
	}
}

func (n *node) StaticPort(name string) (media.Port, bool) {
	p := n.elem.GetStaticPad(name)
	if p == nil {
		return nil, false
	}
	return &port{pad: p}, true
}

func (n *node) RequestPort(template string) (media.Port, bool) {
	p := n.elem.GetRequestPad(template)
	if p == nil {
		return nil, false
	}
	return &port{pad: p}, true
}

func (n *node) OnPortAdded(fn func(media.Port)) {
	_, _ = n.elem.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		fn(&port{pad: pad})
	})
}

func (n *node) Link(next media.Node) error {
	other, ok := next.(*node)
	if !ok {
		return fmt.Errorf("link %s: foreign node %T", n.Name(), next)
	}
	return n.elem.Link(other.elem)
}

func (n *node) SyncWithGraph() error {
	if !n.elem.SyncStateWithParent() {
		return fmt.Errorf("%s: could not sync state with pipeline", n.Name())
	}
	return nil
}

type port struct {
	pad *gst.Pad
}

func (p *port) Name() string { return p.pad.GetName() }

func (p *port) Encoding() string {
	caps := p.pad.QueryCaps(nil)
	if caps == nil || caps.GetSize() == 0 {
		return ""
	}
	return caps.GetStructureAt(0).Name()
}

func (p *port) IsLinked() bool { return p.pad.IsLinked() }

func (p *port) Link(sink media.Port) error {
	other, ok := sink.(*port)
	if !ok {
		return fmt.Errorf("link %s: foreign port %T", p.Name(), sink)
	}
	if ret := p.pad.Link(other.pad); ret != gst.PadLinkOK {
		return fmt.Errorf("pad link %s -> %s: %v", p.Name(), other.Name(), ret)
	}
	return nil
}

func elements(nodes []media.Node) ([]*gst.Element, error) {
	elems := make([]*gst.Element, 0, len(nodes))
	for _, n := range nodes {
		gn, ok := n.(*node)
		if !ok {
			return nil, fmt.Errorf("foreign node %T", n)
		}
		elems = append(elems, gn.elem)
	}
	return elems, nil
}
