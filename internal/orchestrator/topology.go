package orchestrator

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"stream-orchestrator/internal/media"
)

// Element factories used to assemble graphs.
const (
	factorySource    = "rtspsrc"
	factoryDemux     = "parsebin"
	factoryDecode    = "decodebin"
	factoryConvert   = "videoconvert"
	factoryScale     = "videoscale"
	factoryFilter    = "capsfilter"
	factoryEncode    = "x264enc"
	factoryQueue     = "queue"
	factoryTee       = "tee"
	factoryH264Parse = "h264parse"
	factoryH265Parse = "h265parse"
	factoryHLSSink   = "hlssink2"
	factoryPeerSink  = "webrtcsink"

	peerVideoTemplate = "video_%u"
	wiringBuffer      = 64
)

// parserFor maps the accepted video encodings to their bitstream parser.
func parserFor(encoding string) (string, bool) {
	switch encoding {
	case media.EncodingH264:
		return factoryH264Parse, true
	case media.EncodingH265:
		return factoryH265Parse, true
	default:
		return "", false
	}
}

// BuildRequest describes the graph to assemble for one session.
type BuildRequest struct {
	Source    string
	Kind      OutputKind
	Mode      OutputMode
	Retention RetentionPolicy
}

// WiringKind classifies something that happened inside a port-added callback.
type WiringKind int

const (
	WiringLinked WiringKind = iota
	WiringSkipped
	WiringFailed
)

// WiringEvent reports runtime graph mutation to the session that owns the
// graph. Callbacks never touch the registry; they only send these.
type WiringEvent struct {
	Kind     WiringKind
	Node     string
	Port     string
	Encoding string
	Err      error
}

// Topology is a constructed, not yet started graph together with the
// channel its port-added callbacks report on.
type Topology struct {
	Graph  media.Graph
	Wiring <-chan WiringEvent
}

// Builder assembles processing graphs on a media runtime.
type Builder struct {
	rt     media.Runtime
	layout *LayoutManager
	log    *slog.Logger
}

// NewBuilder returns a Builder that creates nodes on rt and places segmented
// output according to layout.
func NewBuilder(rt media.Runtime, layout *LayoutManager, log *slog.Logger) *Builder {
	return &Builder{rt: rt, layout: layout, log: log.With("component", "topology")}
}

// Build assembles the graph for req. Format-dependent links are deferred to
// port-added callbacks. On error no graph is returned; the error is a
// *BuildError.
func (b *Builder) Build(req BuildRequest) (*Topology, error) {
	if req.Source == "" {
		return nil, constructionError("validate request", ErrEmptySource)
	}

	g, err := b.rt.NewGraph()
	if err != nil {
		return nil, constructionError("create graph", err)
	}

	t := &assembly{
		b:      b,
		req:    req,
		graph:  g,
		wiring: make(chan WiringEvent, wiringBuffer),
	}
	if err := t.assemble(); err != nil {
		_ = g.Stop()
		return nil, err
	}
	return &Topology{Graph: g, Wiring: t.wiring}, nil
}

// assembly holds the state of one Build call.
type assembly struct {
	b      *Builder
	req    BuildRequest
	graph  media.Graph
	wiring chan WiringEvent
}

func (t *assembly) assemble() error {
	src, err := t.node(factorySource, prop{"location", t.req.Source})
	if err != nil {
		return err
	}
	demux, err := t.node(factoryDemux)
	if err != nil {
		return err
	}
	if err := t.add(src, demux); err != nil {
		return err
	}
	if err := t.linkOnPortAdded(src, demux); err != nil {
		return err
	}

	switch t.req.Kind {
	case KindSegmented:
		return t.segmented(demux)
	case KindPeerDelivered:
		return t.peer(demux)
	default:
		return constructionError("select output", errors.Wrapf(ErrUnknownOutputKind, "%d", int(t.req.Kind)))
	}
}

// segmented builds the HLS half of the graph. Transcoding modes fan out
// through a tee, one branch per rendition; a single-quality request is a
// one-branch fan-out.
func (t *assembly) segmented(demux media.Node) error {
	profiles := Ladder(t.req.Mode)

	if t.req.Mode == ModeNoTranscode {
		sink, err := t.segmentSink(profiles[0])
		if err != nil {
			return err
		}
		if err := t.add(sink); err != nil {
			return err
		}
		demux.OnPortAdded(t.onDemuxPort(intoNode(sink)))
		return nil
	}

	decode, err := t.node(factoryDecode)
	if err != nil {
		return err
	}
	tee, err := t.node(factoryTee)
	if err != nil {
		return err
	}
	if err := t.add(decode, tee); err != nil {
		return err
	}
	for _, q := range profiles {
		if err := t.qualityBranch(tee, q); err != nil {
			return err
		}
	}
	if err := t.linkOnPortAdded(decode, tee); err != nil {
		return err
	}
	demux.OnPortAdded(t.onDemuxPort(intoNode(decode)))
	return nil
}

// qualityBranch hangs queue -> convert -> scale -> caps -> encode -> queue ->
// parse -> segment sink off the tee for one rendition.
func (t *assembly) qualityBranch(tee media.Node, q QualityProfile) error {
	queue, err := t.node(factoryQueue)
	if err != nil {
		return err
	}
	convert, err := t.node(factoryConvert)
	if err != nil {
		return err
	}
	scale, err := t.node(factoryScale)
	if err != nil {
		return err
	}
	filter, err := t.node(factoryFilter, prop{"caps", scaledCaps(q)})
	if err != nil {
		return err
	}
	encode, err := t.node(factoryEncode, prop{"bitrate", uint(q.Bitrate)})
	if err != nil {
		return err
	}
	outQueue, err := t.node(factoryQueue)
	if err != nil {
		return err
	}
	parse, err := t.node(factoryH264Parse)
	if err != nil {
		return err
	}
	sink, err := t.segmentSink(q)
	if err != nil {
		return err
	}

	if err := t.add(queue, convert, scale, filter, encode, outQueue, parse, sink); err != nil {
		return err
	}
	if err := t.graph.Link(tee, queue, convert, scale, filter, encode, outQueue, parse, sink); err != nil {
		return constructionError("link "+q.Dir()+" branch", err)
	}
	return nil
}

func scaledCaps(q QualityProfile) media.Caps {
	return media.Caps(fmt.Sprintf("%s,width=%d,height=%d", media.EncodingRaw, q.Width, q.Height))
}

// segmentSink creates the HLS sink for one rendition, writing into the
// directory the layout manager prepared for it.
func (t *assembly) segmentSink(q QualityProfile) (media.Node, error) {
	r := t.req.Retention.OrDefault(DefaultRetention())
	return t.node(factoryHLSSink,
		prop{"location", t.b.layout.SegmentLocation(t.req.Source, q)},
		prop{"playlist-location", t.b.layout.PlaylistLocation(t.req.Source, q)},
		prop{"target-duration", uint(r.SegmentDuration)},
		prop{"max-files", uint(r.MaxFiles)},
		prop{"playlist-length", uint(r.MaxFiles)},
	)
}

// peer builds the WebRTC half of the graph. The sink carries the source as
// metadata so the signalling service can correlate producers.
func (t *assembly) peer(demux media.Node) error {
	sink, err := t.node(factoryPeerSink, prop{"meta", media.Structure{
		Name:   "meta",
		Fields: map[string]any{"rtsp": t.req.Source},
	}})
	if err != nil {
		return err
	}
	if err := t.add(sink); err != nil {
		return err
	}

	switch t.req.Mode {
	case ModeNoTranscode:
		port, ok := sink.RequestPort(peerVideoTemplate)
		if !ok {
			return &BuildError{Reason: ReasonSinkUnavailable, Op: "request " + peerVideoTemplate, Err: ErrSinkUnavailable}
		}
		demux.OnPortAdded(t.onDemuxPort(intoPort(port)))
		return nil

	case ModeSingleQuality:
		decode, err := t.node(factoryDecode)
		if err != nil {
			return err
		}
		convert, err := t.node(factoryConvert)
		if err != nil {
			return err
		}
		encode, err := t.node(factoryEncode, prop{"bitrate", uint(Profile1080p.Bitrate)})
		if err != nil {
			return err
		}
		queue, err := t.node(factoryQueue)
		if err != nil {
			return err
		}
		if err := t.add(decode, convert, encode, queue); err != nil {
			return err
		}
		if err := t.graph.Link(convert, encode, queue, sink); err != nil {
			return constructionError("link encoder chain", err)
		}
		if err := t.linkOnPortAdded(decode, convert); err != nil {
			return err
		}
		demux.OnPortAdded(t.onDemuxPort(intoNode(decode)))
		return nil

	default:
		// The peer sink runs its own encoder ladder; it only needs raw video.
		decode, err := t.node(factoryDecode)
		if err != nil {
			return err
		}
		convert, err := t.node(factoryConvert)
		if err != nil {
			return err
		}
		if err := t.add(decode, convert); err != nil {
			return err
		}
		if err := t.graph.Link(convert, sink); err != nil {
			return constructionError("link converter", err)
		}
		if err := t.linkOnPortAdded(decode, convert); err != nil {
			return err
		}
		demux.OnPortAdded(t.onDemuxPort(intoNode(decode)))
		return nil
	}
}

// attachFunc links a freshly created parser to whatever consumes it.
type attachFunc func(parser media.Node) error

func intoNode(consumer media.Node) attachFunc {
	return func(parser media.Node) error {
		return parser.Link(consumer)
	}
}

func intoPort(sink media.Port) attachFunc {
	return func(parser media.Node) error {
		src, ok := parser.StaticPort("src")
		if !ok {
			return errors.Errorf("%s has no src port", parser.Name())
		}
		return src.Link(sink)
	}
}

// onDemuxPort returns the demultiplexer's port-added handler. Only the first
// H.264 or H.265 stream is wired; everything else is skipped.
func (t *assembly) onDemuxPort(attach attachFunc) func(media.Port) {
	var claimed atomic.Bool
	return func(p media.Port) {
		enc := p.Encoding()
		factory, ok := parserFor(enc)
		if !ok {
			t.report(WiringEvent{Kind: WiringSkipped, Node: factoryDemux, Port: p.Name(), Encoding: enc})
			return
		}
		if !claimed.CompareAndSwap(false, true) {
			t.report(WiringEvent{Kind: WiringSkipped, Node: factoryDemux, Port: p.Name(), Encoding: enc,
				Err: errors.New("video stream already wired")})
			return
		}
		if err := t.attachParser(p, factory, attach); err != nil {
			claimed.Store(false)
			t.report(WiringEvent{Kind: WiringFailed, Node: factoryDemux, Port: p.Name(), Encoding: enc, Err: err})
			return
		}
		t.report(WiringEvent{Kind: WiringLinked, Node: factoryDemux, Port: p.Name(), Encoding: enc})
	}
}

// attachParser adds a parser to the running graph, links it downstream and
// then to p, and starts it so the flowing pipeline is not held up. If any
// step after the add fails, the parser is removed again so the consumer's
// input is free for the next stream.
func (t *assembly) attachParser(p media.Port, factory string, attach attachFunc) error {
	parser, err := t.b.rt.NewNode(factory)
	if err != nil {
		return errors.Wrapf(err, "create %s", factory)
	}
	if err := t.graph.Add(parser); err != nil {
		return errors.Wrapf(err, "attach %s", factory)
	}
	if err := t.wireParser(p, parser, factory, attach); err != nil {
		if rerr := t.graph.Remove(parser); rerr != nil {
			return errors.Wrapf(err, "%s left in graph (%v)", factory, rerr)
		}
		return err
	}
	return nil
}

func (t *assembly) wireParser(p media.Port, parser media.Node, factory string, attach attachFunc) error {
	if err := attach(parser); err != nil {
		return errors.Wrapf(err, "link %s downstream", factory)
	}
	sink, ok := parser.StaticPort("sink")
	if !ok {
		return errors.Errorf("%s has no sink port", factory)
	}
	if err := p.Link(sink); err != nil {
		return errors.Wrapf(err, "link %s into %s", p.Name(), factory)
	}
	return errors.Wrapf(parser.SyncWithGraph(), "start %s", factory)
}

// linkOnPortAdded links the first port that from exposes into to's sink
// port. Repeated or racing callbacks link at most once.
func (t *assembly) linkOnPortAdded(from, to media.Node) error {
	sink, ok := to.StaticPort("sink")
	if !ok {
		return constructionError("sink port of "+to.Factory(), errors.New("no sink port"))
	}
	guard := &media.LinkGuard{}
	from.OnPortAdded(func(p media.Port) {
		linked, err := guard.LinkOnce(p, sink)
		switch {
		case err != nil:
			t.report(WiringEvent{Kind: WiringFailed, Node: from.Factory(), Port: p.Name(), Encoding: p.Encoding(), Err: err})
		case linked:
			t.report(WiringEvent{Kind: WiringLinked, Node: from.Factory(), Port: p.Name(), Encoding: p.Encoding()})
		}
	})
	return nil
}

// report hands a wiring event to the owning session without blocking the
// runtime thread. Events are dropped when nobody keeps up.
func (t *assembly) report(ev WiringEvent) {
	select {
	case t.wiring <- ev:
	default:
		t.b.log.Debug("wiring event dropped", slog.String("node", ev.Node), slog.String("port", ev.Port))
	}
}

type prop struct {
	name  string
	value any
}

func (t *assembly) node(factory string, props ...prop) (media.Node, error) {
	n, err := t.b.rt.NewNode(factory)
	if err != nil {
		return nil, constructionError("create "+factory, err)
	}
	for _, p := range props {
		if err := n.SetProperty(p.name, p.value); err != nil {
			return nil, constructionError("set "+factory+"."+p.name, err)
		}
	}
	return n, nil
}

func (t *assembly) add(nodes ...media.Node) error {
	if err := t.graph.Add(nodes...); err != nil {
		return constructionError("attach nodes", err)
	}
	return nil
}
