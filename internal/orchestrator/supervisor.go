package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"stream-orchestrator/internal/media"
	"stream-orchestrator/internal/platform/metrics"
)

// Supervisor runs graphs to completion and records their outcome in the
// registry. Each supervised session occupies one goroutine for its lifetime.
type Supervisor struct {
	repo    Repository
	log     *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewSupervisor returns a Supervisor reporting into repo. Metrics may be nil.
func NewSupervisor(repo Repository, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{repo: repo, log: log.With("component", "supervisor"), metrics: m}
}

// Go runs fn on a tracked goroutine.
func (s *Supervisor) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Supervise starts topo's graph for session and blocks until the graph
// delivers its first terminal event. It must be called on the session's own
// goroutine. session must be the Starting entry registered for the session.
//
// Canceling ctx asks a running graph to end of stream; Supervise still waits
// for it to drain. A graph whose ctx is already done is never started.
func (s *Supervisor) Supervise(ctx context.Context, session SessionState, topo *Topology) {
	log := s.log.With(
		slog.String("stream_key", string(session.Key)),
		slog.String("session_id", session.SessionID),
	)
	g := topo.Graph

	if ctx.Err() != nil {
		_ = g.Stop()
		log.Info("session canceled before start")
		s.finish(log, session, ReasonNormalEnd, "Shutting down")
		return
	}

	if err := g.Start(); err != nil {
		_ = g.Stop()
		log.Error("graph failed to start", slog.String("error", err.Error()))
		s.finish(log, session, ReasonConstructionError, "Failed to start pipeline: "+err.Error())
		return
	}

	if !s.repo.Transition(session.Key, session.SessionID, session.Running(g)) {
		// Deleted or replaced while it was being built. Nobody else holds
		// this graph, so wind it down here.
		log.Info("session gone before start, stopping graph")
		g.EndOfStream()
		_ = g.Stop()
		return
	}
	log.Info("session running")

	events := g.Events()
	if events == nil {
		_ = g.Stop()
		log.Error("graph has no event source", slog.String("error", media.ErrNoEventSource.Error()))
		s.finish(log, session, ReasonSinkUnavailable, "Bus not initialized")
		return
	}

	ev := s.await(ctx, log, g, events, topo.Wiring)
	if err := g.Stop(); err != nil {
		log.Warn("graph stop failed", slog.String("error", err.Error()))
	}

	switch ev.Kind {
	case media.EventEndOfStream:
		s.finish(log, session, ReasonNormalEnd, "")
	default:
		detail := "Pipeline error"
		if ev.Err != nil {
			detail = "Pipeline error: " + ev.Err.Error()
		}
		s.finish(log, session, ReasonRuntimeError, detail)
	}
}

// await blocks, with no timeout, for the first terminal event while logging
// wiring reports from the graph's callbacks. When ctx is done the graph is
// sent end of stream once and await keeps waiting for it to drain.
func (s *Supervisor) await(ctx context.Context, log *slog.Logger, g media.Graph, events <-chan media.Event, wiring <-chan WiringEvent) media.Event {
	cancel := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return media.Event{Kind: media.EventError, Err: media.ErrNoEventSource}
			}
			return ev
		case w := <-wiring:
			s.observeWiring(log, w)
		case <-cancel:
			cancel = nil
			log.Info("session canceled, draining graph")
			if !g.EndOfStream() {
				// Nothing is flowing, so no end-of-stream event will come.
				return media.Event{Kind: media.EventEndOfStream}
			}
		}
	}
}

func (s *Supervisor) observeWiring(log *slog.Logger, w WiringEvent) {
	attrs := []any{slog.String("node", w.Node), slog.String("port", w.Port), slog.String("encoding", w.Encoding)}
	switch w.Kind {
	case WiringLinked:
		log.Debug("port linked", attrs...)
	case WiringSkipped:
		log.Debug("port skipped", attrs...)
		if s.metrics != nil && w.Encoding != "" {
			s.metrics.IncSkippedStreams(w.Encoding)
		}
	case WiringFailed:
		log.Warn("port link failed", append(attrs, slog.String("error", errString(w.Err)))...)
		if s.metrics != nil {
			s.metrics.IncWiringErrors()
		}
	}
}

// finish records the terminal state unless the session was deleted or
// replaced in the meantime.
func (s *Supervisor) finish(log *slog.Logger, session SessionState, reason StopReason, detail string) {
	if !s.repo.Transition(session.Key, session.SessionID, session.Stopped(reason, detail)) {
		log.Debug("session no longer registered, terminal state dropped", slog.String("reason", reason.String()))
		return
	}
	if s.metrics != nil {
		s.metrics.IncSessionsStopped(reason.String())
	}
	log.Info("session stopped", slog.String("reason", reason.String()), slog.String("detail", detail))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
