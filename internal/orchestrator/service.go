package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"stream-orchestrator/internal/platform/logger"
	"stream-orchestrator/internal/platform/metrics"
	"stream-orchestrator/internal/source"
)

// Deps wires a Service. Prober, Log and Metrics may be nil.
type Deps struct {
	Repo       Repository
	Layout     *LayoutManager
	Builder    *Builder
	Supervisor *Supervisor
	Prober     source.Prober
	Log        *slog.Logger
	Metrics    *metrics.Metrics

	// Retention is applied to requests that carry no policy of their own.
	// Zero fields fall back to DefaultRetention.
	Retention RetentionPolicy
}

// AddRequest asks for a new session.
type AddRequest struct {
	Source    string
	Kind      OutputKind
	Mode      OutputMode
	Retention *RetentionPolicy
}

// DeleteResult is always successful; Message tells whether anything was removed.
type DeleteResult struct {
	Status  bool
	Message string
}

// Service is the entry point used by the request layer: it registers
// sessions, launches their goroutines and answers listings.
type Service struct {
	repo       Repository
	layout     *LayoutManager
	builder    *Builder
	supervisor *Supervisor
	prober     source.Prober
	log        *slog.Logger
	metrics    *metrics.Metrics
	retention  RetentionPolicy

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	runs   map[StreamKey]*sessionRun
}

// sessionRun is the goroutine of one session. done closes once the session's
// graph has been stopped, or once the session gave up before building one.
type sessionRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService returns a Service using d.
func NewService(d Deps) *Service {
	if d.Prober == nil {
		d.Prober = source.NopProber{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:       d.Repo,
		layout:     d.Layout,
		builder:    d.Builder,
		supervisor: d.Supervisor,
		prober:     d.Prober,
		log:        d.Log.With("component", "service"),
		metrics:    d.Metrics,
		retention:  d.Retention.OrDefault(DefaultRetention()),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[StreamKey]*sessionRun),
	}
}

// Add registers a Starting session for req and builds and runs its graph on
// a new goroutine. It returns as soon as the registry entry exists; the
// outcome is visible only through List.
//
// Adding a key that already has a session replaces it: the old session is
// canceled, a running graph is asked to end, and the new session touches
// the output directory only after the old graph has stopped.
func (s *Service) Add(req AddRequest) (StreamKey, error) {
	if req.Source == "" {
		return "", ErrEmptySource
	}

	// Held until the goroutine is tracked so Shutdown cannot miss it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrShuttingDown
	}

	retention := s.retention
	if req.Retention != nil {
		retention = req.Retention.OrDefault(s.retention)
	}

	key := NewStreamKey(req.Source, req.Kind)
	session := SessionState{
		Key:       key,
		SessionID: uuid.NewString(),
		Source:    req.Source,
		Kind:      req.Kind,
		Mode:      req.Mode,
		Phase:     PhaseStarting,
	}

	prev, replaced := s.repo.Upsert(session)
	var after <-chan struct{}
	if old := s.runs[key]; old != nil {
		old.cancel()
		after = old.done
	}
	if replaced {
		s.log.Info("replacing session",
			slog.String("stream_key", string(key)),
			slog.String("previous_session_id", prev.SessionID),
			slog.String("previous_phase", prev.Phase.String()))
	}
	if s.metrics != nil {
		s.metrics.IncSessionsAdded(req.Kind.String())
	}

	s.log.Info("session registered",
		slog.String("stream_key", string(key)),
		slog.String("session_id", session.SessionID),
		logger.Source(req.Source),
		slog.String("mode", req.Mode.String()))

	ctx, cancel := context.WithCancel(s.ctx)
	r := &sessionRun{cancel: cancel, done: make(chan struct{})}
	s.runs[key] = r
	s.supervisor.Go(func() {
		defer s.release(key, r)
		s.run(ctx, session, retention, after)
	})
	return key, nil
}

// release drops r from the run table once its goroutine is finished.
func (s *Service) release(key StreamKey, r *sessionRun) {
	s.mu.Lock()
	if s.runs[key] == r {
		delete(s.runs, key)
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}

// run is the body of a session goroutine. after, when not nil, is closed once
// the session this one replaced has let go of its graph.
func (s *Service) run(ctx context.Context, session SessionState, retention RetentionPolicy, after <-chan struct{}) {
	if after != nil {
		<-after
	}
	if ctx.Err() != nil {
		s.abandon(session, "canceled before start")
		return
	}

	err := s.prober.Probe(ctx, session.Source)
	if ctx.Err() != nil {
		s.abandon(session, "canceled while probing")
		return
	}
	if err != nil {
		s.fail(session, ReasonConstructionError, "Failed to reach source: "+err.Error())
		return
	}

	if session.Kind == KindSegmented {
		_, err = s.layout.PrepareIf(session.Source, session.Mode, func() bool {
			return ctx.Err() == nil && s.current(session)
		})
		if errors.Is(err, ErrSuperseded) {
			s.abandon(session, "superseded before output was prepared")
			return
		}
		if err != nil {
			s.fail(session, ReasonConstructionError, "Failed to prepare output: "+err.Error())
			return
		}
	}

	topo, err := s.builder.Build(BuildRequest{
		Source:    session.Source,
		Kind:      session.Kind,
		Mode:      session.Mode,
		Retention: retention,
	})
	if err != nil {
		reason := ReasonConstructionError
		var be *BuildError
		if errors.As(err, &be) {
			reason = be.Reason
		}
		s.fail(session, reason, "Failed to build pipeline: "+err.Error())
		return
	}

	s.supervisor.Supervise(ctx, session, topo)
}

// current reports whether session is still the registered one for its key.
func (s *Service) current(session SessionState) bool {
	st, ok := s.repo.Get(session.Key)
	return ok && st.SessionID == session.SessionID
}

// abandon ends a session that was canceled before it had a graph. During
// shutdown the entry is closed as a normal end; a deleted or replaced
// session has nothing left to record.
func (s *Service) abandon(session SessionState, why string) {
	if s.ctx.Err() != nil {
		s.fail(session, ReasonNormalEnd, "Shutting down")
		return
	}
	s.log.Debug("session abandoned",
		slog.String("stream_key", string(session.Key)),
		slog.String("session_id", session.SessionID),
		slog.String("why", why))
}

func (s *Service) fail(session SessionState, reason StopReason, detail string) {
	if !s.repo.Transition(session.Key, session.SessionID, session.Stopped(reason, detail)) {
		s.log.Debug("session no longer registered, terminal state dropped",
			slog.String("stream_key", string(session.Key)),
			slog.String("session_id", session.SessionID),
			slog.String("reason", reason.String()))
		return
	}
	if s.metrics != nil {
		if reason != ReasonNormalEnd {
			s.metrics.IncBuildFailures()
		}
		s.metrics.IncSessionsStopped(reason.String())
	}
	s.log.Warn("session failed before start",
		slog.String("stream_key", string(session.Key)),
		slog.String("session_id", session.SessionID),
		slog.String("reason", reason.String()),
		slog.String("detail", detail))
}

// List returns the status of every registered session keyed by stream key.
func (s *Service) List() map[string]StreamStatus {
	snap := s.repo.Snapshot()
	out := make(map[string]StreamStatus, len(snap))
	for k, st := range snap {
		out[string(k)] = st.Status()
	}
	return out
}

// Delete removes the session for source and kind. Its goroutine is canceled,
// so a running graph is asked to finish gracefully; the entry disappears
// immediately either way. Deleting an unknown session succeeds with a
// "not found" message.
func (s *Service) Delete(src string, kind OutputKind) DeleteResult {
	key := NewStreamKey(src, kind)

	s.mu.Lock()
	st, ok := s.repo.Remove(key)
	if r := s.runs[key]; r != nil {
		// The entry stays until the goroutine exits so a later Add still
		// waits for the graph to drain.
		r.cancel()
	}
	s.mu.Unlock()

	if !ok {
		return DeleteResult{Status: true, Message: "Stream not found"}
	}
	s.log.Info("session deleted",
		slog.String("stream_key", string(key)),
		slog.String("session_id", st.SessionID),
		slog.String("phase", st.Phase.String()))
	return DeleteResult{Status: true, Message: "Stream '" + src + "' deleted successfully"}
}

// ActiveSessions returns the number of running sessions.
func (s *Service) ActiveSessions() int {
	return s.repo.CountByPhase(PhaseRunning)
}

// Shutdown stops accepting sessions, cancels every session so running graphs
// are asked to finish, and waits for all session goroutines or for ctx to
// expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.log.Info("ending sessions for shutdown")

	done := make(chan struct{})
	go func() {
		s.supervisor.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
