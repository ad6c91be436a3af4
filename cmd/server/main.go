package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stream-orchestrator/internal/media/gstreamer"
	"stream-orchestrator/internal/orchestrator"
	"stream-orchestrator/internal/platform/config"
	"stream-orchestrator/internal/platform/logger"
	"stream-orchestrator/internal/platform/metrics"
	"stream-orchestrator/internal/source"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		log.Error("cannot create output root", "path", cfg.OutputRoot, "error", err)
		os.Exit(1)
	}

	gstreamer.Init()
	rt := gstreamer.NewRuntime()

	var prober source.Prober = source.NopProber{}
	if cfg.ProbeSources {
		prober = source.RTSPProber{Timeout: cfg.ProbeTimeout}
	}

	repo := orchestrator.NewInMemoryRepository()
	layout := orchestrator.NewLayoutManager(cfg.OutputRoot)
	svc := orchestrator.NewService(orchestrator.Deps{
		Repo:       repo,
		Layout:     layout,
		Builder:    orchestrator.NewBuilder(rt, layout, log),
		Supervisor: orchestrator.NewSupervisor(repo, log, met),
		Prober:     prober,
		Log:        log,
		Metrics:    met,
		Retention: orchestrator.RetentionPolicy{
			MaxFiles:        cfg.HLSMaxFiles,
			SegmentDuration: cfg.HLSSegmentDuration,
		},
	})
	h := orchestrator.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met, "/metrics"))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessions()) }).ServeHTTP(w, r)
	})
	r.Post("/addStream", h.AddStream)
	r.Get("/getStreams", h.GetStreams)
	r.Delete("/deleteStream", h.DeleteStream)
	// Players fetch master.m3u, rendition playlists and segments from here.
	r.Handle("/*", http.FileServer(http.Dir(cfg.OutputRoot)))

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"output_root", cfg.OutputRoot,
		"probe_sources", cfg.ProbeSources,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections and sessions")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.Error("sessions did not finish before the deadline", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
