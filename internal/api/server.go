package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/vidlift/internal/analysis"
	"github.com/eargollo/vidlift/internal/api/handlers"
	"github.com/eargollo/vidlift/internal/config"
	"github.com/eargollo/vidlift/internal/metrics"
	"github.com/eargollo/vidlift/internal/scan"
	"github.com/eargollo/vidlift/internal/scheduler"
	"github.com/eargollo/vidlift/internal/upload"
)

// Deps are the components the control surface drives. Sched and Metrics
// may be nil.
type Deps struct {
	Cfg      *config.Config
	Pipeline *analysis.Pipeline
	Engine   *upload.Engine
	Sweeps   *scan.Manager
	Sched    *scheduler.Scheduler
	Metrics  *metrics.Metrics
	// SweepJob is what the scheduler runs when a new schedule is set.
	SweepJob func()
	Version  string
}

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// NewRouter wires all routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	statusH := &handlers.StatusHandler{Pipeline: d.Pipeline, Engine: d.Engine, Sweeps: d.Sweeps, Sched: d.Sched, Version: d.Version}
	uploadsH := &handlers.UploadsHandler{Engine: d.Engine}
	progressH := &handlers.ProgressHandler{Engine: d.Engine}
	analysisH := &handlers.AnalysisHandler{Pipeline: d.Pipeline}
	sweepsH := &handlers.SweepsHandler{Manager: d.Sweeps}
	configH := &handlers.ConfigHandler{Cfg: d.Cfg, Sched: d.Sched, Sweep: d.SweepJob}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/uploads", uploadsH.Start)
		r.Post("/uploads/pause", uploadsH.Pause)
		r.Post("/uploads/resume", uploadsH.Resume)
		r.Get("/uploads/session", uploadsH.Session)
		r.Get("/uploads/sessions", uploadsH.Sessions)
		r.Get("/uploads/active", uploadsH.Active)

		r.Get("/progress/{operationID}", progressH.Stream)

		r.Post("/analysis", analysisH.Analyze)
		r.Put("/analysis/manual", analysisH.SetManual)
		r.Delete("/analysis/manual", analysisH.ClearManual)

		r.Post("/sweeps", sweepsH.Create)
		r.Get("/sweeps/current", sweepsH.Current)
		r.Delete("/sweeps/current", sweepsH.Cancel)

		if d.Cfg != nil {
			r.Get("/config", configH.Get)
			r.Patch("/config", configH.Update)
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	return r
}

// New returns a Server ready to Run.
func New(addr string, d Deps) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
// Open progress streams are ended when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	s.srv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
