package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eargollo/vidlift/internal/analysis"
	"github.com/eargollo/vidlift/internal/api"
	"github.com/eargollo/vidlift/internal/config"
	"github.com/eargollo/vidlift/internal/db"
	"github.com/eargollo/vidlift/internal/limiter"
	"github.com/eargollo/vidlift/internal/metrics"
	"github.com/eargollo/vidlift/internal/progress"
	"github.com/eargollo/vidlift/internal/remote"
	"github.com/eargollo/vidlift/internal/scan"
	"github.com/eargollo/vidlift/internal/scheduler"
	"github.com/eargollo/vidlift/internal/session"
	"github.com/eargollo/vidlift/internal/tools"
	"github.com/eargollo/vidlift/internal/upload"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── Logging (initial; overridden below once config is loaded) ─────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// ── Config ─────────────────────────────────────────────────────────────
	if err := config.LoadEnvFiles(".env", ".env.local"); err != nil {
		slog.Warn("load env files", "error", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Re-configure logging with the level from config (default: info).
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("vidlift starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"sweep_roots", cfg.Sweep.Roots,
		"session_store", cfg.Sessions.Store)

	// ── Database ───────────────────────────────────────────────────────────
	database, err := db.OpenMigrated(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if v, err := db.SchemaVersion(context.Background(), database); err == nil {
		slog.Debug("database ready", "schema_version", v)
	}

	// ── Analysis ───────────────────────────────────────────────────────────
	lim := limiter.New(cfg.MaxConcurrent)
	m := metrics.New(lim)

	runner := tools.New(tools.Config{
		FFprobe:    cfg.Tools.FFprobe,
		FFmpeg:     cfg.Tools.FFmpeg,
		Tesseract:  cfg.Tools.Tesseract,
		Timeout:    cfg.Tools.Timeout,
		NoiseFloor: cfg.Tools.NoiseFloor,
		MinSilence: cfg.Tools.MinSilence,
	})
	if missing := runner.Missing(); len(missing) > 0 {
		slog.Warn("analysis tools not found; affected steps will record errors", "missing", missing)
	}

	pipeline := analysis.New(analysis.NewCache(database), runner.Tools(), lim, analysis.Config{
		ClassifyWindow:    cfg.Analysis.ClassifyWindow,
		MinPeriodicEvents: cfg.Analysis.MinPeriodicEvents,
		PeriodTolerance:   cfg.Analysis.PeriodTolerance,
		StartOffsets:      cfg.Analysis.StartOffsets,
		EndOffsets:        cfg.Analysis.EndOffsets,
		MinYear:           cfg.Analysis.MinYear,
		Sweep: scan.Config{
			Walkers:   cfg.Sweep.Walkers,
			Analyzers: cfg.Sweep.Analyzers,
			Excludes:  cfg.Sweep.Excludes,
		},
	}, analysis.WithRecorder(m))

	// ── Uploads ────────────────────────────────────────────────────────────
	history := session.NewSQLStore(database)
	var store session.Store = history
	if cfg.Sessions.Store == "file" {
		store = session.NewFileStore(cfg.Sessions.Path)
	}

	client := remote.New(remote.Config{
		Endpoint:       cfg.Upload.Endpoint,
		Token:          cfg.Upload.Token,
		SilenceTimeout: cfg.Upload.SilenceTimeout,
	})
	if !client.Configured() {
		slog.Warn("upload remote not configured; set " + config.EnvUploadEndpoint + " and " + config.EnvUploadToken)
	}

	engine, err := upload.New(client, store, progress.NewBroadcaster(), upload.Config{
		ChunkSize:        cfg.Upload.ChunkSize,
		ProgressInterval: cfg.Upload.ProgressInterval,
		RetainProgress:   cfg.Upload.RetainProgress,
		AutoResume:       cfg.Upload.AutoResume,
	}, upload.WithRecorder(m))
	if err != nil {
		slog.Error("create upload engine", "error", err)
		os.Exit(1)
	}
	engine.OnComplete(func(ctx context.Context, c upload.Completion) {
		if err := history.RecordCompleted(ctx, session.Completed{
			ResourceID:  c.ResourceID,
			RemoteID:    c.RemoteID,
			Label:       c.Label,
			BytesTotal:  c.BytesTotal,
			CompletedAt: time.Now().UTC(),
		}); err != nil {
			slog.Error("record completed upload", "resource", c.ResourceID, "error", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := engine.Recover(ctx); err != nil {
		slog.Warn("recover upload sessions", "error", err)
	} else if n > 0 {
		slog.Info("upload sessions found at startup", "count", n, "auto_resume", cfg.Upload.AutoResume)
	}

	// ── Sweep + scheduler ──────────────────────────────────────────────────
	sweeps := scan.NewManager(pipeline, cfg.Sweep.Roots)
	sweepJob := func() {
		slog.Info("scheduled sweep triggered")
		if _, err := sweeps.Start(context.Background(), "schedule"); err != nil {
			slog.Warn("scheduled sweep start", "error", err)
		}
	}

	sched := scheduler.New(slog.Default())
	sched.SetPaused(cfg.Sweep.Paused)
	if len(cfg.Sweep.Roots) > 0 {
		if err := sched.SetSweep(cfg.Sweep.Schedule, sweepJob); err != nil {
			slog.Warn("invalid cron expression", "expr", cfg.Sweep.Schedule, "error", err)
		}
	}
	sched.Start()

	// ── HTTP server ────────────────────────────────────────────────────────
	srv := api.New(cfg.HTTPAddr, api.Deps{
		Cfg:      cfg,
		Pipeline: pipeline,
		Engine:   engine,
		Sweeps:   sweeps,
		Sched:    sched,
		Metrics:  m,
		SweepJob: sweepJob,
		Version:  version,
	})
	runErr := srv.Run(ctx)

	// ── Shutdown ───────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stop", "error", err)
	}
	if _, err := sweeps.Cancel(); err == nil {
		sweeps.Wait()
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Warn("upload shutdown", "error", err)
	}

	if runErr != nil {
		slog.Error("server error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("vidlift stopped")
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
