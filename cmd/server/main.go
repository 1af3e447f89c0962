package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"coderoom/internal/api"
	"coderoom/internal/broadcast"
	"coderoom/internal/config"
	"coderoom/internal/hooks"
	"coderoom/internal/ledger"
	"coderoom/internal/monitor"
	"coderoom/internal/sandbox"
	"coderoom/internal/session"
	"coderoom/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := monitor.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	metrics := monitor.NewMetrics()

	dispatcher := hooks.NewDispatcher()
	hooks.NewMilestones(func(_ string, m hooks.Milestone) {
		metrics.Milestones.WithLabelValues(string(m)).Inc()
	}).Register(dispatcher)

	// Storage is optional: without a database the ledger and sessions live
	// in memory and are lost on restart.
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}
	if db != nil {
		defer db.Close()
	}

	var ledgerStore ledger.Store = ledger.NewMemoryStore()
	if db != nil {
		ledgerStore = db
	}
	led := ledger.New(ledgerStore, ledger.LimitsFromConfig(cfg.Ledger, cfg.Sandbox), ledger.WithMetrics(metrics))

	var recorder sandbox.Recorder = led
	if cfg.Ledger.Async {
		writer := ledger.NewWriter(led, cfg.Ledger.BufferSize)
		writer.Start()
		defer writer.Flush(10 * time.Second)
		recorder = writer
	}

	hub := broadcast.NewHub(metrics)
	sessionOpts := []session.Option{
		session.WithNotifier(hub),
		session.WithHooks(dispatcher),
		session.WithMetrics(metrics),
	}
	if db != nil {
		sessionOpts = append(sessionOpts, session.WithPersister(db))
	}
	sessions := session.NewStore(session.OptionsFromConfig(cfg.Sessions), sessionOpts...)
	if n, err := sessions.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore sessions")
	} else if n > 0 {
		log.Info().Int("sessions", n).Msg("restored sessions")
	}

	// Continue without a backend so health and metrics stay reachable.
	var executor *sandbox.Executor
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox backend available, execution will fail")
	} else {
		executor = sandbox.NewExecutor(backend,
			sandbox.WithRecorder(recorder),
			sandbox.WithHooks(dispatcher),
			sandbox.WithMetrics(metrics),
			sandbox.WithScanner(monitor.NewCodeScanner()),
		)
	}

	deps := api.Deps{
		Executor: executor,
		Ledger:   led,
		Sessions: sessions,
		Hub:      hub,
		Consumer: broadcast.NewConsumer(sessions, hub, broadcast.ConsumerOptions{SendBuffer: cfg.Sessions.SendBuffer}),
		Metrics:  metrics,
	}
	if db != nil {
		deps.Database = db
	}
	server := api.NewServer(cfg, deps)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Address()).
			Str("database", cfg.Database.Driver).
			Bool("backend_available", backend != nil).
			Msg("server starting")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
		return nil
	})

	if cfg.Sessions.SweepSchedule != "" {
		g.Go(func() error {
			return runSweeper(gctx, cfg.Sessions.SweepSchedule, sessions)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg := config.DefaultConfig()
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		cfg = loaded
	} else {
		log.Info().Msg("no config file found, using defaults")
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration after environment overrides")
	}
	return cfg
}

// runSweeper deactivates idle sessions on schedule until ctx ends.
func runSweeper(ctx context.Context, spec string, sessions *session.Store) error {
	schedule, err := config.ParseSchedule(spec)
	if err != nil {
		return err
	}
	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := sessions.Sweep(ctx, false); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduled sweep failed")
		}
	}))
	c.Start()
	log.Info().Str("schedule", spec).Msg("session sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
