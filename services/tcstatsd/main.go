package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tcstats/observability/logging"
	telemetry "tcstats/observability/otel"
	"tcstats/services/tcstatsd/config"
	"tcstats/services/tcstatsd/engine"
	"tcstats/services/tcstatsd/provider"
	"tcstats/services/tcstatsd/scheduler"
	"tcstats/services/tcstatsd/server"
	"tcstats/services/tcstatsd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/tcstatsd/config.yaml", "path to tcstatsd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("tcstatsd: load config: %v", err)
	}

	logger := logging.Setup("tcstatsd", cfg.Environment,
		logging.WithLevel(logging.ParseLevel(cfg.Logging.Level)),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "tcstatsd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Attributes:  map[string]string{"tc.team_number": strconv.Itoa(cfg.Provider.TeamNumber)},
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("tcstatsd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" && strings.EqualFold(cfg.Database.Driver, storage.DriverSQLite) {
		dsn, err = storage.FileDSN(cfg.Database.Path)
		if err != nil {
			log.Fatalf("tcstatsd: resolve storage DSN: %v", err)
		}
	}
	store, err := storage.Open(storage.Config{
		Driver:       cfg.Database.Driver,
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LogQueries:   cfg.Database.LogQueries,
	})
	if err != nil {
		log.Fatalf("tcstatsd: open storage: %v", err)
	}
	defer store.Close()

	client, err := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		TeamNumber:        cfg.Provider.TeamNumber,
		Timeout:           cfg.Provider.Timeout.Duration,
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		Burst:             cfg.Provider.Burst,
	})
	if err != nil {
		log.Fatalf("tcstatsd: stats provider: %v", err)
	}

	eng, err := engine.New(store, client,
		engine.WithLogger(logger),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithUserTimeout(cfg.Engine.UserTimeout.Duration),
	)
	if err != nil {
		log.Fatalf("tcstatsd: engine: %v", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		UpdateSchedule:   cfg.Schedule.Update,
		RolloverSchedule: cfg.Schedule.Rollover,
		JobTimeout:       cfg.Schedule.JobTimeout.Duration,
	}, eng, scheduler.WithLogger(logger))
	if err != nil {
		log.Fatalf("tcstatsd: scheduler: %v", err)
	}

	auth := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		AdminScope: cfg.Auth.AdminScope,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	srv := server.New(server.Config{
		Engine: eng,
		Auth:   auth,
		Logger: logger,
		Health: store.Ping,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(rootCtx)
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("tcstatsd listening", slog.String("addr", cfg.ListenAddress))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
