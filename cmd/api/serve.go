package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"taigalike/api/internal/app"
	"taigalike/api/internal/config"
	"taigalike/api/internal/email"
	"taigalike/api/internal/logging"
	"taigalike/api/internal/queue"
	"taigalike/api/internal/store"
	"taigalike/api/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the notification and webhook workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel, os.Stdout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(cfg.OTelEnabled, cfg.OTelStdout); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background())

	dataStore, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var jobs queue.Queue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisQueue, err := queue.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisQueue.Close()
		jobs = redisQueue
		log.Info().Msg("using redis for delivery jobs")
	} else {
		jobs = queue.NewMemoryQueue()
		log.Warn().Msg("REDIS_URL not set, delivery jobs are kept in memory")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Warn().Msg("SMTP not configured, notifications are dropped")
	}

	service, err := app.New(cfg, app.Deps{
		Store:  dataStore,
		Queue:  jobs,
		Mailer: mailer,
		Logger: log,
	})
	if err != nil {
		return err
	}

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- service.RunWorkers(ctx)
	}()

	writeTimeout := 30 * time.Second
	if cfg.RequestTimeout > 0 {
		writeTimeout = cfg.RequestTimeout + 5*time.Second
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
		close(serverDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stop()
	if err := <-workersDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("workers stopped")
	}
	log.Info().Msg("api stopped")
	return nil
}

// openStore connects to Postgres and applies migrations, or returns the
// in-memory store when the database URL is "memory".
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == config.MemoryDatabase {
		log.Warn().Msg("using the in-memory store, data is lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.MigrateUp(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return store.NewPostgresStore(db), func() { db.Close() }, nil
}
