// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"liblending/internal/audit"
	"liblending/internal/config"
	"liblending/internal/daemon"
	"liblending/internal/database"
	"liblending/internal/directory"
	"liblending/internal/engine"
	"liblending/internal/handler"
	"liblending/internal/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	// Storage, directory and audit sink depend on the configured driver:
	// Postgres for deployments, in-memory for local runs and demos.
	var (
		st  store.Store
		dir engine.Directory
		rec engine.Recorder
	)
	switch cfg.StorageDriver {
	case "postgres":
		pool, err := database.NewPool(ctx, cfg.DSN(), log)
		if err != nil {
			log.Error("database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("schema", "error", err)
			os.Exit(1)
		}
		auditRec := audit.NewPostgresRecorder(pool)
		if err := auditRec.EnsureSchema(ctx); err != nil {
			log.Error("schema", "error", err)
			os.Exit(1)
		}
		st = pg
		dir = directory.NewPostgres(pool)
		rec = auditRec
		log.Info("connected to postgres", "db", cfg.DBName)
	case "memory":
		st = store.NewMemory()
		dir = &directory.Static{AllowAll: true}
		rec = &audit.SlogRecorder{Log: log}
		log.Info("running with in-memory storage")
	}

	eng, err := engine.New(ctx, engine.Config{
		LoanPeriod:     cfg.LoanPeriod,
		DailyFineRate:  cfg.DailyFineRate,
		ReservationTTL: cfg.ReservationTTL,
	}, st, dir, rec, engine.SystemClock{}, log)
	if err != nil {
		log.Error("engine", "error", err)
		os.Exit(1)
	}

	// Background sweeps: overdue marking and reservation expiry.
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	sweeper := &daemon.Sweeper{Engine: eng, Interval: cfg.SweepInterval, Log: log}
	go sweeper.Run(sweepCtx)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	r.Get("/health", handler.HealthCheck)
	handler.New(eng, log).Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	go func() {
		log.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server", "error", err)
			os.Exit(1)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	stopSweeps()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
