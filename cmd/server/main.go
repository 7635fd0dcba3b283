package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/api"
	"github.com/manpreetbhatti/deckroom/internal/checkpoint"
	"github.com/manpreetbhatti/deckroom/internal/config"
	"github.com/manpreetbhatti/deckroom/internal/db"
	"github.com/manpreetbhatti/deckroom/internal/metrics"
	"github.com/manpreetbhatti/deckroom/internal/room"
	"github.com/manpreetbhatti/deckroom/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	collector := metrics.NewCollector()
	collector.Install()
	defer collector.Shutdown(context.Background())
	rec := collector.Recorder()
	registry := room.NewRegistry(database, room.Options{Logger: logger, Metrics: rec})

	hub := ws.NewHub(registry, ws.Config{
		PongWait:          cfg.PongWait,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}, logger, rec)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	checkpoints := checkpoint.New(registry, checkpoint.Config{Interval: cfg.CheckpointInterval}, logger)
	checkpoints.Start()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(hub, database, collector, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("deckroom server starting", "addr", cfg.HTTPAddr, "db_path", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		checkpoints.Stop()
		return err
	case <-ctx.Done():
		logger.Info("signal caught, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	checkpoints.Stop()
	// Rooms persist their final state before the database closes.
	if err := registry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	stopHub()

	logger.Info("deckroom server stopped")
	return errors.Join(errs...)
}
