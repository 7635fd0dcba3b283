// Package checkpoint periodically saves live rooms so that a crash loses at
// most one interval of edits.
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/room"
)

type Config struct {
	Interval time.Duration
	// Timeout bounds the save of a single room.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

type Service struct {
	registry *room.Registry
	config   Config
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(registry *room.Registry, config Config, logger *slog.Logger) *Service {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Service{
		registry: registry,
		config:   config,
		logger:   logging.OrDefault(logger).With("component", "checkpoint"),
		stop:     make(chan struct{}),
	}
}

// Start launches the ticker. A non-positive interval disables periodic
// checkpoints; CheckpointNow still works.
func (s *Service) Start() {
	if s.config.Interval <= 0 {
		s.logger.Info("checkpoint service disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Info("checkpoint service started", "interval", s.config.Interval)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("checkpoint service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CheckpointNow()
		}
	}
}

// CheckpointNow saves every live room whose document changed since its last
// save and returns how many were saved.
func (s *Service) CheckpointNow() int {
	saved := 0
	for _, r := range s.registry.Rooms() {
		ok, err := s.checkpointRoom(r)
		if err != nil {
			s.logger.Warn("checkpoint failed", "presentation_id", r.ID(), "error", err)
			continue
		}
		if ok {
			saved++
		}
	}

	if saved > 0 {
		s.logger.Info("checkpointed rooms", "count", saved)
	}
	return saved
}

func (s *Service) checkpointRoom(r *room.Room) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	ok, err := r.Checkpoint(ctx)
	switch {
	case errors.Is(err, room.ErrRoomClosed):
		// Evicted rooms save themselves on the way out.
		return false, nil
	case errors.Is(err, room.ErrNotFound):
		return false, nil
	}
	return ok, err
}
