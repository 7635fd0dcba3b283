package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/logging"
)

// Config captures environment driven configuration values for the server.
type Config struct {
	HTTPAddr           string
	DBPath             string
	CheckpointInterval time.Duration
	PongWait           time.Duration
	MessagesPerSecond  float64
	MessageBurst       int
	LogLevel           slog.Level
}

// Load parses configuration values from the current process environment.
// Every invalid variable is reported in a single error.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:           ":8080",
		DBPath:             "./data/deckroom.db",
		CheckpointInterval: time.Minute,
		PongWait:           60 * time.Second,
		MessagesPerSecond:  100,
		MessageBurst:       200,
		LogLevel:           slog.LevelInfo,
	}

	invalid := make([]string, 0, 2)

	if addr := strings.TrimSpace(os.Getenv("DECKROOM_HTTP_ADDR")); addr != "" {
		cfg.HTTPAddr = addr
	}

	if path := strings.TrimSpace(os.Getenv("DECKROOM_DB_PATH")); path != "" {
		cfg.DBPath = path
	}

	if value := strings.TrimSpace(os.Getenv("DECKROOM_CHECKPOINT_INTERVAL")); value != "" {
		interval, err := time.ParseDuration(value)
		if err != nil || interval < 0 {
			invalid = append(invalid, "DECKROOM_CHECKPOINT_INTERVAL")
		} else {
			cfg.CheckpointInterval = interval
		}
	}

	if value := strings.TrimSpace(os.Getenv("DECKROOM_PONG_WAIT")); value != "" {
		wait, err := time.ParseDuration(value)
		if err != nil || wait <= 0 {
			invalid = append(invalid, "DECKROOM_PONG_WAIT")
		} else {
			cfg.PongWait = wait
		}
	}

	if value := strings.TrimSpace(os.Getenv("DECKROOM_MESSAGES_PER_SECOND")); value != "" {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil || rate <= 0 {
			invalid = append(invalid, "DECKROOM_MESSAGES_PER_SECOND")
		} else {
			cfg.MessagesPerSecond = rate
		}
	}

	if value := strings.TrimSpace(os.Getenv("DECKROOM_MESSAGE_BURST")); value != "" {
		burst, err := strconv.Atoi(value)
		if err != nil || burst <= 0 {
			invalid = append(invalid, "DECKROOM_MESSAGE_BURST")
		} else {
			cfg.MessageBurst = burst
		}
	}

	if value := os.Getenv("DECKROOM_LOG_LEVEL"); value != "" {
		level, ok := logging.ParseLevel(value)
		if !ok {
			invalid = append(invalid, "DECKROOM_LOG_LEVEL")
		} else {
			cfg.LogLevel = level
		}
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
