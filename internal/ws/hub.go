package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/metrics"
	"github.com/manpreetbhatti/deckroom/internal/ratelimit"
	"github.com/manpreetbhatti/deckroom/internal/room"
)

type Config struct {
	PongWait          time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	// SendBuffer is the number of events queued per connection before the
	// connection counts as a slow subscriber.
	SendBuffer int
}

func DefaultConfig() Config {
	return Config{
		PongWait:          60 * time.Second,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		SendBuffer:        512,
	}
}

// Hub tracks the connected clients of every presentation
type Hub struct {
	registry *room.Registry
	limiters *ratelimit.ClientLimiters
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Recorder

	// Connected clients by presentation
	rooms map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex
}

func NewHub(registry *room.Registry, config Config, logger *slog.Logger, rec *metrics.Recorder) *Hub {
	def := DefaultConfig()
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = def.MessagesPerSecond
	}
	if config.MessageBurst <= 0 {
		config.MessageBurst = def.MessageBurst
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}

	return &Hub{
		registry:   registry,
		limiters:   ratelimit.NewClientLimiters(config.MessagesPerSecond, config.MessageBurst),
		config:     config,
		logger:     logging.OrDefault(logger).With("component", "hub"),
		metrics:    rec,
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Registry() *room.Registry { return h.registry }

// Run processes registrations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.limiters.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.rooms[client.presentationID]; !ok {
				h.rooms[client.presentationID] = make(map[*Client]bool)
			}
			h.rooms[client.presentationID][client] = true
			clientCount := len(h.rooms[client.presentationID])
			h.mu.Unlock()

			h.metrics.ConnectionOpened(ctx)
			h.logger.Info("client connected",
				"presentation_id", client.presentationID,
				"participant_id", client.participantID,
				"clients", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.rooms[client.presentationID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.Close()
					h.metrics.ConnectionClosed(ctx)

					if len(clients) == 0 {
						delete(h.rooms, client.presentationID)
						h.logger.Info("last client left", "presentation_id", client.presentationID)
					} else {
						h.logger.Info("client disconnected",
							"presentation_id", client.presentationID,
							"participant_id", client.participantID,
							"clients", len(clients))
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}

// GetActiveRooms returns the number of connected clients per presentation.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, clients := range h.rooms {
		out[id] = len(clients)
	}
	return out
}
