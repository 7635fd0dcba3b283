package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
	"github.com/manpreetbhatti/deckroom/internal/room"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
	applyTimeout   = 10 * time.Second
	maxViolations  = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client bridges one websocket connection to one participant of a room. It is
// the room's sink for that participant.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	room           *room.Room
	presentationID string
	participantID  string
	logger         *slog.Logger

	mu     sync.Mutex
	send   chan protocol.Event
	closed bool
}

// Deliver queues evt for the write pump without blocking.
func (c *Client) Deliver(evt protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWs joins the requested presentation and upgrades the connection. The
// join happens first so that an unknown presentation is a plain 404.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	presentationID := q.Get(protocol.QueryPresentation)
	nickname := q.Get(protocol.QueryNickname)
	if presentationID == "" || nickname == "" {
		http.Error(w, "presentation and nickname are required", http.StatusBadRequest)
		return
	}

	logger := logging.FromContext(r.Context(), hub.logger).With("presentation_id", presentationID)
	client := &Client{
		hub:            hub,
		presentationID: presentationID,
		send:           make(chan protocol.Event, hub.config.SendBuffer),
	}

	ctx, cancel := context.WithTimeout(r.Context(), applyTimeout)
	rm, res, err := hub.registry.Join(ctx, presentationID, room.JoinParams{
		ParticipantID: q.Get(protocol.QueryParticipant),
		Nickname:      nickname,
		Sink:          client,
	})
	cancel()
	if err != nil {
		status := http.StatusServiceUnavailable
		switch {
		case errors.Is(err, room.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, room.ErrInvalidOperation):
			status = http.StatusBadRequest
		}
		logger.Warn("join refused", "error", err, "error_kind", room.ErrorKind(err))
		http.Error(w, err.Error(), status)
		return
	}

	client.room = rm
	client.participantID = res.Participant.ID
	client.logger = logger.With("participant_id", res.Participant.ID)

	header := http.Header{}
	header.Set(protocol.ParticipantHeader, res.Participant.ID)
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		client.logger.Warn("upgrade failed", "error", err)
		client.leave()
		return
	}
	client.conn = conn

	if !hub.add(client) {
		client.leave()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := c.room.Leave(ctx, c.participantID, c); err != nil && !errors.Is(err, room.ErrRoomClosed) {
		c.logger.Warn("leave failed", "error", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		c.hub.remove(c)
		c.hub.limiters.Remove(c.participantID)
		c.conn.Close()
	}()

	pongWait := c.hub.config.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := c.hub.limiters.Get(c.participantID)
	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}

		if !limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > maxViolations {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		op, err := protocol.DecodeOperation(message)
		if err != nil {
			c.reject("", room.ErrorKind(room.ErrInvalidOperation), err)
			continue
		}
		if !c.handle(op) {
			return
		}
	}
}

// handle runs one operation. It reports false when the connection should
// be closed.
func (c *Client) handle(op protocol.Operation) bool {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	var err error
	switch op.Kind {
	case protocol.OpJoin:
		c.reject(op.Kind, room.ErrorKind(room.ErrInvalidOperation), errors.New("already joined"))
		return true
	case protocol.OpLeave:
		c.leave()
		return false
	case protocol.OpResync:
		_, _, err = c.room.Resync(ctx, c.participantID)
	default:
		_, err = c.room.Apply(ctx, op, c.participantID)
	}

	switch {
	case err == nil:
		return true
	case errors.Is(err, room.ErrRoomClosed), errors.Is(err, room.ErrRoomFailed), errors.Is(err, room.ErrTransportFailure):
		// The client reconnects and resyncs against the next incarnation.
		c.logger.Info("closing connection", "operation", op.Kind, "error", err)
		return false
	}
	c.reject(op.Kind, room.ErrorKind(err), err)
	return true
}

func (c *Client) reject(kind protocol.OperationKind, code string, err error) {
	if !c.Deliver(protocol.ErrorEvent(kind, code, err)) {
		c.logger.Warn("dropping error event", "operation", kind, "code", code)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker((c.hub.config.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := protocol.EncodeEvent(evt)
			if err != nil {
				c.logger.Error("failed to encode event", "event", evt.Kind, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
