package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	reconnectDelay = time.Second
)

// ErrNotConnected is returned by Send while the connection is down.
var ErrNotConnected = errors.New("reconcile: not connected")

type ConnOptions struct {
	Logger *slog.Logger
	Dialer *websocket.Dialer
	Window time.Duration
	// ReconnectDelay defaults to one second.
	ReconnectDelay time.Duration
	// OnEvent observes every event after it has been applied.
	OnEvent    func(protocol.Event)
	OnRejected func(protocol.ErrorPayload)
}

// Conn is a participant connection to a room over a websocket. It feeds
// events to its Reconciler and rejoins with the same participant id after
// the connection drops.
type Conn struct {
	endpoint       *url.URL
	presentationID string
	nickname       string
	dialer         *websocket.Dialer
	delay          time.Duration
	onEvent        func(protocol.Event)
	logger         *slog.Logger
	rec            *Reconciler

	mu            sync.Mutex
	ws            *websocket.Conn
	participantID string
	resyncing     bool
	closed        bool
}

// Dial connects to the websocket endpoint (for example ws://host:8080/ws)
// and joins the presentation as nickname.
func Dial(ctx context.Context, endpoint, presentationID, nickname string, opts ConnOptions) (*Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = reconnectDelay
	}
	logger := logging.OrDefault(opts.Logger).With("component", "conn", "presentation_id", presentationID)

	c := &Conn{
		endpoint:       u,
		presentationID: presentationID,
		nickname:       nickname,
		dialer:         opts.Dialer,
		delay:          opts.ReconnectDelay,
		onEvent:        opts.OnEvent,
		logger:         logger,
	}
	c.rec = New(c, Options{Logger: logger, Window: opts.Window, OnRejected: opts.OnRejected})

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) Reconciler() *Reconciler { return c.rec }

// ParticipantID returns the id the room assigned on the first join.
func (c *Conn) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

func (c *Conn) connect(ctx context.Context) error {
	u := *c.endpoint
	q := u.Query()
	q.Set(protocol.QueryPresentation, c.presentationID)
	q.Set(protocol.QueryNickname, c.nickname)
	if id := c.ParticipantID(); id != "" {
		q.Set(protocol.QueryParticipant, id)
	}
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.endpoint, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.resyncing = false
	if id := headerParticipant(resp.Header); id != "" {
		c.participantID = id
	}
	c.mu.Unlock()

	c.logger.Info("connected", "participant_id", c.ParticipantID())
	return nil
}

// Send writes op to the room.
func (c *Conn) Send(op protocol.Operation) error {
	op.PresentationID = c.presentationID
	data, err := protocol.EncodeOperation(op)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Run reads events until ctx is done, reconnecting whenever the connection
// drops. Each reconnect discards the mirror; the join delivers a fresh
// snapshot.
func (c *Conn) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	}()

	for {
		err := c.readLoop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		c.logger.Warn("connection lost", "error", err)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.rec.Reset()

		if err := c.reconnect(ctx); err != nil {
			return err
		}
		c.rec.Flush()
	}
}

func (c *Conn) reconnect(ctx context.Context) error {
	t := time.NewTicker(c.delay)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.connect(ctx); err != nil {
				c.logger.Warn("reconnect failed", "error", err)
				continue
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) readLoop() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return err
		}
		evt, err := protocol.DecodeEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed event", "error", err)
			continue
		}
		c.handle(evt)
	}
}

func (c *Conn) handle(evt protocol.Event) {
	err := c.rec.Apply(evt)
	switch {
	case errors.Is(err, ErrNeedsResync):
		c.requestResync(err)
		return
	case err != nil:
		c.logger.Warn("failed to apply event", "event", evt.Kind, "error", err)
		return
	}

	if evt.Kind == protocol.EventSnapshot {
		c.mu.Lock()
		c.resyncing = false
		c.mu.Unlock()
	}
	if c.onEvent != nil {
		c.onEvent(evt)
	}
}

func (c *Conn) requestResync(cause error) {
	c.mu.Lock()
	if c.resyncing {
		c.mu.Unlock()
		return
	}
	c.resyncing = true
	c.mu.Unlock()

	c.logger.Info("requesting resync", "reason", cause)
	if err := c.Send(protocol.Operation{Kind: protocol.OpResync}); err != nil {
		c.logger.Warn("failed to request resync", "error", err)
	}
}

// Close leaves the room and closes the connection.
func (c *Conn) Close() error {
	c.rec.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ws == nil {
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.ws.Close()
	c.ws = nil
	return err
}

// headerParticipant extracts the assigned id from an upgrade response.
func headerParticipant(h http.Header) string {
	return h.Get(protocol.ParticipantHeader)
}
