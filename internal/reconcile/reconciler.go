// Package reconcile keeps a client-side mirror of a presentation in step with
// the authoritative event stream of its room, layering optimistic edits on top.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
)

// DefaultWindow is the quiescence window for coalesced edits.
const DefaultWindow = 300 * time.Millisecond

// ErrNeedsResync is returned by Apply when the mirror cannot follow the
// stream: no snapshot has been loaded, an event was missed, or an event
// addresses an entity the mirror does not have. The caller requests a fresh
// snapshot.
var ErrNeedsResync = errors.New("reconcile: resync required")

// Sender transmits operations to the room.
type Sender interface {
	Send(op protocol.Operation) error
}

type Options struct {
	Logger *slog.Logger
	// Window defaults to DefaultWindow.
	Window time.Duration
	// OnRejected is called with every error event addressed to this client.
	OnRejected func(protocol.ErrorPayload)
}

type editKey struct {
	kind    protocol.OperationKind
	slideID string
	blockID string
}

type pendingEdit struct {
	op    protocol.Operation
	sent  bool
	gen   uint64
	timer *time.Timer
}

// Reconciler holds the authoritative mirror and the pending optimistic edits
// of one client.
type Reconciler struct {
	sender Sender
	window time.Duration
	logger *slog.Logger
	onRej  func(protocol.ErrorPayload)

	mu      sync.Mutex
	doc     *model.Presentation
	seq     uint64
	pending map[editKey]*pendingEdit
	gen     uint64
	closed  bool
}

func New(sender Sender, opts Options) *Reconciler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Reconciler{
		sender:  sender,
		window:  opts.Window,
		logger:  logging.OrDefault(opts.Logger).With("component", "reconciler"),
		onRej:   opts.OnRejected,
		pending: make(map[editKey]*pendingEdit),
	}
}

// Apply folds an authoritative event into the mirror.
func (c *Reconciler) Apply(evt protocol.Event) error {
	if evt.Kind == protocol.EventError {
		c.rejected(evt)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if evt.Kind == protocol.EventSnapshot {
		if evt.Snapshot == nil {
			return fmt.Errorf("%w: empty snapshot", protocol.ErrMalformed)
		}
		doc := evt.Snapshot.Clone()
		doc.Normalize()
		c.doc = &doc
		c.seq = evt.Seq
		c.dropSentLocked(func(editKey) bool { return true })
		return nil
	}

	if c.doc == nil {
		return ErrNeedsResync
	}
	if evt.Seq <= c.seq {
		return nil
	}
	if evt.Seq != c.seq+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", ErrNeedsResync, c.seq+1, evt.Seq)
	}

	if err := c.applyLocked(evt); err != nil {
		return err
	}
	c.seq = evt.Seq
	return nil
}

func (c *Reconciler) applyLocked(evt protocol.Event) error {
	doc := c.doc

	switch evt.Kind {
	case protocol.EventSlideAdded:
		if evt.Slide == nil {
			return fmt.Errorf("%w: %s without slide", protocol.ErrMalformed, evt.Kind)
		}
		doc.Slides = append(doc.Slides, evt.Slide.Clone())
		doc.Renumber()

	case protocol.EventSlideUpdated:
		if evt.Slide == nil {
			return fmt.Errorf("%w: %s without slide", protocol.ErrMalformed, evt.Kind)
		}
		i := doc.SlideIndex(evt.Slide.ID)
		if i < 0 {
			return fmt.Errorf("%w: unknown slide %s", ErrNeedsResync, evt.Slide.ID)
		}
		doc.Slides[i] = evt.Slide.Clone()
		doc.Slides[i].Order = i
		c.dropSentLocked(func(k editKey) bool {
			return k.kind == protocol.OpUpdateSlide && k.slideID == evt.Slide.ID
		})

	case protocol.EventSlideRemoved:
		i := doc.SlideIndex(evt.SlideID)
		if i < 0 {
			return fmt.Errorf("%w: unknown slide %s", ErrNeedsResync, evt.SlideID)
		}
		doc.Slides = append(doc.Slides[:i], doc.Slides[i+1:]...)
		doc.Renumber()
		c.dropLocked(func(k editKey) bool { return k.slideID == evt.SlideID })

	case protocol.EventTextBlockAdded, protocol.EventTextBlockUpdated:
		if evt.TextBlock == nil {
			return fmt.Errorf("%w: %s without text block", protocol.ErrMalformed, evt.Kind)
		}
		i := doc.SlideIndex(evt.SlideID)
		if i < 0 {
			return fmt.Errorf("%w: unknown slide %s", ErrNeedsResync, evt.SlideID)
		}
		slide := &doc.Slides[i]
		j := slide.BlockIndex(evt.TextBlock.ID)
		switch {
		case j >= 0:
			slide.TextBlocks[j] = *evt.TextBlock
		case evt.Kind == protocol.EventTextBlockAdded:
			slide.TextBlocks = append(slide.TextBlocks, *evt.TextBlock)
		default:
			return fmt.Errorf("%w: unknown text block %s", ErrNeedsResync, evt.TextBlock.ID)
		}
		c.dropSentLocked(func(k editKey) bool {
			return k.kind == protocol.OpUpdateTextBlock && k.blockID == evt.TextBlock.ID
		})

	case protocol.EventTextBlockRemoved:
		i := doc.SlideIndex(evt.SlideID)
		if i < 0 {
			return fmt.Errorf("%w: unknown slide %s", ErrNeedsResync, evt.SlideID)
		}
		slide := &doc.Slides[i]
		j := slide.BlockIndex(evt.TextBlockID)
		if j < 0 {
			return fmt.Errorf("%w: unknown text block %s", ErrNeedsResync, evt.TextBlockID)
		}
		slide.TextBlocks = append(slide.TextBlocks[:j], slide.TextBlocks[j+1:]...)
		c.dropLocked(func(k editKey) bool { return k.blockID == evt.TextBlockID })

	case protocol.EventParticipantsChanged:
		doc.Participants = model.CloneParticipants(evt.Participants)

	default:
		c.logger.Warn("ignoring unknown event", "event", evt.Kind, "seq", evt.Seq)
	}
	return nil
}

// rejected drops transmitted optimistic edits of the rejected kind; the room
// will never echo them.
func (c *Reconciler) rejected(evt protocol.Event) {
	if evt.Error == nil {
		return
	}
	c.mu.Lock()
	c.dropSentLocked(func(k editKey) bool { return k.kind == evt.Error.Operation })
	c.mu.Unlock()

	c.logger.Debug("operation rejected", "operation", evt.Error.Operation, "code", evt.Error.Code)
	if c.onRej != nil {
		c.onRej(*evt.Error)
	}
}

func (c *Reconciler) dropSentLocked(match func(editKey) bool) {
	for k, p := range c.pending {
		if p.sent && match(k) {
			delete(c.pending, k)
		}
	}
}

func (c *Reconciler) dropLocked(match func(editKey) bool) {
	for k, p := range c.pending {
		if match(k) {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(c.pending, k)
		}
	}
}

// Submit transmits op immediately. The mirror only changes when the room's
// event for it arrives.
func (c *Reconciler) Submit(op protocol.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	return c.sender.Send(op)
}

// Edit records a high-frequency edit. The view reflects it at once; only the
// latest edit per entity inside the quiescence window is transmitted. Other
// operation kinds are submitted immediately.
func (c *Reconciler) Edit(op protocol.Operation) error {
	if !op.Kind.HighFrequency() {
		return c.Submit(op)
	}
	if err := op.Validate(); err != nil {
		return err
	}

	key := keyOf(op)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("reconcile: closed")
	}

	c.gen++
	p, ok := c.pending[key]
	if !ok {
		p = &pendingEdit{}
		c.pending[key] = p
	}
	p.op = op
	p.sent = false
	p.gen = c.gen

	gen := c.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(c.window, func() { c.fire(key, gen) })
	return nil
}

func keyOf(op protocol.Operation) editKey {
	switch op.Kind {
	case protocol.OpUpdateSlide:
		return editKey{kind: op.Kind, slideID: op.Slide.ID}
	case protocol.OpUpdateTextBlock:
		return editKey{kind: op.Kind, slideID: op.SlideID, blockID: op.TextBlock.ID}
	}
	return editKey{kind: op.Kind}
}

func (c *Reconciler) fire(key editKey, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if !ok || p.gen != gen || p.sent {
		c.mu.Unlock()
		return
	}
	p.sent = true
	op := p.op
	c.mu.Unlock()

	c.send(key, gen, op)
}

func (c *Reconciler) send(key editKey, gen uint64, op protocol.Operation) {
	if err := c.sender.Send(op); err != nil {
		c.logger.Warn("failed to send edit", "operation", op.Kind, "error", err)
		c.mu.Lock()
		if p, ok := c.pending[key]; ok && p.gen == gen {
			p.sent = false
		}
		c.mu.Unlock()
	}
}

// Flush transmits every pending edit without waiting for its window.
func (c *Reconciler) Flush() {
	type outgoing struct {
		key editKey
		gen uint64
		op  protocol.Operation
	}

	c.mu.Lock()
	var out []outgoing
	for k, p := range c.pending {
		if p.sent {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		p.sent = true
		out = append(out, outgoing{key: k, gen: p.gen, op: p.op})
	}
	c.mu.Unlock()

	for _, o := range out {
		c.send(o.key, o.gen, o.op)
	}
}

// Snapshot returns a copy of the authoritative mirror and its sequence number.
// ok is false until the first snapshot has been applied.
func (c *Reconciler) Snapshot() (doc model.Presentation, seq uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return model.Presentation{}, 0, false
	}
	return c.doc.Clone(), c.seq, true
}

// View returns the mirror with pending optimistic edits applied.
func (c *Reconciler) View() (model.Presentation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return model.Presentation{}, false
	}

	view := c.doc.Clone()
	for _, p := range c.pending {
		switch p.op.Kind {
		case protocol.OpUpdateSlide:
			if i := view.SlideIndex(p.op.Slide.ID); i >= 0 {
				view.Slides[i] = p.op.Slide.Clone()
				view.Slides[i].Order = i
			}
		case protocol.OpUpdateTextBlock:
			if i := view.SlideIndex(p.op.SlideID); i >= 0 {
				slide := &view.Slides[i]
				if j := slide.BlockIndex(p.op.TextBlock.ID); j >= 0 {
					slide.TextBlocks[j] = *p.op.TextBlock
				}
			}
		}
	}
	return view, true
}

// Pending returns the number of edits not yet confirmed by the room.
func (c *Reconciler) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset discards the mirror after a lost connection. Edits that were already
// transmitted are dropped; unsent ones are kept and go out after the next
// snapshot.
func (c *Reconciler) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = nil
	c.seq = 0
	c.dropSentLocked(func(editKey) bool { return true })
}

// Close stops pending timers. Unsent edits are discarded.
func (c *Reconciler) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.dropLocked(func(editKey) bool { return true })
}
