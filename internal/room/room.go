package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/manpreetbhatti/deckroom/internal/catalog"
	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/metrics"
	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/policy"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
)

// Sink receives the events of a room for one participant connection.
type Sink interface {
	// Deliver enqueues evt without blocking. It reports false when the
	// subscriber cannot take the event.
	Deliver(evt protocol.Event) bool
	Close()
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// NewID mints slide, text block and participant ids. Defaults to uuid.
	NewID func() string

	// StoreTimeout bounds catalog loads and saves issued by a room.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	o.Logger = logging.OrDefault(o.Logger)
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	return o
}

type requestKind int

const (
	reqApply requestKind = iota
	reqSnapshot
	reqResync
	reqRelease
)

type request struct {
	kind  requestKind
	op    protocol.Operation
	actor string
	sink  Sink
	reply chan response

	// abandoned is set by submit when the worker took the request but the
	// caller stopped waiting for the reply.
	abandoned bool
}

type response struct {
	event       protocol.Event
	participant model.Participant
	snapshot    model.Presentation
	seq         uint64
	released    bool
	err         error
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeReleased
	outcomeFailed
)

// Room is the authoritative state of one presentation. All requests are
// processed one at a time by the room's worker goroutine.
type Room struct {
	id      string
	store   catalog.Store
	opts    Options
	logger  *slog.Logger
	onEmpty func(*Room)
	onFail  func(*Room)

	requests chan *request
	closing  chan struct{}
	done     chan struct{}
	after    <-chan struct{}

	online    atomic.Int32
	committed atomic.Uint64

	saveMu   sync.Mutex
	savedSeq uint64

	// Owned by the worker goroutine.
	doc    model.Presentation
	loaded bool
	seq    uint64
	sinks  map[string]Sink
}

// New starts a room for the presentation with the given id. The presentation
// is loaded from store on the first request. When after is non-nil the room
// waits for it to close before loading.
func New(id string, store catalog.Store, after <-chan struct{}, opts Options) *Room {
	return newRoom(id, store, after, opts, nil, nil)
}

func newRoom(id string, store catalog.Store, after <-chan struct{}, opts Options, onEmpty, onFail func(*Room)) *Room {
	opts = opts.withDefaults()
	r := &Room{
		id:       id,
		store:    store,
		opts:     opts,
		logger:   opts.Logger.With("component", "room", "presentation_id", id),
		onEmpty:  onEmpty,
		onFail:   onFail,
		requests: make(chan *request),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		after:    after,
		sinks:    make(map[string]Sink),
	}
	go r.run()
	return r
}

func (r *Room) ID() string { return r.id }

// Online returns the number of participants currently attached.
func (r *Room) Online() int { return int(r.online.Load()) }

// Seq returns the sequence number of the last committed event.
func (r *Room) Seq() uint64 { return r.committed.Load() }

// Done is closed once the room has stopped and flushed its final state.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) closed() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

// JoinParams identifies the participant attaching to the room.
type JoinParams struct {
	// ParticipantID is resupplied by reconnecting clients.
	ParticipantID string
	Nickname      string
	Sink          Sink
}

type JoinResult struct {
	Participant model.Participant
	Event       protocol.Event
}

// Apply submits op on behalf of actorID and waits for the committed event.
// Rejected operations return an error and leave the document unchanged.
// A Leave for an absent participant returns a zero event and no error.
func (r *Room) Apply(ctx context.Context, op protocol.Operation, actorID string) (protocol.Event, error) {
	res, err := r.submit(ctx, &request{kind: reqApply, op: op, actor: actorID})
	return res.event, err
}

// Join registers a participant, subscribes its sink and delivers the current
// snapshot to that sink ahead of the broadcast participants event.
func (r *Room) Join(ctx context.Context, params JoinParams) (JoinResult, error) {
	op := protocol.Operation{
		Kind:          protocol.OpJoin,
		ParticipantID: params.ParticipantID,
		Nickname:      params.Nickname,
	}
	req := &request{kind: reqApply, op: op, sink: params.Sink}
	res, err := r.submit(ctx, req)
	if err != nil {
		if req.abandoned {
			go r.undoJoin(req)
		}
		return JoinResult{}, err
	}
	return JoinResult{Participant: res.participant, Event: res.event}, nil
}

// undoJoin waits for a join whose caller gave up and detaches the participant
// if the join went through, so no participant stays online without a
// connection behind it.
func (r *Room) undoJoin(req *request) {
	var res response
	select {
	case res = <-req.reply:
	case <-r.done:
		return
	}
	if res.err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	if err := r.Leave(ctx, res.participant.ID, req.sink); err != nil && !errors.Is(err, ErrRoomClosed) {
		r.logger.Warn("undoing abandoned join failed", "participant_id", res.participant.ID, "error", err)
		return
	}
	r.logger.Info("abandoned join undone", "participant_id", res.participant.ID)
}

// Leave detaches the participant. When sink is non-nil the participant is
// only detached if that sink is still the one attached, so a stale
// connection cannot detach a newer one.
func (r *Room) Leave(ctx context.Context, participantID string, sink Sink) error {
	op := protocol.Operation{Kind: protocol.OpLeave}
	_, err := r.submit(ctx, &request{kind: reqApply, op: op, actor: participantID, sink: sink})
	return err
}

// Resync delivers a fresh snapshot to the participant's sink and returns it.
func (r *Room) Resync(ctx context.Context, participantID string) (model.Presentation, uint64, error) {
	res, err := r.submit(ctx, &request{kind: reqResync, actor: participantID})
	return res.snapshot, res.seq, err
}

// Snapshot returns a copy of the authoritative document.
func (r *Room) Snapshot(ctx context.Context) (model.Presentation, error) {
	res, err := r.submit(ctx, &request{kind: reqSnapshot})
	return res.snapshot, err
}

// Checkpoint saves the document when it changed since the last save. It
// reports whether a save happened.
func (r *Room) Checkpoint(ctx context.Context) (bool, error) {
	return r.checkpoint(ctx, false)
}

// Flush saves the document unconditionally.
func (r *Room) Flush(ctx context.Context) error {
	_, err := r.checkpoint(ctx, true)
	return err
}

func (r *Room) checkpoint(ctx context.Context, force bool) (bool, error) {
	res, err := r.submit(ctx, &request{kind: reqSnapshot})
	if err != nil {
		return false, err
	}
	return r.persist(ctx, res.snapshot, res.seq, force)
}

// release stops the room if nobody is attached. It is called by the registry
// while it holds its lock, so the emptiness check and the eviction happen in
// one critical section.
func (r *Room) release(ctx context.Context) (bool, error) {
	res, err := r.submit(ctx, &request{kind: reqRelease})
	return res.released, err
}

func (r *Room) submit(ctx context.Context, req *request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case r.requests <- req:
	case <-r.closing:
		return response{}, ErrRoomClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, res.err
	case <-ctx.Done():
		req.abandoned = true
		return response{}, ctx.Err()
	}
}

func (r *Room) run() {
	defer close(r.done)

	if r.after != nil {
		<-r.after
	}

	for {
		req := <-r.requests
		switch r.handle(req) {
		case outcomeContinue:
			continue
		case outcomeReleased:
			close(r.closing)
			r.finalFlush()
			r.logger.Info("room closed", "seq", r.seq)
			return
		case outcomeFailed:
			return
		}
	}
}

func (r *Room) handle(req *request) (result outcome) {
	defer func() {
		if v := recover(); v != nil {
			err := fmt.Errorf("%w: %v", ErrRoomFailed, v)
			r.logger.Error("room failed", "error", err, "stack", string(debug.Stack()))
			r.fail()
			select {
			case req.reply <- response{err: err}:
			default:
			}
			result = outcomeFailed
		}
	}()

	switch req.kind {
	case reqApply:
		res := r.applyRequest(req)
		r.online.Store(int32(len(r.sinks)))
		req.reply <- res
		r.notifyIfEmpty()

	case reqSnapshot:
		if err := r.ensureLoaded(); err != nil {
			req.reply <- response{err: err}
			return outcomeContinue
		}
		req.reply <- response{snapshot: r.doc.Clone(), seq: r.seq}

	case reqResync:
		res := r.resync(req.actor)
		r.online.Store(int32(len(r.sinks)))
		req.reply <- res
		r.notifyIfEmpty()

	case reqRelease:
		if len(r.sinks) > 0 {
			req.reply <- response{released: false}
			return outcomeContinue
		}
		req.reply <- response{released: true}
		return outcomeReleased
	}
	return outcomeContinue
}

func (r *Room) notifyIfEmpty() {
	if len(r.sinks) == 0 && r.onEmpty != nil {
		go r.onEmpty(r)
	}
}

func (r *Room) applyRequest(req *request) response {
	op := req.op
	res, err := r.dispatch(req)
	kind := string(op.Kind)
	if err != nil {
		errKind := ErrorKind(err)
		r.opts.Metrics.Rejected(context.Background(), kind, errKind)
		r.logger.Debug("operation rejected",
			"operation", kind,
			"participant_id", req.actor,
			"error", err,
			"error_kind", errKind,
		)
		return response{err: err}
	}
	if !res.event.IsZero() {
		r.opts.Metrics.Applied(context.Background(), kind)
	}
	return res
}

func (r *Room) dispatch(req *request) (response, error) {
	if err := r.ensureLoaded(); err != nil {
		return response{}, err
	}

	op := req.op
	if err := op.Validate(); err != nil {
		return response{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if op.PresentationID != "" && op.PresentationID != r.id {
		return response{}, fmt.Errorf("%w: operation addresses presentation %s", ErrInvalidOperation, op.PresentationID)
	}

	switch op.Kind {
	case protocol.OpJoin:
		return r.join(op, req.sink)
	case protocol.OpLeave:
		return response{event: r.leave(req.actor, req.sink)}, nil
	case protocol.OpResync:
		res := r.resync(req.actor)
		return res, res.err
	}

	actor, err := r.actor(req.actor)
	if err != nil {
		return response{}, err
	}
	if !policy.CanPerform(actor.Role, op.Kind) {
		return response{}, fmt.Errorf("%w: %s may not %s", ErrForbidden, actor.Role, op.Kind)
	}

	evt, err := r.mutate(op, actor)
	if err != nil {
		return response{}, err
	}
	return response{event: r.commit(evt)}, nil
}

func (r *Room) ensureLoaded() error {
	if r.loaded {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()

	doc, err := r.store.Load(ctx, r.id)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: presentation %s", ErrNotFound, r.id)
	}
	if err != nil {
		return fmt.Errorf("load presentation %s: %w", r.id, err)
	}

	doc.Normalize()
	if len(doc.Slides) == 0 {
		doc.Slides = append(doc.Slides, model.Slide{
			ID:         r.opts.NewID(),
			Title:      model.DefaultSlideTitle(1),
			TextBlocks: []model.TextBlock{},
		})
	}
	doc.Renumber()

	owner := false
	for i := range doc.Participants {
		doc.Participants[i].State = model.Offline
		if doc.Participants[i].Role == model.RoleOwner {
			if owner {
				r.logger.Warn("demoting extra owner found in catalog", "participant_id", doc.Participants[i].ID)
				doc.Participants[i].Role = model.RoleEditor
			}
			owner = true
		}
	}

	r.doc = doc
	r.loaded = true
	r.logger.Info("presentation loaded", "slides", len(doc.Slides), "participants", len(doc.Participants))
	return nil
}

// commit stamps evt with the next sequence number and fans it out. The
// document invariants are re-checked first; a violation at this point is a
// defect and fails the room.
func (r *Room) commit(evt protocol.Event) protocol.Event {
	if err := r.doc.CheckInvariants(); err != nil {
		panic(err)
	}

	r.seq++
	evt.Seq = r.seq
	evt.PresentationID = r.id
	r.committed.Store(r.seq)
	r.publish(evt)
	return evt
}

// publish hands evt to every attached sink without blocking. Sinks that
// cannot take it are detached and marked offline, which is itself committed
// as a participants event.
func (r *Room) publish(evt protocol.Event) {
	var dropped []string
	for id, sink := range r.sinks {
		if sink == nil {
			continue
		}
		if !sink.Deliver(evt) {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		r.drop(dropped, evt.Seq)
	}
}

// drop detaches subscribers whose delivery failed and commits the resulting
// participants change.
func (r *Room) drop(ids []string, seq uint64) {
	for _, id := range ids {
		if sink := r.sinks[id]; sink != nil {
			sink.Close()
		}
		delete(r.sinks, id)
		if i := r.doc.ParticipantIndex(id); i >= 0 {
			r.doc.Participants[i].State = model.Offline
		}
		r.logger.Warn("subscriber dropped",
			"participant_id", id,
			"seq", seq,
			"error_kind", ErrorKind(ErrTransportFailure),
		)
	}
	r.commit(r.participantsEvent())
}

func (r *Room) participantsEvent() protocol.Event {
	return protocol.Event{
		Kind:         protocol.EventParticipantsChanged,
		Participants: model.CloneParticipants(r.doc.Participants),
	}
}

func (r *Room) snapshotEvent() protocol.Event {
	doc := r.doc.Clone()
	return protocol.Event{
		Kind:           protocol.EventSnapshot,
		Seq:            r.seq,
		PresentationID: r.id,
		Snapshot:       &doc,
	}
}

func (r *Room) resync(participantID string) response {
	if err := r.ensureLoaded(); err != nil {
		return response{err: err}
	}
	sink, ok := r.sinks[participantID]
	if !ok {
		return response{err: fmt.Errorf("%w: participant %s is not in the room", ErrNotFound, participantID)}
	}
	evt := r.snapshotEvent()
	if sink != nil && !sink.Deliver(evt) {
		r.drop([]string{participantID}, evt.Seq)
		return response{err: fmt.Errorf("%w: snapshot for %s", ErrTransportFailure, participantID)}
	}
	return response{snapshot: *evt.Snapshot, seq: evt.Seq}
}

func (r *Room) persist(ctx context.Context, doc model.Presentation, seq uint64, force bool) (bool, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if seq < r.savedSeq || (!force && seq == r.savedSeq) {
		return false, nil
	}
	if err := r.store.Save(ctx, doc); err != nil {
		return false, err
	}
	r.savedSeq = seq
	return true, nil
}

func (r *Room) finalFlush() {
	if !r.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()

	if _, err := r.persist(ctx, r.doc.Clone(), r.seq, true); err != nil {
		r.logger.Error("failed to save presentation", "error", err)
	}
}

// fail isolates a room that hit a defect: subscribers are disconnected so they
// resync against a fresh incarnation, and nothing is saved.
func (r *Room) fail() {
	for _, sink := range r.sinks {
		if sink != nil {
			sink.Close()
		}
	}
	r.sinks = make(map[string]Sink)
	r.online.Store(0)
	close(r.closing)
	if r.onFail != nil {
		go r.onFail(r)
	}
}
