package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/catalog"
	"github.com/manpreetbhatti/deckroom/internal/model"
)

const (
	maxJoinAttempts = 5
	releaseTimeout  = 5 * time.Second
)

// Registry maps presentation ids to live rooms. At most one room exists per
// presentation at any time; an empty room is evicted after its final save.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	flushing map[string]*Room
	store    catalog.Store
	opts     Options
}

func NewRegistry(store catalog.Store, opts Options) *Registry {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "registry")
	return &Registry{
		rooms:    make(map[string]*Room),
		flushing: make(map[string]*Room),
		store:    store,
		opts:     opts,
	}
}

// GetOrCreate returns the live room for id, creating it if needed. Concurrent
// callers for the same id receive the same room.
func (g *Registry) GetOrCreate(id string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getOrCreateLocked(id)
}

func (g *Registry) getOrCreateLocked(id string) *Room {
	if r, ok := g.rooms[id]; ok {
		if !r.closed() {
			return r
		}
		// A failed room that has not been evicted yet.
		delete(g.rooms, id)
		g.opts.Metrics.RoomClosed(context.Background())
	}

	var after <-chan struct{}
	if prev, ok := g.flushing[id]; ok {
		after = prev.done
	}
	r := newRoom(id, g.store, after, g.opts, g.onEmpty, g.onFail)
	g.rooms[id] = r
	g.opts.Metrics.RoomOpened(context.Background())
	return r
}

// Lookup returns the live room for id without creating one.
func (g *Registry) Lookup(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok || r.closed() {
		return nil, false
	}
	return r, true
}

// Join attaches a participant to the presentation's room, retrying against a
// fresh incarnation when it raced with an eviction.
func (g *Registry) Join(ctx context.Context, presentationID string, params JoinParams) (*Room, JoinResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		r := g.GetOrCreate(presentationID)
		res, err := r.Join(ctx, params)
		if err == nil {
			return r, res, nil
		}
		if !errors.Is(err, ErrRoomClosed) {
			return nil, JoinResult{}, err
		}
		lastErr = err
	}
	return nil, JoinResult{}, lastErr
}

// ReleaseIfEmpty evicts the room for id when nobody is attached to it. The
// room saves its document before its Done channel closes.
func (g *Registry) ReleaseIfEmpty(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[id]
	if !ok || r.Online() > 0 {
		return false
	}
	return g.releaseLocked(r)
}

func (g *Registry) releaseLocked(r *Room) bool {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	released, err := r.release(ctx)
	if err != nil {
		if !errors.Is(err, ErrRoomClosed) {
			g.opts.Logger.Warn("room release failed", "presentation_id", r.id, "error", err)
		}
		return false
	}
	if !released {
		return false
	}

	delete(g.rooms, r.id)
	g.flushing[r.id] = r
	g.opts.Metrics.RoomClosed(context.Background())
	go g.forget(r)
	return true
}

// forget drops an evicted room from the flushing set once its final save is done.
func (g *Registry) forget(r *Room) {
	<-r.done
	g.mu.Lock()
	if g.flushing[r.id] == r {
		delete(g.flushing, r.id)
	}
	g.mu.Unlock()
}

func (g *Registry) onEmpty(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[r.id] != r || r.Online() > 0 {
		return
	}
	g.releaseLocked(r)
}

func (g *Registry) onFail(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
		g.opts.Metrics.RoomClosed(context.Background())
	}
	g.opts.Logger.Error("room evicted after failure", "presentation_id", r.id)
}

// CurrentSnapshot returns the live document when a room exists, otherwise the
// catalog copy once any pending final save has completed.
func (g *Registry) CurrentSnapshot(ctx context.Context, id string) (model.Presentation, error) {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		g.mu.Lock()
		r, live := g.rooms[id]
		prev := g.flushing[id]
		g.mu.Unlock()

		if live && !r.closed() {
			doc, err := r.Snapshot(ctx)
			if errors.Is(err, ErrRoomClosed) {
				continue
			}
			return doc, err
		}
		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
				return model.Presentation{}, ctx.Err()
			}
		}

		doc, err := g.store.Load(ctx, id)
		if err != nil {
			return model.Presentation{}, err
		}
		doc.Normalize()
		for i := range doc.Participants {
			doc.Participants[i].State = model.Offline
		}
		return doc, nil
	}
	return model.Presentation{}, ErrRoomClosed
}

// ActiveRooms returns the number of attached participants per live room.
func (g *Registry) ActiveRooms() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.rooms))
	for id, r := range g.rooms {
		out[id] = r.Online()
	}
	return out
}

// Rooms returns the live rooms ordered by presentation id.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Shutdown saves every live room and waits for evicted rooms to finish their
// final saves.
func (g *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, r := range g.Rooms() {
		if err := r.Flush(ctx); err != nil && !errors.Is(err, ErrRoomClosed) && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}

	g.mu.Lock()
	pending := make([]*Room, 0, len(g.flushing))
	for _, r := range g.flushing {
		pending = append(pending, r)
	}
	g.mu.Unlock()

	for _, r := range pending {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}
