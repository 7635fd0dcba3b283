package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/catalog"
	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
	"github.com/manpreetbhatti/deckroom/internal/room"
	"github.com/manpreetbhatti/deckroom/internal/ws"
)

func setupServer(t *testing.T) (*room.Registry, string, func()) {
	t.Helper()

	store := catalog.NewMemory()
	store.Put(basePresentation())
	registry := room.NewRegistry(store, room.Options{})
	hub := ws.NewHub(registry, ws.DefaultConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	}))
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")

	cleanup := func() {
		server.Close()
		registry.Shutdown(context.Background())
		cancel()
	}
	return registry, endpoint, cleanup
}

func startConn(t *testing.T, ctx context.Context, endpoint, nickname string) (*Conn, chan protocol.Event) {
	t.Helper()

	events := make(chan protocol.Event, 256)
	c, err := Dial(ctx, endpoint, "p1", nickname, ConnOptions{
		Window:         20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		OnEvent:        func(evt protocol.Event) { events <- evt },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	go c.Run(ctx)
	return c, events
}

func waitEvent(t *testing.T, events chan protocol.Event, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			if match(evt) {
				return evt
			}
		case <-timeout:
			t.Fatal("Timed out waiting for event")
			return protocol.Event{}
		}
	}
}

func kindIs(kind protocol.EventKind) func(protocol.Event) bool {
	return func(evt protocol.Event) bool { return evt.Kind == kind }
}

func TestConnJoinLoadsMirror(t *testing.T) {
	_, endpoint, cleanup := setupServer(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, events := startConn(t, ctx, endpoint, "alice")
	defer c.Close()

	if c.ParticipantID() != "alice-id" {
		t.Errorf("Expected the creator's participant id, got %q", c.ParticipantID())
	}
	waitEvent(t, events, kindIs(protocol.EventParticipantsChanged))

	doc, seq, ok := c.Reconciler().Snapshot()
	if !ok || seq != 1 {
		t.Fatalf("Expected a mirror at seq 1, got ok=%v seq=%d", ok, seq)
	}
	if doc.Participants[0].State != model.Online {
		t.Error("Expected the mirror to show alice online")
	}
}

func TestEditorsConverge(t *testing.T) {
	registry, endpoint, cleanup := setupServer(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, aliceEvents := startConn(t, ctx, endpoint, "alice")
	defer alice.Close()
	waitEvent(t, aliceEvents, kindIs(protocol.EventParticipantsChanged))

	bob, bobEvents := startConn(t, ctx, endpoint, "bob")
	defer bob.Close()
	waitEvent(t, bobEvents, kindIs(protocol.EventParticipantsChanged))

	if err := alice.Reconciler().Submit(protocol.Operation{
		Kind:          protocol.OpUpdateParticipantRole,
		ParticipantID: bob.ParticipantID(),
		Role:          model.RoleEditor,
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitEvent(t, bobEvents, func(evt protocol.Event) bool {
		for _, p := range evt.Participants {
			if p.ID == bob.ParticipantID() && p.Role == model.RoleEditor {
				return true
			}
		}
		return false
	})

	alice.Reconciler().Edit(textEdit("from alice"))
	bob.Reconciler().Edit(textEdit("from bob"))
	alice.Reconciler().Flush()
	bob.Reconciler().Flush()

	r, ok := registry.Lookup("p1")
	if !ok {
		t.Fatal("Expected a live room")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		doc, _ := r.Snapshot(context.Background())
		want := blockContent(doc, "s1", "b1")
		a, aseq, _ := alice.Reconciler().Snapshot()
		b, bseq, _ := bob.Reconciler().Snapshot()
		if want != "hello" && aseq == r.Seq() && bseq == r.Seq() &&
			blockContent(a, "s1", "b1") == want && blockContent(b, "s1", "b1") == want {
			av, _ := alice.Reconciler().View()
			bv, _ := bob.Reconciler().View()
			if blockContent(av, "s1", "b1") == want && blockContent(bv, "s1", "b1") == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Editors did not converge on the room's final value")
}

func TestConnReconnectResyncs(t *testing.T) {
	_, endpoint, cleanup := setupServer(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, events := startConn(t, ctx, endpoint, "alice")
	defer c.Close()
	waitEvent(t, events, kindIs(protocol.EventParticipantsChanged))
	id := c.ParticipantID()

	// Drop the transport underneath the reader.
	c.mu.Lock()
	c.ws.Close()
	c.mu.Unlock()

	waitEvent(t, events, kindIs(protocol.EventSnapshot))
	if c.ParticipantID() != id {
		t.Errorf("Expected to rejoin as %s, got %s", id, c.ParticipantID())
	}
	if _, _, ok := c.Reconciler().Snapshot(); !ok {
		t.Error("Expected a fresh mirror after reconnecting")
	}

	if err := c.Reconciler().Submit(protocol.Operation{Kind: protocol.OpAddSlide, Slide: &model.Slide{Title: "After"}}); err != nil {
		t.Fatalf("Submit after reconnect failed: %v", err)
	}
	evt := waitEvent(t, events, kindIs(protocol.EventSlideAdded))
	if evt.Slide.Title != "After" {
		t.Errorf("Unexpected slide %+v", evt.Slide)
	}
}
