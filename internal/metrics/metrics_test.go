package metrics

import (
	"context"
	"testing"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.Applied(ctx, "add-slide")
	r.Rejected(ctx, "add-slide", "forbidden")
	r.ConnectionOpened(ctx)
	r.ConnectionClosed(ctx)
	r.RoomOpened(ctx)
	r.RoomClosed(ctx)
}

func TestCollectorTotals(t *testing.T) {
	c := NewCollector()
	defer c.Shutdown(context.Background())
	r := c.Recorder()
	ctx := context.Background()

	r.Applied(ctx, "update-text-block")
	r.Applied(ctx, "add-slide")
	r.Applied(ctx, "add-slide")
	r.Rejected(ctx, "remove-slide", "invariant_violation")
	r.ConnectionOpened(ctx)
	r.ConnectionOpened(ctx)
	r.ConnectionClosed(ctx)
	r.RoomOpened(ctx)

	totals, err := c.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}

	tests := []struct {
		name string
		want int64
	}{
		{"deckroom.operations.applied", 3},
		{"deckroom.operations.rejected", 1},
		{"deckroom.connections.active", 1},
		{"deckroom.rooms.active", 1},
	}
	for _, tt := range tests {
		if totals[tt.name] != tt.want {
			t.Errorf("Expected %s = %d, got %d", tt.name, tt.want, totals[tt.name])
		}
	}

	r.RoomClosed(ctx)
	totals, err = c.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals["deckroom.rooms.active"] != 0 {
		t.Errorf("Expected no active rooms, got %d", totals["deckroom.rooms.active"])
	}
}
