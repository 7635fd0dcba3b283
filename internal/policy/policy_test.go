package policy

import (
	"testing"

	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
)

func TestCanPerformEveryPair(t *testing.T) {
	type row struct{ owner, editor, viewer bool }

	expected := map[protocol.OperationKind]row{
		protocol.OpAddSlide:              {true, false, false},
		protocol.OpRemoveSlide:           {true, false, false},
		protocol.OpUpdateSlide:           {true, true, false},
		protocol.OpAddTextBlock:          {true, true, false},
		protocol.OpUpdateTextBlock:       {true, true, false},
		protocol.OpRemoveTextBlock:       {true, true, false},
		protocol.OpUpdateParticipantRole: {true, false, false},
		protocol.OpJoin:                  {true, true, true},
		protocol.OpLeave:                 {true, true, true},
		protocol.OpResync:                {true, true, true},
	}

	if len(expected) != len(protocol.Kinds) {
		t.Fatalf("Expectation table covers %d kinds, protocol defines %d", len(expected), len(protocol.Kinds))
	}

	for _, kind := range protocol.Kinds {
		want, ok := expected[kind]
		if !ok {
			t.Fatalf("No expectation for %s", kind)
		}
		for role, allowed := range map[model.Role]bool{
			model.RoleOwner:  want.owner,
			model.RoleEditor: want.editor,
			model.RoleViewer: want.viewer,
		} {
			if got := CanPerform(role, kind); got != allowed {
				t.Errorf("CanPerform(%s, %s) = %v, want %v", role, kind, got, allowed)
			}
		}
	}
}

func TestCanPerformDeniesUnknown(t *testing.T) {
	if CanPerform("admin", protocol.OpJoin) {
		t.Error("Unknown role should be denied")
	}
	if CanPerform(model.RoleOwner, "drop-table") {
		t.Error("Unknown operation should be denied")
	}
}
