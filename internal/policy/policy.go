// Package policy decides which roles may perform which operations.
package policy

import (
	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
)

type grant map[model.Role]bool

var (
	ownerOnly = grant{model.RoleOwner: true}
	editing   = grant{model.RoleOwner: true, model.RoleEditor: true}
	everyone  = grant{model.RoleOwner: true, model.RoleEditor: true, model.RoleViewer: true}
)

var table = map[protocol.OperationKind]grant{
	protocol.OpAddSlide:              ownerOnly,
	protocol.OpRemoveSlide:           ownerOnly,
	protocol.OpUpdateSlide:           editing,
	protocol.OpAddTextBlock:          editing,
	protocol.OpUpdateTextBlock:       editing,
	protocol.OpRemoveTextBlock:       editing,
	protocol.OpUpdateParticipantRole: ownerOnly,
	protocol.OpJoin:                  everyone,
	protocol.OpLeave:                 everyone,
	protocol.OpResync:                everyone,
}

// CanPerform reports whether a participant holding role may submit an
// operation of the given kind. Unknown roles and kinds are denied.
func CanPerform(role model.Role, kind protocol.OperationKind) bool {
	return table[kind][role]
}
