package protocol

import (
	"github.com/manpreetbhatti/deckroom/internal/model"
)

// Represents the kind of client intent
type OperationKind string

const (
	OpJoin                  OperationKind = "join"
	OpLeave                 OperationKind = "leave"
	OpAddSlide              OperationKind = "add-slide"
	OpRemoveSlide           OperationKind = "remove-slide"
	OpUpdateSlide           OperationKind = "update-slide"
	OpAddTextBlock          OperationKind = "add-text-block"
	OpUpdateTextBlock       OperationKind = "update-text-block"
	OpRemoveTextBlock       OperationKind = "remove-text-block"
	OpUpdateParticipantRole OperationKind = "update-participant-role"

	// Asks for a fresh snapshot; never mutates
	OpResync OperationKind = "resync"
)

// Kinds lists every operation kind the room understands.
var Kinds = []OperationKind{
	OpJoin, OpLeave,
	OpAddSlide, OpRemoveSlide, OpUpdateSlide,
	OpAddTextBlock, OpUpdateTextBlock, OpRemoveTextBlock,
	OpUpdateParticipantRole, OpResync,
}

func (k OperationKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// HighFrequency reports whether edits of this kind are coalesced client-side.
func (k OperationKind) HighFrequency() bool {
	return k == OpUpdateSlide || k == OpUpdateTextBlock
}

// Represents the kind of authoritative state change
type EventKind string

const (
	// Full document, sent only to a joining or resyncing participant
	EventSnapshot EventKind = "presentation-updated"

	EventSlideAdded          EventKind = "slide-added"
	EventSlideUpdated        EventKind = "slide-updated"
	EventSlideRemoved        EventKind = "slide-removed"
	EventTextBlockAdded      EventKind = "text-block-added"
	EventTextBlockUpdated    EventKind = "text-block-updated"
	EventTextBlockRemoved    EventKind = "text-block-removed"
	EventParticipantsChanged EventKind = "participants-updated"

	// Operation rejection, sent only to the requester
	EventError EventKind = "error"
)

// Operation is a client-submitted intent. Only the fields relevant to Kind
// are set.
type Operation struct {
	Kind           OperationKind    `json:"-"`
	PresentationID string           `json:"-"`
	SlideID        string           `json:"slideId,omitempty"`
	TextBlockID    string           `json:"textBlockId,omitempty"`
	Slide          *model.Slide     `json:"slide,omitempty"`
	TextBlock      *model.TextBlock `json:"textBlock,omitempty"`
	ParticipantID  string           `json:"participantId,omitempty"`
	Nickname       string           `json:"nickname,omitempty"`
	Role           model.Role       `json:"role,omitempty"`
}

// Event carries the resulting authoritative value of a committed operation.
type Event struct {
	Kind           EventKind           `json:"-"`
	Seq            uint64              `json:"-"`
	PresentationID string              `json:"presentationId,omitempty"`
	Snapshot       *model.Presentation `json:"presentation,omitempty"`
	Slide          *model.Slide        `json:"slide,omitempty"`
	SlideID        string              `json:"slideId,omitempty"`
	TextBlock      *model.TextBlock    `json:"textBlock,omitempty"`
	TextBlockID    string              `json:"textBlockId,omitempty"`
	SlideOrder     []string            `json:"slideOrder,omitempty"`
	Participants   []model.Participant `json:"participants,omitempty"`
	Error          *ErrorPayload       `json:"error,omitempty"`
}

// IsZero reports whether no event was produced.
func (e Event) IsZero() bool {
	return e.Kind == ""
}

type ErrorPayload struct {
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Operation OperationKind `json:"operation,omitempty"`
}

// Session handshake. The participant id assigned by the room is returned on
// the upgrade response so that a reconnecting client can resupply it.
const (
	ParticipantHeader = "X-Deckroom-Participant"

	QueryPresentation = "presentation"
	QueryNickname     = "nickname"
	QueryParticipant  = "participant"
)
