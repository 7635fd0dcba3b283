package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/deckroom/internal/model"
)

// ErrMalformed is returned for messages that cannot be turned into a valid
// operation or event.
var ErrMalformed = errors.New("protocol: malformed message")

// Inbound is the client → server envelope.
type Inbound struct {
	Type           OperationKind   `json:"type"`
	PresentationID string          `json:"presentationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the server → client envelope.
type Outbound struct {
	Type    EventKind       `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks that the fields required by the operation kind are present
// and normalizes the role alias.
func (op *Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrMalformed, op.Kind)
	}

	switch op.Kind {
	case OpJoin:
		if op.Nickname == "" {
			return fmt.Errorf("%w: join requires a nickname", ErrMalformed)
		}
	case OpAddSlide:
		if op.Slide == nil {
			return fmt.Errorf("%w: %s requires a slide", ErrMalformed, op.Kind)
		}
	case OpUpdateSlide:
		if op.Slide == nil || op.Slide.ID == "" {
			return fmt.Errorf("%w: %s requires a slide with an id", ErrMalformed, op.Kind)
		}
	case OpRemoveSlide:
		if op.SlideID == "" {
			return fmt.Errorf("%w: %s requires slideId", ErrMalformed, op.Kind)
		}
	case OpAddTextBlock:
		if op.SlideID == "" || op.TextBlock == nil {
			return fmt.Errorf("%w: %s requires slideId and textBlock", ErrMalformed, op.Kind)
		}
	case OpUpdateTextBlock:
		if op.SlideID == "" || op.TextBlock == nil || op.TextBlock.ID == "" {
			return fmt.Errorf("%w: %s requires slideId and a textBlock with an id", ErrMalformed, op.Kind)
		}
	case OpRemoveTextBlock:
		if op.SlideID == "" || op.TextBlockID == "" {
			return fmt.Errorf("%w: %s requires slideId and textBlockId", ErrMalformed, op.Kind)
		}
	case OpUpdateParticipantRole:
		if op.ParticipantID == "" {
			return fmt.Errorf("%w: %s requires participantId", ErrMalformed, op.Kind)
		}
		role, err := model.ParseRole(string(op.Role))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		op.Role = role
	}
	return nil
}

// DecodeOperation parses and validates an inbound message.
func DecodeOperation(data []byte) (Operation, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var op Operation
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		if err := json.Unmarshal(in.Payload, &op); err != nil {
			return Operation{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, in.Type, err)
		}
	}
	op.Kind = in.Type
	op.PresentationID = in.PresentationID

	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// EncodeOperation produces the inbound wire form of op.
func EncodeOperation(op Operation) ([]byte, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Inbound{
		Type:           op.Kind,
		PresentationID: op.PresentationID,
		Payload:        payload,
	})
}

// EncodeEvent produces the outbound wire form of evt.
func EncodeEvent(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Outbound{
		Type:    evt.Kind,
		Seq:     evt.Seq,
		Payload: payload,
	})
}

// DecodeEvent parses an outbound message.
func DecodeEvent(data []byte) (Event, error) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformed)
	}

	var evt Event
	if len(out.Payload) > 0 {
		if err := json.Unmarshal(out.Payload, &evt); err != nil {
			return Event{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, out.Type, err)
		}
	}
	evt.Kind = out.Type
	evt.Seq = out.Seq
	return evt, nil
}

// ErrorEvent builds the requester-only rejection message.
func ErrorEvent(kind OperationKind, code string, err error) Event {
	return Event{
		Kind: EventError,
		Error: &ErrorPayload{
			Code:      code,
			Message:   err.Error(),
			Operation: kind,
		},
	}
}
