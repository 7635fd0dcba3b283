package room

import (
	"fmt"

	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
)

// actor returns the attached participant acting on the room.
func (r *Room) actor(id string) (model.Participant, error) {
	if _, ok := r.sinks[id]; !ok {
		return model.Participant{}, fmt.Errorf("%w: %s has not joined", ErrForbidden, id)
	}
	i := r.doc.ParticipantIndex(id)
	if i < 0 {
		return model.Participant{}, fmt.Errorf("%w: participant %s", ErrNotFound, id)
	}
	return r.doc.Participants[i], nil
}

// mutate validates op against the current document and applies it. Nothing is
// changed when an error is returned.
func (r *Room) mutate(op protocol.Operation, actor model.Participant) (protocol.Event, error) {
	switch op.Kind {
	case protocol.OpAddSlide:
		return r.addSlide(*op.Slide)
	case protocol.OpRemoveSlide:
		return r.removeSlide(op.SlideID)
	case protocol.OpUpdateSlide:
		return r.updateSlide(*op.Slide)
	case protocol.OpAddTextBlock:
		return r.addTextBlock(op.SlideID, *op.TextBlock)
	case protocol.OpUpdateTextBlock:
		return r.updateTextBlock(op.SlideID, *op.TextBlock)
	case protocol.OpRemoveTextBlock:
		return r.removeTextBlock(op.SlideID, op.TextBlockID)
	case protocol.OpUpdateParticipantRole:
		return r.updateRole(actor, op.ParticipantID, op.Role)
	}
	return protocol.Event{}, fmt.Errorf("%w: %s is not a mutation", ErrInvalidOperation, op.Kind)
}

// prepareSlide assigns missing ids and checks text block identity.
func (r *Room) prepareSlide(slide model.Slide) (model.Slide, error) {
	slide = slide.Clone()
	for i := range slide.TextBlocks {
		if slide.TextBlocks[i].ID == "" {
			slide.TextBlocks[i].ID = r.opts.NewID()
		}
	}
	if id, dup := slide.DuplicateBlockID(); dup {
		return model.Slide{}, fmt.Errorf("%w: text block %s appears twice", ErrInvariantViolation, id)
	}
	return slide, nil
}

func (r *Room) addSlide(in model.Slide) (protocol.Event, error) {
	slide, err := r.prepareSlide(in)
	if err != nil {
		return protocol.Event{}, err
	}
	if slide.ID == "" {
		slide.ID = r.opts.NewID()
	}
	if r.doc.SlideIndex(slide.ID) >= 0 {
		return protocol.Event{}, fmt.Errorf("%w: slide %s already exists", ErrInvariantViolation, slide.ID)
	}
	if slide.Title == "" {
		slide.Title = model.DefaultSlideTitle(len(r.doc.Slides) + 1)
	}
	slide.Order = len(r.doc.Slides)

	r.doc.Slides = append(r.doc.Slides, slide)

	out := slide.Clone()
	return protocol.Event{Kind: protocol.EventSlideAdded, Slide: &out}, nil
}

func (r *Room) removeSlide(slideID string) (protocol.Event, error) {
	i := r.doc.SlideIndex(slideID)
	if i < 0 {
		return protocol.Event{}, fmt.Errorf("%w: slide %s", ErrNotFound, slideID)
	}
	if len(r.doc.Slides) == 1 {
		return protocol.Event{}, fmt.Errorf("%w: cannot remove the last slide", ErrInvariantViolation)
	}

	r.doc.Slides = append(r.doc.Slides[:i], r.doc.Slides[i+1:]...)
	r.doc.Renumber()

	return protocol.Event{
		Kind:       protocol.EventSlideRemoved,
		SlideID:    slideID,
		SlideOrder: r.doc.SlideOrder(),
	}, nil
}

// updateSlide replaces the slide wholesale, text blocks included. The slide
// keeps its position.
func (r *Room) updateSlide(in model.Slide) (protocol.Event, error) {
	i := r.doc.SlideIndex(in.ID)
	if i < 0 {
		return protocol.Event{}, fmt.Errorf("%w: slide %s", ErrNotFound, in.ID)
	}
	slide, err := r.prepareSlide(in)
	if err != nil {
		return protocol.Event{}, err
	}
	slide.Order = i

	r.doc.Slides[i] = slide

	out := slide.Clone()
	return protocol.Event{Kind: protocol.EventSlideUpdated, Slide: &out}, nil
}

func (r *Room) addTextBlock(slideID string, block model.TextBlock) (protocol.Event, error) {
	i := r.doc.SlideIndex(slideID)
	if i < 0 {
		return protocol.Event{}, fmt.Errorf("%w: slide %s", ErrNotFound, slideID)
	}
	slide := &r.doc.Slides[i]
	if block.ID == "" {
		block.ID = r.opts.NewID()
	}
	if slide.BlockIndex(block.ID) >= 0 {
		return protocol.Event{}, fmt.Errorf("%w: text block %s already exists", ErrInvariantViolation, block.ID)
	}

	slide.TextBlocks = append(slide.TextBlocks, block)

	return protocol.Event{Kind: protocol.EventTextBlockAdded, SlideID: slideID, TextBlock: &block}, nil
}

func (r *Room) updateTextBlock(slideID string, block model.TextBlock) (protocol.Event, error) {
	i := r.doc.SlideIndex(slideID)
	if i < 0 {
		return protocol.Event{}, fmt.Errorf("%w: slide %s", ErrNotFound, slideID)
	}
	slide := &r.doc.Slides[i]
	j := slide.BlockIndex(block.ID)
	if j < 0 {
		return protocol.Event{}, fmt.Errorf("%w: text block %s", ErrNotFound, block.ID)
	}

	slide.TextBlocks[j] = block

	return protocol.Event{Kind: protocol.EventTextBlockUpdated, SlideID: slideID, TextBlock: &block}, nil
}

func (r *Room) removeTextBlock(slideID, blockID string) (protocol.Event, error) {
	i := r.doc.SlideIndex(slideID)
	if i < 0 {
		return protocol.Event{}, fmt.Errorf("%w: slide %s", ErrNotFound, slideID)
	}
	slide := &r.doc.Slides[i]
	j := slide.BlockIndex(blockID)
	if j < 0 {
		return protocol.Event{}, fmt.Errorf("%w: text block %s", ErrNotFound, blockID)
	}

	slide.TextBlocks = append(slide.TextBlocks[:j], slide.TextBlocks[j+1:]...)

	return protocol.Event{Kind: protocol.EventTextBlockRemoved, SlideID: slideID, TextBlockID: blockID}, nil
}

// updateRole changes another participant's role. Promoting someone to owner
// demotes the acting owner to editor in the same step.
func (r *Room) updateRole(actor model.Participant, targetID string, role model.Role) (protocol.Event, error) {
	if targetID == actor.ID {
		return protocol.Event{}, fmt.Errorf("%w: owners cannot change their own role", ErrInvariantViolation)
	}
	t := r.doc.ParticipantIndex(targetID)
	if t < 0 {
		return protocol.Event{}, fmt.Errorf("%w: participant %s", ErrNotFound, targetID)
	}
	a := r.doc.ParticipantIndex(actor.ID)

	if role == model.RoleOwner {
		r.doc.Participants[a].Role = model.RoleEditor
	}
	r.doc.Participants[t].Role = role

	return r.participantsEvent(), nil
}

func (r *Room) join(op protocol.Operation, sink Sink) (response, error) {
	i := -1
	if op.ParticipantID != "" {
		i = r.doc.ParticipantIndex(op.ParticipantID)
	}
	// A nickname match only reclaims the creator while nobody holds that
	// participant; otherwise the joiner is a new viewer.
	if i < 0 && r.doc.CreatorID != "" && op.Nickname == r.doc.CreatorNickname {
		if _, attached := r.sinks[r.doc.CreatorID]; !attached {
			i = r.doc.ParticipantIndex(r.doc.CreatorID)
		}
	}

	// The joiner's snapshot is the state before its own join; the
	// participants event that follows carries the join itself.
	if sink != nil && !sink.Deliver(r.snapshotEvent()) {
		sink.Close()
		return response{}, fmt.Errorf("%w: snapshot for %s", ErrTransportFailure, op.Nickname)
	}

	if i < 0 {
		r.doc.Participants = append(r.doc.Participants, model.Participant{
			ID:   r.opts.NewID(),
			Role: model.RoleViewer,
		})
		i = len(r.doc.Participants) - 1
	}
	pt := &r.doc.Participants[i]
	pt.Nickname = op.Nickname
	pt.State = model.Online
	if r.doc.OwnerCount() == 0 {
		pt.Role = model.RoleOwner
	}
	if r.doc.CreatorID == "" || r.doc.CreatorID == pt.ID {
		r.doc.CreatorID = pt.ID
		r.doc.CreatorNickname = pt.Nickname
	}
	joined := *pt

	if prev, ok := r.sinks[joined.ID]; ok && prev != nil && prev != sink {
		prev.Close()
	}
	r.sinks[joined.ID] = sink

	r.logger.Info("participant joined", "participant_id", joined.ID, "role", joined.Role)
	evt := r.commit(r.participantsEvent())
	return response{event: evt, participant: joined}, nil
}

// leave detaches a participant. Leaving twice, or leaving from a connection
// that has been superseded, is a no-op.
func (r *Room) leave(participantID string, sink Sink) protocol.Event {
	current, ok := r.sinks[participantID]
	if !ok {
		return protocol.Event{}
	}
	if sink != nil && current != sink {
		return protocol.Event{}
	}

	delete(r.sinks, participantID)
	if current != nil {
		current.Close()
	}
	if i := r.doc.ParticipantIndex(participantID); i >= 0 {
		r.doc.Participants[i].State = model.Offline
	}

	r.logger.Info("participant left", "participant_id", participantID, "online", len(r.sinks))
	return r.commit(r.participantsEvent())
}
