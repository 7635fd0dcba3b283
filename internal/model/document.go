package model

import (
	"errors"
	"fmt"
)

// Clone returns a copy of the slide that shares no memory with s.
// TextBlocks is never nil in the result.
func (s Slide) Clone() Slide {
	out := s
	out.TextBlocks = make([]TextBlock, len(s.TextBlocks))
	copy(out.TextBlocks, s.TextBlocks)
	return out
}

// BlockIndex returns the position of the text block with the given id, or -1.
func (s *Slide) BlockIndex(id string) int {
	for i := range s.TextBlocks {
		if s.TextBlocks[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the presentation.
func (p Presentation) Clone() Presentation {
	out := p
	out.Slides = make([]Slide, len(p.Slides))
	for i := range p.Slides {
		out.Slides[i] = p.Slides[i].Clone()
	}
	out.Participants = CloneParticipants(p.Participants)
	return out
}

func CloneParticipants(in []Participant) []Participant {
	out := make([]Participant, len(in))
	copy(out, in)
	return out
}

func (p *Presentation) SlideIndex(id string) int {
	for i := range p.Slides {
		if p.Slides[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *Presentation) ParticipantIndex(id string) int {
	for i := range p.Participants {
		if p.Participants[i].ID == id {
			return i
		}
	}
	return -1
}

// ParticipantByNickname returns the index of the first participant with the
// nickname, or -1.
func (p *Presentation) ParticipantByNickname(nickname string) int {
	for i := range p.Participants {
		if p.Participants[i].Nickname == nickname {
			return i
		}
	}
	return -1
}

// Renumber rewrites every slide's Order to match its position.
func (p *Presentation) Renumber() {
	for i := range p.Slides {
		p.Slides[i].Order = i
	}
}

// SlideOrder lists slide ids in display order.
func (p *Presentation) SlideOrder() []string {
	ids := make([]string, len(p.Slides))
	for i := range p.Slides {
		ids[i] = p.Slides[i].ID
	}
	return ids
}

func (p *Presentation) OwnerCount() int {
	n := 0
	for i := range p.Participants {
		if p.Participants[i].Role == RoleOwner {
			n++
		}
	}
	return n
}

// Normalize replaces nil slices with empty ones so that documents built from
// JSON and documents built in memory compare equal.
func (p *Presentation) Normalize() {
	if p.Slides == nil {
		p.Slides = []Slide{}
	}
	if p.Participants == nil {
		p.Participants = []Participant{}
	}
	for i := range p.Slides {
		if p.Slides[i].TextBlocks == nil {
			p.Slides[i].TextBlocks = []TextBlock{}
		}
	}
}

var ErrInvariant = errors.New("model: document invariant violated")

// CheckInvariants verifies the structural guarantees every committed
// document must satisfy.
func (p *Presentation) CheckInvariants() error {
	if len(p.Slides) == 0 {
		return fmt.Errorf("%w: presentation %s has no slides", ErrInvariant, p.ID)
	}
	slideIDs := make(map[string]struct{}, len(p.Slides))
	for i := range p.Slides {
		s := &p.Slides[i]
		if s.Order != i {
			return fmt.Errorf("%w: slide %s has order %d at position %d", ErrInvariant, s.ID, s.Order, i)
		}
		if _, dup := slideIDs[s.ID]; dup {
			return fmt.Errorf("%w: duplicate slide id %s", ErrInvariant, s.ID)
		}
		slideIDs[s.ID] = struct{}{}
		if err := s.checkBlocks(); err != nil {
			return err
		}
	}
	owners := 0
	participantIDs := make(map[string]struct{}, len(p.Participants))
	for _, pt := range p.Participants {
		if _, dup := participantIDs[pt.ID]; dup {
			return fmt.Errorf("%w: duplicate participant id %s", ErrInvariant, pt.ID)
		}
		participantIDs[pt.ID] = struct{}{}
		if !pt.Role.Valid() {
			return fmt.Errorf("%w: participant %s has role %q", ErrInvariant, pt.ID, pt.Role)
		}
		if pt.Role == RoleOwner {
			owners++
		}
	}
	if len(p.Participants) > 0 && owners != 1 {
		return fmt.Errorf("%w: %d owners", ErrInvariant, owners)
	}
	return nil
}

// DuplicateBlockID returns the first text block id that appears twice, if any.
func (s *Slide) DuplicateBlockID() (string, bool) {
	seen := make(map[string]struct{}, len(s.TextBlocks))
	for _, b := range s.TextBlocks {
		if _, dup := seen[b.ID]; dup {
			return b.ID, true
		}
		seen[b.ID] = struct{}{}
	}
	return "", false
}

func (s *Slide) checkBlocks() error {
	if id, dup := s.DuplicateBlockID(); dup {
		return fmt.Errorf("%w: duplicate text block id %s on slide %s", ErrInvariant, id, s.ID)
	}
	return nil
}
