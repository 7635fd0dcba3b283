package model

import (
	"errors"
	"testing"
)

func samplePresentation() Presentation {
	return Presentation{
		ID:    "p1",
		Title: "Deck",
		Slides: []Slide{
			{ID: "s1", Title: "Slide 1", Order: 0, TextBlocks: []TextBlock{{ID: "b1", Content: "hello"}}},
			{ID: "s2", Title: "Slide 2", Order: 1},
		},
		Participants: []Participant{
			{ID: "u1", Nickname: "ann", Role: RoleOwner, State: Online},
			{ID: "u2", Nickname: "bob", Role: RoleViewer, State: Offline},
		},
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"owner", RoleOwner, false},
		{"creator", RoleOwner, false},
		{" Editor ", RoleEditor, false},
		{"viewer", RoleViewer, false},
		{"admin", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := samplePresentation()
	c := p.Clone()

	c.Slides[0].TextBlocks[0].Content = "changed"
	c.Slides[0].Title = "changed"
	c.Participants[0].Role = RoleEditor

	if p.Slides[0].TextBlocks[0].Content != "hello" {
		t.Error("Clone shares text blocks with the original")
	}
	if p.Slides[0].Title != "Slide 1" {
		t.Error("Clone shares slides with the original")
	}
	if p.Participants[0].Role != RoleOwner {
		t.Error("Clone shares participants with the original")
	}
	if c.Slides[1].TextBlocks == nil {
		t.Error("Clone should never produce nil text blocks")
	}
}

func TestRenumber(t *testing.T) {
	p := samplePresentation()
	p.Slides = p.Slides[1:]
	p.Renumber()

	if p.Slides[0].Order != 0 {
		t.Errorf("Expected order 0, got %d", p.Slides[0].Order)
	}
	if got := p.SlideOrder(); len(got) != 1 || got[0] != "s2" {
		t.Errorf("Unexpected slide order %v", got)
	}
}

func TestCheckInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Presentation)
		ok     bool
	}{
		{"valid", func(p *Presentation) {}, true},
		{"no slides", func(p *Presentation) { p.Slides = nil }, false},
		{"order mismatch", func(p *Presentation) { p.Slides[1].Order = 5 }, false},
		{"duplicate slide", func(p *Presentation) { p.Slides[1].ID = "s1" }, false},
		{"duplicate block", func(p *Presentation) {
			p.Slides[0].TextBlocks = append(p.Slides[0].TextBlocks, TextBlock{ID: "b1"})
		}, false},
		{"two owners", func(p *Presentation) { p.Participants[1].Role = RoleOwner }, false},
		{"no owner", func(p *Presentation) { p.Participants[0].Role = RoleEditor }, false},
		{"bad role", func(p *Presentation) { p.Participants[1].Role = "admin" }, false},
		{"no participants yet", func(p *Presentation) { p.Participants = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePresentation()
			tt.mutate(&p)
			err := p.CheckInvariants()
			if tt.ok && err != nil {
				t.Errorf("Expected valid document, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvariant) {
				t.Errorf("Expected ErrInvariant, got %v", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	p := Presentation{Slides: []Slide{{ID: "s1"}}}
	p.Normalize()

	if p.Participants == nil || p.Slides[0].TextBlocks == nil {
		t.Error("Normalize should replace nil slices")
	}
}
