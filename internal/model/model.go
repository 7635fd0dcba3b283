package model

import (
	"fmt"
	"strings"
	"time"
)

// Role gates what a participant may do inside a presentation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// ParseRole accepts the role names used on the wire. "creator" is the
// bootstrap alias for the owner role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner", "creator":
		return RoleOwner, nil
	case "editor":
		return RoleEditor, nil
	case "viewer":
		return RoleViewer, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type ConnectionState string

const (
	Online  ConnectionState = "online"
	Offline ConnectionState = "offline"
)

// A positioned block of markdown text on a slide
type TextBlock struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	FontSize   float64 `json:"fontSize"`
	FontWeight string  `json:"fontWeight"`
	Color      string  `json:"color"`
}

type Slide struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Order      int         `json:"order"`
	TextBlocks []TextBlock `json:"textBlocks"`
}

type Participant struct {
	ID       string          `json:"id"`
	Nickname string          `json:"nickname"`
	Role     Role            `json:"role"`
	State    ConnectionState `json:"connectionState"`
}

// Presentation is the shared document. Slides are kept in display order.
type Presentation struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	CreatorID       string        `json:"creatorId"`
	CreatorNickname string        `json:"creatorNickname"`
	CreatedAt       time.Time     `json:"createdAt"`
	Slides          []Slide       `json:"slides"`
	Participants    []Participant `json:"participants"`
}

// Summary is the catalog listing view of a presentation.
type Summary struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CreatorNickname string    `json:"creatorNickname"`
	SlideCount      int       `json:"slideCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultSlideTitle names the n-th slide (1-based).
func DefaultSlideTitle(n int) string {
	return fmt.Sprintf("Slide %d", n)
}
