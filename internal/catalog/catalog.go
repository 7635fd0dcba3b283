// Package catalog defines the durable store that holds presentations between
// room lifetimes.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manpreetbhatti/deckroom/internal/model"
)

// ErrNotFound is returned when the requested presentation does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Store is the persistence and listing collaborator of the room engine.
type Store interface {
	List(ctx context.Context, limit, offset int) ([]model.Summary, error)
	Create(ctx context.Context, title, creatorNickname string) (model.Presentation, error)
	Load(ctx context.Context, id string) (model.Presentation, error)
	Save(ctx context.Context, p model.Presentation) error
	Delete(ctx context.Context, id string) error
}

// NewPresentation builds a freshly created presentation: one empty slide and
// the creator registered as the offline owner.
func NewPresentation(title, creatorNickname string, now time.Time) model.Presentation {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled presentation"
	}
	creatorID := uuid.NewString()
	return model.Presentation{
		ID:              uuid.NewString(),
		Title:           title,
		CreatorID:       creatorID,
		CreatorNickname: creatorNickname,
		CreatedAt:       now.UTC(),
		Slides: []model.Slide{{
			ID:         uuid.NewString(),
			Title:      model.DefaultSlideTitle(1),
			Order:      0,
			TextBlocks: []model.TextBlock{},
		}},
		Participants: []model.Participant{{
			ID:       creatorID,
			Nickname: creatorNickname,
			Role:     model.RoleOwner,
			State:    model.Offline,
		}},
	}
}

// Memory is an in-process Store. It is used by tests and by tools that do not
// need durability.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]model.Presentation
	updated map[string]time.Time
	saves   int
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]model.Presentation),
		updated: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) List(ctx context.Context, limit, offset int) ([]model.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]model.Summary, 0, len(m.docs))
	for id, p := range m.docs {
		summaries = append(summaries, model.Summary{
			ID:              id,
			Title:           p.Title,
			CreatorNickname: p.CreatorNickname,
			SlideCount:      len(p.Slides),
			CreatedAt:       p.CreatedAt,
			UpdatedAt:       m.updated[id],
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	if offset >= len(summaries) {
		return []model.Summary{}, nil
	}
	summaries = summaries[offset:]
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (m *Memory) Create(ctx context.Context, title, creatorNickname string) (model.Presentation, error) {
	p := NewPresentation(title, creatorNickname, m.now())
	if err := m.Save(ctx, p); err != nil {
		return model.Presentation{}, err
	}
	return p, nil
}

// Put stores p as-is, replacing any previous copy. It does not count as a save.
func (m *Memory) Put(p model.Presentation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[p.ID] = p.Clone()
	m.updated[p.ID] = m.now()
}

func (m *Memory) Load(ctx context.Context, id string) (model.Presentation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.docs[id]
	if !ok {
		return model.Presentation{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, p model.Presentation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[p.ID] = p.Clone()
	m.updated[p.ID] = m.now()
	m.saves++
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.updated, id)
	return nil
}

// Saves returns how many times Save has been called.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
