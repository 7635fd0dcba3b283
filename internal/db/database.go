package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/deckroom/internal/catalog"
	"github.com/manpreetbhatti/deckroom/internal/model"
	_ "modernc.org/sqlite"
)

// Database is the durable presentation catalog.
type Database struct {
	db  *sql.DB
	now func() time.Time
}

var _ catalog.Store = (*Database)(nil)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "path", dbPath)
	return &Database{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS presentations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		creator_id TEXT NOT NULL DEFAULT '',
		creator_nickname TEXT NOT NULL DEFAULT '',
		slides BLOB NOT NULL,
		slide_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_presentations_updated_at ON presentations(updated_at DESC);

	CREATE TABLE IF NOT EXISTS participants (
		presentation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		nickname TEXT NOT NULL,
		role TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (presentation_id, id),
		FOREIGN KEY (presentation_id) REFERENCES presentations(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Presentation operations

func (d *Database) Create(ctx context.Context, title, creatorNickname string) (model.Presentation, error) {
	p := catalog.NewPresentation(title, creatorNickname, d.now())
	if err := d.Save(ctx, p); err != nil {
		return model.Presentation{}, err
	}
	return p, nil
}

// Save writes the whole document. Connection state is not persisted; every
// participant loads as offline.
func (d *Database) Save(ctx context.Context, p model.Presentation) error {
	slides := p.Slides
	if slides == nil {
		slides = []model.Slide{}
	}
	data, err := json.Marshal(slides)
	if err != nil {
		return fmt.Errorf("encode slides: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.now()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO presentations (id, title, creator_id, creator_nickname, slides, slide_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			creator_id = excluded.creator_id,
			creator_nickname = excluded.creator_nickname,
			slides = excluded.slides,
			slide_count = excluded.slide_count,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Title, p.CreatorID, p.CreatorNickname, data, len(slides), createdAt.UTC()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM participants WHERE presentation_id = ?", p.ID); err != nil {
		return err
	}

	for i, pt := range p.Participants {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO participants (presentation_id, id, nickname, role, position) VALUES (?, ?, ?, ?, ?)",
			p.ID, pt.ID, pt.Nickname, string(pt.Role), i,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *Database) Load(ctx context.Context, id string) (model.Presentation, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, title, creator_id, creator_nickname, slides, created_at FROM presentations WHERE id = ?",
		id,
	)

	var p model.Presentation
	var data []byte
	err := row.Scan(&p.ID, &p.Title, &p.CreatorID, &p.CreatorNickname, &data, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Presentation{}, catalog.ErrNotFound
	}
	if err != nil {
		return model.Presentation{}, err
	}

	if err := json.Unmarshal(data, &p.Slides); err != nil {
		return model.Presentation{}, fmt.Errorf("decode slides of %s: %w", id, err)
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT id, nickname, role FROM participants WHERE presentation_id = ? ORDER BY position ASC",
		id,
	)
	if err != nil {
		return model.Presentation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		pt := model.Participant{State: model.Offline}
		var role string
		if err := rows.Scan(&pt.ID, &pt.Nickname, &role); err != nil {
			return model.Presentation{}, err
		}
		pt.Role = model.Role(role)
		p.Participants = append(p.Participants, pt)
	}
	if err := rows.Err(); err != nil {
		return model.Presentation{}, err
	}

	p.Normalize()
	return p, nil
}

func (d *Database) List(ctx context.Context, limit, offset int) ([]model.Summary, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, title, creator_nickname, slide_count, created_at, updated_at
		FROM presentations
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]model.Summary, 0)
	for rows.Next() {
		var s model.Summary
		if err := rows.Scan(&s.ID, &s.Title, &s.CreatorNickname, &s.SlideCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (d *Database) Delete(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM participants WHERE presentation_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM presentations WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var presentationCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM presentations").Scan(&presentationCount); err != nil {
		return nil, err
	}
	stats["presentation_count"] = presentationCount

	var participantCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM participants").Scan(&participantCount); err != nil {
		return nil, err
	}
	stats["participant_count"] = participantCount

	return stats, nil
}
