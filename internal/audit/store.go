// Package audit provides PostgreSQL-backed persistence for moderation
// verdicts. Each row captures the channel, the flagged user, the classifier's
// reason, and a snapshot of the message window that produced the verdict
// (for moderator review).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"

	"github.com/sentinel/modbot/internal/store"
)

// Store manages moderation verdicts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Verdict represents a single confirmed violation to be persisted.
type Verdict struct {
	ID        string // uuid, assigned on insert if empty
	ChannelID uint64
	UserID    uint64
	Reason    string
	Window    []store.Record // the classified window, oldest first
}

// snapshotEntry is one message in the window snapshot attached to a verdict.
type snapshotEntry struct {
	MessageID uint64 `json:"message_id"`
	AuthorID  uint64 `json:"author_id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	Ts        int64  `json:"ts"`
}

// NewStore creates a new verdict store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies pending schema migrations from sourceURL
// (e.g. "file://migrations").
func Migrate(db *sql.DB, sourceURL string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Create inserts a verdict into PostgreSQL. The window is marshalled to
// JSONB; an empty window stores NULL.
func (s *Store) Create(ctx context.Context, v *Verdict) error {
	if v.Reason == "" {
		return fmt.Errorf("audit: verdict without reason")
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}

	var windowJSON []byte
	if len(v.Window) > 0 {
		entries := make([]snapshotEntry, len(v.Window))
		for i, rec := range v.Window {
			entries[i] = snapshotEntry{
				MessageID: rec.ID,
				AuthorID:  rec.AuthorID,
				Content:   rec.Content,
				Status:    rec.Status.String(),
				Ts:        rec.Timestamp,
			}
		}
		var err error
		windowJSON, err = json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("audit: marshal window: %w", err)
		}
	}

	const query = `
		INSERT INTO moderation_verdicts (id, channel_id, flagged_user_id, reason, messages)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		v.ID,
		int64(v.ChannelID),
		int64(v.UserID),
		v.Reason,
		windowJSON,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of verdicts filed against a user within the
// given time window. This drives repeat-offender detection (e.g. 3 verdicts
// in 24 hours is worth a moderator's attention).
func (s *Store) CountRecent(ctx context.Context, userID uint64, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_verdicts
		WHERE flagged_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, int64(userID), window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
