package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/model"
)

// GetPreferences loads a user's preferences, or ErrNotFound if the user
// never touched them. Lazy default creation lives in the notify service so
// the store stays a plain repository.
func (s *Store) GetPreferences(ctx context.Context, username string) (*model.Preferences, error) {
	var row struct {
		Doc       string `db:"doc"`
		CreatedAt string `db:"created_at"`
		UpdatedAt string `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT doc, created_at, updated_at FROM notification_preferences WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p model.Preferences
	if err := json.Unmarshal([]byte(row.Doc), &p); err != nil {
		return nil, fmt.Errorf("preferences for %s: corrupt doc: %w", username, err)
	}
	p.Username = username
	p.CreatedAt = parseTime(row.CreatedAt)
	p.UpdatedAt = parseTime(row.UpdatedAt)
	return &p, nil
}

// PutPreferences inserts or replaces the preference document.
func (s *Store) PutPreferences(ctx context.Context, p *model.Preferences, now time.Time) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (username, doc, created_at, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(username) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		p.Username, string(doc), fmtTime(now), fmtTime(now),
	)
	return err
}
