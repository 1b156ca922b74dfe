package store

import (
	"context"
	"database/sql"
	"errors"

	"notifyd/internal/model"
)

type contactRow struct {
	Username   string         `db:"username"`
	Email      sql.NullString `db:"email"`
	Phone      sql.NullString `db:"phone"`
	PushChatID int64          `db:"push_chat_id"`
	Verified   bool           `db:"verified"`
	MatchScore float64        `db:"match_score"`
}

func (s *Store) GetContact(ctx context.Context, username string) (*model.Contact, error) {
	var r contactRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM contacts WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.Contact{
		Username:   r.Username,
		Email:      r.Email.String,
		Phone:      r.Phone.String,
		PushChatID: r.PushChatID,
		Verified:   r.Verified,
		MatchScore: r.MatchScore,
	}, nil
}

// UpsertContact is the sync entry point used by the external profile system
// (and tests). The engine itself only reads contacts.
func (s *Store) UpsertContact(ctx context.Context, c *model.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (username, email, phone, push_chat_id, verified, match_score)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(username) DO UPDATE SET
			email = excluded.email, phone = excluded.phone, push_chat_id = excluded.push_chat_id,
			verified = excluded.verified, match_score = excluded.match_score`,
		c.Username, nullStr(c.Email), nullStr(c.Phone), c.PushChatID, c.Verified, c.MatchScore,
	)
	return err
}
