package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"notifyd/internal/model"
)

type templateRow struct {
	ID          string `db:"id"`
	TriggerKind string `db:"trigger_kind"`
	Channel     string `db:"channel"`
	Subject     string `db:"subject"`
	Body        string `db:"body"`
	MaxLength   int    `db:"max_length"`
	Active      bool   `db:"active"`
	Version     int64  `db:"version"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r templateRow) toModel() *model.MessageTemplate {
	return &model.MessageTemplate{
		ID:        r.ID,
		Trigger:   model.Trigger(r.TriggerKind),
		Channel:   model.Channel(r.Channel),
		Subject:   r.Subject,
		Body:      r.Body,
		MaxLength: r.MaxLength,
		Active:    r.Active,
		Version:   r.Version,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

// ActiveTemplate returns the single active template for a (trigger, channel)
// pair, or ErrNotFound. Rendering fails closed on ErrNotFound.
func (s *Store) ActiveTemplate(ctx context.Context, trigger model.Trigger, channel model.Channel) (*model.MessageTemplate, error) {
	var r templateRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM message_templates
		WHERE trigger_kind = ? AND channel = ? AND active = 1`,
		string(trigger), string(channel),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// UpsertTemplate saves a template. Activating one deactivates any previous
// active template for the same (trigger, channel) pair in the same
// transaction, preserving the single-active invariant.
func (s *Store) UpsertTemplate(ctx context.Context, t *model.MessageTemplate, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if t.Active {
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_templates SET active = 0, updated_at = ?
			WHERE trigger_kind = ? AND channel = ? AND active = 1 AND id != ?`,
			fmtTime(now), string(t.Trigger), string(t.Channel), t.ID,
		); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_templates (id, trigger_kind, channel, subject, body, max_length, active, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject, body = excluded.body, max_length = excluded.max_length,
			active = excluded.active, version = message_templates.version + 1, updated_at = excluded.updated_at`,
		t.ID, string(t.Trigger), string(t.Channel), t.Subject, t.Body, t.MaxLength,
		t.Active, t.Version, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListTemplates(ctx context.Context) ([]*model.MessageTemplate, error) {
	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM message_templates ORDER BY trigger_kind, channel`); err != nil {
		return nil, err
	}
	out := make([]*model.MessageTemplate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
