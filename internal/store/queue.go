package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"notifyd/internal/model"
)

type queueRow struct {
	ID            string         `db:"id"`
	Username      string         `db:"username"`
	TriggerKind   string         `db:"trigger_kind"`
	Priority      string         `db:"priority"`
	Channels      string         `db:"channels"`
	TemplateData  string         `db:"template_data"`
	Status        string         `db:"status"`
	ScheduledFor  sql.NullString `db:"scheduled_for"`
	Attempts      int            `db:"attempts"`
	LastAttemptAt sql.NullString `db:"last_attempt_at"`
	Error         sql.NullString `db:"error"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r queueRow) toModel() *model.QueueItem {
	var channels []model.Channel
	_ = json.Unmarshal([]byte(r.Channels), &channels)
	data := map[string]any{}
	_ = json.Unmarshal([]byte(r.TemplateData), &data)

	return &model.QueueItem{
		ID:            r.ID,
		Username:      r.Username,
		Trigger:       model.Trigger(r.TriggerKind),
		Priority:      model.Priority(r.Priority),
		Channels:      channels,
		TemplateData:  data,
		Status:        model.QueueStatus(r.Status),
		ScheduledFor:  parseTimePtr(r.ScheduledFor),
		Attempts:      r.Attempts,
		LastAttemptAt: parseTimePtr(r.LastAttemptAt),
		Error:         r.Error.String,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

func (s *Store) InsertQueueItem(ctx context.Context, item *model.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_queue (id, username, trigger_kind, priority, channels, template_data,
		                                status, scheduled_for, attempts, last_attempt_at, error,
		                                created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.Username, string(item.Trigger), string(item.Priority),
		mustJSON(item.Channels), mustJSON(item.TemplateData),
		string(item.Status), fmtTimePtr(item.ScheduledFor), item.Attempts,
		fmtTimePtr(item.LastAttemptAt), nullStr(item.Error),
		fmtTime(item.CreatedAt), fmtTime(item.UpdatedAt),
	)
	return err
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	var r queueRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM notification_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// DueQueueItems returns up to limit pending/scheduled items for one channel
// whose deferral (if any) has elapsed, critical/high before medium/low, ties
// broken FIFO by creation time.
func (s *Store) DueQueueItems(ctx context.Context, channel model.Channel, now time.Time, limit int) ([]*model.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notification_queue
		WHERE status IN ('pending', 'scheduled')
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND instr(channels, ?) > 0
		ORDER BY CASE priority
		           WHEN 'critical' THEN 0
		           WHEN 'high' THEN 1
		           WHEN 'medium' THEN 2
		           ELSE 3
		         END, created_at
		LIMIT ?`,
		fmtTime(now), `"`+string(channel)+`"`, limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]*model.QueueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// MarkQueueSent finalizes an item after successful delivery. Attempts only
// count failed deliveries.
func (s *Store) MarkQueueSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'sent', last_attempt_at = ?, error = NULL, updated_at = ?
		WHERE id = ?`,
		fmtTime(at), fmtTime(at), id,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// MarkQueueFailed records a delivery failure. The item stays failed until an
// explicit requeue; there is no automatic retry.
func (s *Store) MarkQueueFailed(ctx context.Context, id string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'failed', attempts = attempts + 1, last_attempt_at = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		fmtTime(at), nullStr(reason), fmtTime(at), id,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func oneRow(res sql.Result) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueItem is the only path that returns a failed item to pending.
func (s *Store) RequeueItem(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'pending', scheduled_for = NULL, error = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		fmtTime(at), id,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}
