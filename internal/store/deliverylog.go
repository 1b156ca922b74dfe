package store

import (
	"context"
	"database/sql"
	"time"

	"notifyd/internal/model"
)

func (s *Store) AppendDeliveryLog(ctx context.Context, e *model.DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (id, username, trigger_kind, channel, priority, subject, preview, cost,
		                          sent_at, opened, opened_at, clicked, clicked_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Username, string(e.Trigger), string(e.Channel), string(e.Priority),
		nullStr(e.Subject), nullStr(e.Preview), e.Cost, fmtTime(e.SentAt),
		e.Opened, fmtTimePtr(e.OpenedAt), e.Clicked, fmtTimePtr(e.ClickedAt),
	)
	return err
}

// DeliveryCountSince counts deliveries to a user on a channel after since.
// This is the rolling rate-limit counter: it reads the persisted log so
// limits survive restarts.
func (s *Store) DeliveryCountSince(ctx context.Context, username string, channel model.Channel, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM delivery_log
		WHERE username = ? AND channel = ? AND sent_at >= ?`,
		username, string(channel), fmtTime(since),
	)
	return n, err
}

// DailyCost sums a channel's delivery cost since the start of the (UTC) day.
func (s *Store) DailyCost(ctx context.Context, channel model.Channel, dayStart time.Time) (float64, error) {
	var cost sql.NullFloat64
	err := s.db.GetContext(ctx, &cost, `
		SELECT SUM(cost) FROM delivery_log WHERE channel = ? AND sent_at >= ?`,
		string(channel), fmtTime(dayStart),
	)
	if err != nil {
		return 0, err
	}
	return cost.Float64, nil
}

type deliveryRow struct {
	ID          string          `db:"id"`
	Username    string          `db:"username"`
	TriggerKind string          `db:"trigger_kind"`
	Channel     string          `db:"channel"`
	Priority    string          `db:"priority"`
	Subject     sql.NullString  `db:"subject"`
	Preview     sql.NullString  `db:"preview"`
	Cost        float64         `db:"cost"`
	SentAt      string          `db:"sent_at"`
	Opened      bool            `db:"opened"`
	OpenedAt    sql.NullString  `db:"opened_at"`
	Clicked     bool            `db:"clicked"`
	ClickedAt   sql.NullString  `db:"clicked_at"`
}

// DeliveryLogSince lists delivery entries newest-first, for exports.
func (s *Store) DeliveryLogSince(ctx context.Context, since time.Time, limit int) ([]*model.DeliveryLog, error) {
	if limit <= 0 {
		limit = 10000
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM delivery_log WHERE sent_at >= ? ORDER BY sent_at DESC LIMIT ?`,
		fmtTime(since), limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]*model.DeliveryLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.DeliveryLog{
			ID:        r.ID,
			Username:  r.Username,
			Trigger:   model.Trigger(r.TriggerKind),
			Channel:   model.Channel(r.Channel),
			Priority:  model.Priority(r.Priority),
			Subject:   r.Subject.String,
			Preview:   r.Preview.String,
			Cost:      r.Cost,
			SentAt:    parseTime(r.SentAt),
			Opened:    r.Opened,
			OpenedAt:  parseTimePtr(r.OpenedAt),
			Clicked:   r.Clicked,
			ClickedAt: parseTimePtr(r.ClickedAt),
		})
	}
	return out, nil
}

// TrackOpen and TrackClick are filled in by external tracking callbacks.

func (s *Store) TrackOpen(ctx context.Context, logID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log SET opened = 1, opened_at = ? WHERE id = ?`,
		fmtTime(at), logID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TrackClick(ctx context.Context, logID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_log SET clicked = 1, clicked_at = ? WHERE id = ?`,
		fmtTime(at), logID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AnalyticsSince aggregates sent/opened/clicked/cost from the delivery log.
func (s *Store) AnalyticsSince(ctx context.Context, since time.Time) (*model.Analytics, error) {
	var row struct {
		Sent    int     `db:"sent"`
		Opened  int     `db:"opened"`
		Clicked int     `db:"clicked"`
		Cost    float64 `db:"cost"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS sent,
		       COALESCE(SUM(opened), 0) AS opened,
		       COALESCE(SUM(clicked), 0) AS clicked,
		       COALESCE(SUM(cost), 0) AS cost
		FROM delivery_log WHERE sent_at >= ?`,
		fmtTime(since),
	)
	if err != nil {
		return nil, err
	}

	a := &model.Analytics{
		TotalSent:    row.Sent,
		TotalOpened:  row.Opened,
		TotalClicked: row.Clicked,
		TotalCost:    row.Cost,
	}
	if a.TotalSent > 0 {
		a.OpenRate = float64(a.TotalOpened) / float64(a.TotalSent) * 100
		a.ClickRate = float64(a.TotalClicked) / float64(a.TotalSent) * 100
	}
	return a, nil
}
