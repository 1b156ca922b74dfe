package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

type jobRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Description       string         `db:"description"`
	TemplateType      string         `db:"template_type"`
	Parameters        string         `db:"parameters"`
	Schedule          string         `db:"schedule"`
	Enabled           bool           `db:"enabled"`
	TimeoutSeconds    int            `db:"timeout_seconds"`
	MaxRetries        int            `db:"max_retries"`
	RetryDelaySeconds int            `db:"retry_delay_seconds"`
	NotifyOnSuccess   string         `db:"notify_on_success"`
	NotifyOnFailure   string         `db:"notify_on_failure"`
	CreatedBy         string         `db:"created_by"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
	LastRunAt         sql.NullString `db:"last_run_at"`
	NextRunAt         sql.NullString `db:"next_run_at"`
	Version           int64          `db:"version"`
}

func (r jobRow) toModel() (*model.JobDefinition, error) {
	var sched model.Schedule
	if err := json.Unmarshal([]byte(r.Schedule), &sched); err != nil {
		return nil, fmt.Errorf("job %s: corrupt schedule: %w", r.ID, err)
	}
	params := map[string]any{}
	if r.Parameters != "" {
		if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
			return nil, fmt.Errorf("job %s: corrupt parameters: %w", r.ID, err)
		}
	}
	var onSuccess, onFailure []string
	_ = json.Unmarshal([]byte(r.NotifyOnSuccess), &onSuccess)
	_ = json.Unmarshal([]byte(r.NotifyOnFailure), &onFailure)

	return &model.JobDefinition{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		TemplateType:    model.TemplateKind(r.TemplateType),
		Parameters:      params,
		Schedule:        sched,
		Enabled:         r.Enabled,
		TimeoutSeconds:  r.TimeoutSeconds,
		Retry:           model.RetryPolicy{MaxRetries: r.MaxRetries, RetryDelaySeconds: r.RetryDelaySeconds},
		NotifyOnSuccess: onSuccess,
		NotifyOnFailure: onFailure,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
		LastRunAt:       parseTimePtr(r.LastRunAt),
		NextRunAt:       parseTimePtr(r.NextRunAt),
		Version:         r.Version,
	}, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (s *Store) CreateJob(ctx context.Context, d *model.JobDefinition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, description, template_type, parameters, schedule,
		                  enabled, timeout_seconds, max_retries, retry_delay_seconds,
		                  notify_on_success, notify_on_failure,
		                  created_by, created_at, updated_at, last_run_at, next_run_at, version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Description, string(d.TemplateType), mustJSON(d.Parameters), mustJSON(d.Schedule),
		d.Enabled, d.TimeoutSeconds, d.Retry.MaxRetries, d.Retry.RetryDelaySeconds,
		mustJSON(emptyIfNil(d.NotifyOnSuccess)), mustJSON(emptyIfNil(d.NotifyOnFailure)),
		d.CreatedBy, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt), fmtTimePtr(d.LastRunAt), fmtTimePtr(d.NextRunAt), d.Version,
	)
	return err
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.JobDefinition, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toModel()
}

type JobFilter struct {
	TemplateType model.TemplateKind
	Enabled      *bool
	Page         int // 1-based
	Limit        int
}

type JobPage struct {
	Jobs  []*model.JobDefinition `json:"jobs"`
	Total int                    `json:"total"`
	Page  int                    `json:"page"`
	Pages int                    `json:"pages"`
	Limit int                    `json:"limit"`
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) (*JobPage, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	where := "WHERE 1=1"
	args := []any{}
	if f.TemplateType != "" {
		where += " AND template_type = ?"
		args = append(args, string(f.TemplateType))
	}
	if f.Enabled != nil {
		where += " AND enabled = ?"
		args = append(args, *f.Enabled)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM jobs "+where, args...); err != nil {
		return nil, err
	}

	var rows []jobRow
	q := "SELECT * FROM jobs " + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	jobs := make([]*model.JobDefinition, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, d)
	}

	pages := (total + f.Limit - 1) / f.Limit
	if pages < 1 {
		pages = 1
	}
	return &JobPage{Jobs: jobs, Total: total, Page: f.Page, Pages: pages, Limit: f.Limit}, nil
}

// UpdateJob replaces the mutable fields of a definition. The caller must
// present the version it read; a mismatch means someone else updated the row
// and the call fails with ErrVersionConflict.
func (s *Store) UpdateJob(ctx context.Context, d *model.JobDefinition, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			name = ?, description = ?, parameters = ?, schedule = ?,
			enabled = ?, timeout_seconds = ?, max_retries = ?, retry_delay_seconds = ?,
			notify_on_success = ?, notify_on_failure = ?,
			updated_at = ?, next_run_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		d.Name, d.Description, mustJSON(d.Parameters), mustJSON(d.Schedule),
		d.Enabled, d.TimeoutSeconds, d.Retry.MaxRetries, d.Retry.RetryDelaySeconds,
		mustJSON(emptyIfNil(d.NotifyOnSuccess)), mustJSON(emptyIfNil(d.NotifyOnFailure)),
		fmtTime(d.UpdatedAt), fmtTimePtr(d.NextRunAt),
		d.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing row.
		var exists int
		if gerr := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM jobs WHERE id = ?`, d.ID); gerr == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

// DeleteJob is a hard delete of the definition only; execution history keeps
// its denormalized snapshots.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueJobs returns enabled definitions whose next_run_at has passed, FIFO by
// next_run_at then id so same-tick ties resolve deterministically.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*model.JobDefinition, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`,
		fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.JobDefinition, 0, len(rows))
	for _, r := range rows {
		d, derr := r.toModel()
		if derr != nil {
			// One corrupt row must not stall the whole tick.
			s.log.Warn("skipping unreadable job row", logx.Err(derr))
			continue
		}
		jobs = append(jobs, d)
	}
	return jobs, nil
}

// AdvanceRun moves last_run_at/next_run_at after a dispatch, guarded by the
// version counter so a concurrent admin edit wins over the scheduler.
func (s *Store) AdvanceRun(ctx context.Context, id string, lastRun time.Time, nextRun time.Time, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_run_at = ?, next_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		fmtTime(lastRun), fmtTime(nextRun), fmtTime(lastRun), id, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}
