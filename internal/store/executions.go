package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"notifyd/internal/model"
)

type executionRow struct {
	ID              string         `db:"id"`
	JobID           sql.NullString `db:"job_id"`
	JobName         string         `db:"job_name"`
	TemplateType    string         `db:"template_type"`
	Status          string         `db:"status"`
	Attempt         int            `db:"attempt"`
	StartedAt       string         `db:"started_at"`
	CompletedAt     sql.NullString `db:"completed_at"`
	DurationSeconds float64        `db:"duration_seconds"`
	Result          sql.NullString `db:"result"`
	Error           sql.NullString `db:"error"`
	TriggeredBy     string         `db:"triggered_by"`
}

func (r executionRow) toModel() *model.JobExecution {
	var result map[string]any
	if r.Result.Valid && r.Result.String != "" {
		_ = json.Unmarshal([]byte(r.Result.String), &result)
	}
	return &model.JobExecution{
		ID:              r.ID,
		JobID:           r.JobID.String,
		JobName:         r.JobName,
		TemplateType:    model.TemplateKind(r.TemplateType),
		Status:          model.ExecutionStatus(r.Status),
		Attempt:         r.Attempt,
		StartedAt:       parseTime(r.StartedAt),
		CompletedAt:     parseTimePtr(r.CompletedAt),
		DurationSeconds: r.DurationSeconds,
		Result:          result,
		Error:           r.Error.String,
		TriggeredBy:     r.TriggeredBy,
	}
}

// CreateExecution inserts the initial running row for one attempt.
func (s *Store) CreateExecution(ctx context.Context, e *model.JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, job_name, template_type, status, attempt,
		                            started_at, completed_at, duration_seconds, result, error, triggered_by)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, nullStr(e.JobID), e.JobName, string(e.TemplateType), string(e.Status), e.Attempt,
		fmtTime(e.StartedAt), fmtTimePtr(e.CompletedAt), e.DurationSeconds,
		nullStr(mustJSONOrEmpty(e.Result)), nullStr(e.Error), e.TriggeredBy,
	)
	return err
}

func mustJSONOrEmpty(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	return mustJSON(v)
}

// FinalizeExecution records the terminal status of an attempt. Rows are
// immutable afterwards: finalize refuses to touch non-running rows.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status model.ExecutionStatus, completedAt time.Time, duration time.Duration, result map[string]any, execErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET status = ?, completed_at = ?, duration_seconds = ?, result = ?, error = ?
		WHERE id = ? AND status = 'running'`,
		string(status), fmtTime(completedAt), duration.Seconds(),
		nullStr(mustJSONOrEmpty(result)), nullStr(execErr), id,
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

func (s *Store) GetExecution(ctx context.Context, id string) (*model.JobExecution, error) {
	var r executionRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM job_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

type ExecutionFilter struct {
	JobID   string
	JobName string
	Status  model.ExecutionStatus
	Limit   int
}

func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.JobExecution, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := "WHERE 1=1"
	args := []any{}
	if f.JobID != "" {
		where += " AND job_id = ?"
		args = append(args, f.JobID)
	}
	if f.JobName != "" {
		where += " AND job_name = ?"
		args = append(args, f.JobName)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	args = append(args, f.Limit)

	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM job_executions `+where+` ORDER BY started_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.JobExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CountRunning reports whether an attempt for the job is currently live.
func (s *Store) CountRunning(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM job_executions WHERE job_id = ? AND status = 'running'`, jobID)
	return n, err
}

// PruneExecutions deletes finalized rows older than cutoff. Used by the
// built-in history cleanup job.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_executions WHERE started_at < ? AND status != 'running'`,
		fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecutionStats aggregates history for report generation.
type ExecutionStats struct {
	Total     int     `db:"total" json:"total"`
	Succeeded int     `db:"succeeded" json:"succeeded"`
	Failed    int     `db:"failed" json:"failed"`
	TimedOut  int     `db:"timed_out" json:"timed_out"`
	AvgSecs   float64 `db:"avg_secs" json:"avg_duration_seconds"`
}

func (s *Store) ExecutionStatsSince(ctx context.Context, since time.Time) (*ExecutionStats, error) {
	var st ExecutionStats
	err := s.db.GetContext(ctx, &st, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS succeeded,
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
		       COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0) AS timed_out,
		       COALESCE(AVG(duration_seconds), 0) AS avg_secs
		FROM job_executions WHERE started_at >= ?`,
		fmtTime(since),
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
