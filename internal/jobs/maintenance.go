package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"notifyd/internal/model"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

// databaseCleanup prunes finalized execution history and optionally vacuums
// the database file.
type databaseCleanup struct {
	st  *store.Store
	log logx.Logger
	now func() time.Time
}

func newDatabaseCleanup(st *store.Store, log logx.Logger) *databaseCleanup {
	return &databaseCleanup{st: st, log: log, now: time.Now}
}

func (j *databaseCleanup) Kind() model.TemplateKind { return model.TemplateDatabaseCleanup }

func (j *databaseCleanup) Description() string {
	return "Delete finalized job executions older than the retention window."
}

func (j *databaseCleanup) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "retention_days", Type: "integer", Default: 30, Min: 1, Max: 3650, HasRange: true,
			Description: "Keep executions newer than this many days."},
		{Name: "vacuum", Type: "boolean", Default: false,
			Description: "Run VACUUM after pruning to reclaim file space."},
	}
}

func (j *databaseCleanup) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	days := int(paramNumber(params, "retention_days", 30))
	cutoff := j.now().UTC().AddDate(0, 0, -days)

	deleted, err := j.st.PruneExecutions(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune executions: %w", err)
	}
	res := &Result{
		Message:  fmt.Sprintf("pruned %d executions older than %d days", deleted, days),
		Affected: int(deleted),
		Details:  map[string]any{"cutoff": cutoff.Format(time.RFC3339)},
	}
	if paramBool(params, "vacuum", false) {
		if err := j.st.Vacuum(ctx); err != nil {
			return nil, fmt.Errorf("vacuum: %w", err)
		}
		res.Details["vacuumed"] = true
	}
	return res, nil
}

// dataExport writes a JSON snapshot of one entity to disk.
type dataExport struct {
	st  *store.Store
	log logx.Logger
	now func() time.Time
}

func newDataExport(st *store.Store, log logx.Logger) *dataExport {
	return &dataExport{st: st, log: log, now: time.Now}
}

func (j *dataExport) Kind() model.TemplateKind { return model.TemplateDataExport }

func (j *dataExport) Description() string {
	return "Export jobs, executions or the delivery log as a JSON file."
}

func (j *dataExport) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "entity", Type: "string", Required: true,
			Enum:        []any{"jobs", "executions", "delivery_log"},
			Description: "Which table to export."},
		{Name: "days", Type: "integer", Default: 7, Min: 1, Max: 365, HasRange: true,
			Description: "Look-back window for time-scoped entities."},
		{Name: "output_dir", Type: "string", Default: "exports",
			Description: "Directory the export file is written to."},
	}
}

func (j *dataExport) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	entity := paramString(params, "entity", "")
	days := int(paramNumber(params, "days", 7))
	dir := paramString(params, "output_dir", "exports")

	now := j.now().UTC()
	since := now.AddDate(0, 0, -days)

	var payload any
	var count int
	switch entity {
	case "jobs":
		page, err := j.st.ListJobs(ctx, store.JobFilter{Limit: 10000})
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		payload, count = page.Jobs, len(page.Jobs)
	case "executions":
		execs, err := j.st.ListExecutions(ctx, store.ExecutionFilter{Limit: 10000})
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		payload, count = execs, len(execs)
	case "delivery_log":
		entries, err := j.st.DeliveryLogSince(ctx, since, 10000)
		if err != nil {
			return nil, fmt.Errorf("list delivery log: %w", err)
		}
		payload, count = entries, len(entries)
	default:
		return nil, fmt.Errorf("unknown export entity %q", entity)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", entity, now.Format("20060102-150405")))
	doc, err := json.MarshalIndent(map[string]any{
		"entity":      entity,
		"exported_at": now.Format(time.RFC3339),
		"since":       since.Format(time.RFC3339),
		"count":       count,
		"rows":        payload,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}

	j.log.Info("export written", logx.String("entity", entity), logx.String("path", path), logx.Int("rows", count))
	return &Result{
		Message:   fmt.Sprintf("exported %d %s rows", count, entity),
		Processed: count,
		Affected:  count,
		Details:   map[string]any{"path": path},
	}, nil
}

// reportGeneration aggregates execution and delivery stats into a JSON
// report file.
type reportGeneration struct {
	st  *store.Store
	log logx.Logger
	now func() time.Time
}

func newReportGeneration(st *store.Store, log logx.Logger) *reportGeneration {
	return &reportGeneration{st: st, log: log, now: time.Now}
}

func (j *reportGeneration) Kind() model.TemplateKind { return model.TemplateReportGeneration }

func (j *reportGeneration) Description() string {
	return "Aggregate execution history and delivery analytics into a report file."
}

func (j *reportGeneration) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "days", Type: "integer", Default: 7, Min: 1, Max: 365, HasRange: true,
			Description: "Reporting window in days."},
		{Name: "output_dir", Type: "string", Default: "reports",
			Description: "Directory the report file is written to."},
	}
}

func (j *reportGeneration) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	days := int(paramNumber(params, "days", 7))
	dir := paramString(params, "output_dir", "reports")

	now := j.now().UTC()
	since := now.AddDate(0, 0, -days)

	execStats, err := j.st.ExecutionStatsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	delivery, err := j.st.AnalyticsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("delivery analytics: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("report-%s.json", now.Format("20060102-150405")))
	doc, err := json.MarshalIndent(map[string]any{
		"generated_at": now.Format(time.RFC3339),
		"window_days":  days,
		"executions":   execStats,
		"deliveries":   delivery,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	j.log.Info("report written", logx.String("path", path), logx.Int("window_days", days))
	return &Result{
		Message:   fmt.Sprintf("report over %d days: %d executions, %d deliveries", days, execStats.Total, delivery.TotalSent),
		Processed: execStats.Total + delivery.TotalSent,
		Details: map[string]any{
			"path":             path,
			"executions_total": execStats.Total,
			"deliveries_total": delivery.TotalSent,
			"total_cost":       delivery.TotalCost,
		},
	}, nil
}
