package model

import (
	"fmt"
	"strings"
	"time"
)

// TemplateKind is the closed set of executable job templates.
//
// Adding a kind is a compile-time-checked change: the registry in
// internal/jobs must provide a handler for every kind listed here.
type TemplateKind string

const (
	TemplateDatabaseCleanup  TemplateKind = "database_cleanup"
	TemplateDataExport       TemplateKind = "data_export"
	TemplateReportGeneration TemplateKind = "report_generation"
	TemplateEmailNotifier    TemplateKind = "email_notifier"
	TemplateSMSNotifier      TemplateKind = "sms_notifier"
	TemplatePushNotifier     TemplateKind = "push_notifier"
)

// TemplateKinds lists every known kind in a stable order.
func TemplateKinds() []TemplateKind {
	return []TemplateKind{
		TemplateDatabaseCleanup,
		TemplateDataExport,
		TemplateReportGeneration,
		TemplateEmailNotifier,
		TemplateSMSNotifier,
		TemplatePushNotifier,
	}
}

func (k TemplateKind) Valid() bool {
	switch k {
	case TemplateDatabaseCleanup, TemplateDataExport, TemplateReportGeneration,
		TemplateEmailNotifier, TemplateSMSNotifier, TemplatePushNotifier:
		return true
	}
	return false
}

type RetryPolicy struct {
	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 || p.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10, got %d", p.MaxRetries)
	}
	if p.MaxRetries > 0 && p.RetryDelaySeconds < 1 {
		return fmt.Errorf("retry_delay_seconds must be at least 1, got %d", p.RetryDelaySeconds)
	}
	return nil
}

// JobDefinition is an admin-defined instance of a job template.
type JobDefinition struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	TemplateType    TemplateKind   `json:"template_type"`
	Parameters      map[string]any `json:"parameters"`
	Schedule        Schedule       `json:"schedule"`
	Enabled         bool           `json:"enabled"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	Retry           RetryPolicy    `json:"retry_policy"`
	NotifyOnSuccess []string       `json:"notify_on_success"`
	NotifyOnFailure []string       `json:"notify_on_failure"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`

	// Version is an optimistic-lock counter; updates must present the
	// version they read or they are rejected.
	Version int64 `json:"version"`
}

func (d *JobDefinition) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d *JobDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !d.TemplateType.Valid() {
		return fmt.Errorf("unknown template type %q", d.TemplateType)
	}
	if err := d.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if d.TimeoutSeconds < 0 || d.TimeoutSeconds > 86400 {
		return fmt.Errorf("timeout_seconds must be between 0 and 86400, got %d", d.TimeoutSeconds)
	}
	if err := d.Retry.Validate(); err != nil {
		return fmt.Errorf("retry_policy: %w", err)
	}
	return nil
}

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionTimeout ExecutionStatus = "timeout"
)

const TriggeredByScheduler = "scheduler"

// ManualTrigger identifies an execution started by an admin through the API.
func ManualTrigger(actor string) string { return "manual:" + actor }

// JobExecution is one attempt of one job run. Retries produce additional
// rows that share job_id and increment Attempt.
//
// Built-in maintenance jobs have no definition row; they carry an empty
// JobID and a stable JobName instead.
type JobExecution struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id,omitempty"`
	JobName         string          `json:"job_name"`
	TemplateType    TemplateKind    `json:"template_type"`
	Status          ExecutionStatus `json:"status"`
	Attempt         int             `json:"attempt"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	Result          map[string]any  `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	TriggeredBy     string          `json:"triggered_by"`
}
