package config

import (
	"fmt"
	"strings"
	"time"

	"notifyd/pkg/logx"
)

// Config is the full notifyd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Email     EmailConfig     `yaml:"email"`
	SMS       SMSConfig       `yaml:"sms"`
	Push      PushConfig      `yaml:"push"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console,omitempty"`
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

func (c LoggingConfig) Logx() logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// RatePerSec caps requests per client IP (tollbooth); 0 disables limiting.
	RatePerSec float64 `yaml:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	TickInterval   string `yaml:"tick_interval,omitempty"`   // default "30s"
	Workers        int    `yaml:"workers,omitempty"`         // default 4
	QueueSize      int    `yaml:"queue_size,omitempty"`      // default 64
	DefaultTimeout string `yaml:"default_timeout,omitempty"` // default "1h"

	// HistoryRetention bounds the built-in execution history cleanup job.
	HistoryRetention string `yaml:"history_retention,omitempty"` // default "720h"
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type SMSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	APIBaseURL string `yaml:"api_base_url,omitempty"` // provider override, mostly for tests
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`

	// CostPerMessage and DailyCostLimit feed the sms_notifier cost ceiling.
	CostPerMessage float64 `yaml:"cost_per_message,omitempty"` // default 0.0075
	DailyCostLimit float64 `yaml:"daily_cost_limit,omitempty"` // default 100.00

	// RatePerSec paces outbound provider calls; 0 disables pacing.
	RatePerSec float64 `yaml:"rate_per_sec,omitempty"`
}

type PushConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TelegramToken string `yaml:"telegram_token"`
}

// ---- duration helpers ----

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ---- resolved accessors ----

func (c SchedulerConfig) Tick() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.tick_interval", c.TickInterval, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (c SchedulerConfig) Timeout() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.default_timeout", c.DefaultTimeout, time.Hour)
	if err != nil {
		return time.Hour
	}
	return d
}

func (c SchedulerConfig) Retention() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.history_retention", c.HistoryRetention, 30*24*time.Hour)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

func (c SMSConfig) Cost() float64 {
	if c.CostPerMessage <= 0 {
		return 0.0075
	}
	return c.CostPerMessage
}

func (c SMSConfig) CostLimit() float64 {
	if c.DailyCostLimit <= 0 {
		return 100.0
	}
	return c.DailyCostLimit
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.history_retention", c.Scheduler.HistoryRetention); err != nil {
		return err
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if c.Email.Enabled {
		if strings.TrimSpace(c.Email.SMTPHost) == "" || c.Email.SMTPPort <= 0 {
			return fmt.Errorf("email.smtp_host and email.smtp_port are required when email is enabled")
		}
		if strings.TrimSpace(c.Email.From) == "" {
			return fmt.Errorf("email.from is required when email is enabled")
		}
	}
	if c.SMS.Enabled {
		if strings.TrimSpace(c.SMS.AccountSID) == "" || strings.TrimSpace(c.SMS.AuthToken) == "" {
			return fmt.Errorf("sms.account_sid and sms.auth_token are required when sms is enabled")
		}
		if strings.TrimSpace(c.SMS.From) == "" {
			return fmt.Errorf("sms.from is required when sms is enabled")
		}
	}
	if c.Push.Enabled && strings.TrimSpace(c.Push.TelegramToken) == "" {
		return fmt.Errorf("push.telegram_token is required when push is enabled")
	}
	return nil
}
