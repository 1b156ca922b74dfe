package model

import (
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelPush
}

type Priority string

const (
	PriorityCritical Priority = "critical" // always sends, bypasses quiet hours
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for batch draining: lower rank drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

func (p Priority) Valid() bool { return p.Rank() < 4 }

// Trigger identifies what caused a notification.
type Trigger string

const (
	TriggerNewMatch        Trigger = "new_match"
	TriggerMutualFavorite  Trigger = "mutual_favorite"
	TriggerShortlistAdded  Trigger = "shortlist_added"
	TriggerProfileView     Trigger = "profile_view"
	TriggerFavorited       Trigger = "favorited"
	TriggerNewMessage      Trigger = "new_message"
	TriggerUnreadMessages  Trigger = "unread_messages"
	TriggerPIIRequest      Trigger = "pii_request"
	TriggerPIIGranted      Trigger = "pii_granted"
	TriggerSuspiciousLogin Trigger = "suspicious_login"
	TriggerWeeklyDigest    Trigger = "weekly_digest"
	TriggerMonthlyDigest   Trigger = "monthly_digest"

	// System triggers emitted by the engine itself (job outcome notices).
	TriggerJobFailed    Trigger = "job_failed"
	TriggerJobSucceeded Trigger = "job_succeeded"
)

type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueScheduled QueueStatus = "scheduled"
	QueueSent      QueueStatus = "sent"
	QueueDelivered QueueStatus = "delivered"
	QueueFailed    QueueStatus = "failed"
)

// QueueItem is one persisted pending notification. Items are never deleted;
// they terminate as sent/delivered/failed for audit and analytics.
type QueueItem struct {
	ID            string         `json:"id"`
	Username      string         `json:"username"`
	Trigger       Trigger        `json:"trigger"`
	Priority      Priority       `json:"priority"`
	Channels      []Channel      `json:"channels"`
	TemplateData  map[string]any `json:"template_data,omitempty"`
	Status        QueueStatus    `json:"status"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type QuietHours struct {
	Enabled        bool      `json:"enabled"`
	Start          string    `json:"start"` // "HH:MM"
	End            string    `json:"end"`   // "HH:MM"
	Timezone       string    `json:"timezone"`
	ExemptTriggers []Trigger `json:"exempt_triggers,omitempty"`
}

func (q QuietHours) Exempt(t Trigger) bool {
	for _, e := range q.ExemptTriggers {
		if e == t {
			return true
		}
	}
	return false
}

type RatePeriod string

const (
	PeriodHourly RatePeriod = "hourly"
	PeriodDaily  RatePeriod = "daily"
	PeriodWeekly RatePeriod = "weekly"
)

// Window is the rolling look-back covered by the period.
func (p RatePeriod) Window() time.Duration {
	switch p {
	case PeriodHourly:
		return time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

type RateLimit struct {
	Max    int        `json:"max"`
	Period RatePeriod `json:"period"`
}

type SMSOptimization struct {
	VerifiedUsersOnly    bool    `json:"verified_users_only"`
	MinimumMatchScore    float64 `json:"minimum_match_score"`
	PriorityTriggersOnly bool    `json:"priority_triggers_only"`
}

// Preferences is a user's notification routing configuration. Created lazily
// with defaults on first read/write.
type Preferences struct {
	Username  string                `json:"username"`
	Channels  map[Trigger][]Channel `json:"channels"`
	QuietHrs  QuietHours            `json:"quiet_hours"`
	RateLimit map[Channel]RateLimit `json:"rate_limit"`
	SMSOpt    SMSOptimization       `json:"sms_optimization"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ChannelsFor returns the channels the user accepts for a trigger.
func (p *Preferences) ChannelsFor(t Trigger) []Channel {
	if p == nil || p.Channels == nil {
		return nil
	}
	return p.Channels[t]
}

// DefaultPreferences is the routing applied to users who never configured
// anything. System job notices go to email so operators see them.
func DefaultPreferences(username string) *Preferences {
	return &Preferences{
		Username: username,
		Channels: map[Trigger][]Channel{
			TriggerNewMatch:        {ChannelEmail, ChannelPush},
			TriggerMutualFavorite:  {ChannelEmail, ChannelPush},
			TriggerNewMessage:      {ChannelSMS, ChannelPush},
			TriggerPIIRequest:      {ChannelEmail, ChannelSMS},
			TriggerPIIGranted:      {ChannelEmail},
			TriggerSuspiciousLogin: {ChannelEmail, ChannelSMS},
			TriggerProfileView:     {ChannelPush},
			TriggerWeeklyDigest:    {ChannelEmail},
			TriggerMonthlyDigest:   {ChannelEmail},
			TriggerJobFailed:       {ChannelEmail},
			TriggerJobSucceeded:    {ChannelEmail},
		},
		QuietHrs: QuietHours{
			Enabled:        false,
			Start:          "22:00",
			End:            "08:00",
			Timezone:       "UTC",
			ExemptTriggers: []Trigger{TriggerSuspiciousLogin, TriggerJobFailed},
		},
		RateLimit: map[Channel]RateLimit{
			ChannelEmail: {Max: 20, Period: PeriodDaily},
			ChannelSMS:   {Max: 5, Period: PeriodDaily},
			ChannelPush:  {Max: 30, Period: PeriodHourly},
		},
		SMSOpt: SMSOptimization{
			VerifiedUsersOnly:    true,
			MinimumMatchScore:    0,
			PriorityTriggersOnly: true,
		},
	}
}

// MessageTemplate is a renderable subject/body pair for one (trigger, channel)
// pair. At most one active template may exist per pair.
type MessageTemplate struct {
	ID        string    `json:"id"`
	Trigger   Trigger   `json:"trigger"`
	Channel   Channel   `json:"channel"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	MaxLength int       `json:"max_length,omitempty"` // enforced for SMS
	Active    bool      `json:"active"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryLog records one delivered notification for analytics and rate
// accounting. Open/click flags are filled in later by tracking callbacks.
type DeliveryLog struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Trigger   Trigger    `json:"trigger"`
	Channel   Channel    `json:"channel"`
	Priority  Priority   `json:"priority"`
	Subject   string     `json:"subject,omitempty"`
	Preview   string     `json:"preview,omitempty"`
	Cost      float64    `json:"cost"`
	SentAt    time.Time  `json:"sent_at"`
	Opened    bool       `json:"opened"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	Clicked   bool       `json:"clicked"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`
}

type Analytics struct {
	TotalSent    int     `json:"total_sent"`
	TotalOpened  int     `json:"total_opened"`
	TotalClicked int     `json:"total_clicked"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	TotalCost    float64 `json:"total_cost"`
}

// Contact is a read-only mirror of recipient addressing data maintained by
// the external profile system. This engine never mutates it outside of the
// sync path.
type Contact struct {
	Username   string  `json:"username"`
	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	PushChatID int64   `json:"push_chat_id,omitempty"`
	Verified   bool    `json:"verified"`
	MatchScore float64 `json:"match_score"`
}

// ParseHHMM parses a "HH:MM" clock value.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
