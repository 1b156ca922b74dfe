// Package notify decides whether, where and when a notification goes out:
// preference routing, rolling rate limits and quiet-hours deferral. It writes
// queue items; the notifier job templates drain them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/model"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

var (
	// ErrNoEligibleChannel means the user's preferences route this trigger to
	// none of the requested channels. Expected outcome, not a fault.
	ErrNoEligibleChannel = errors.New("no eligible channel for trigger")

	// ErrRateLimited means every eligible channel is over its rolling limit.
	ErrRateLimited = errors.New("all channels rate limited")
)

type Service struct {
	st  *store.Store
	log logx.Logger
	now func() time.Time
}

func New(st *store.Store, log logx.Logger) *Service {
	return &Service{st: st, log: log, now: time.Now}
}

// Enqueue routes one notification through the user's preferences and persists
// it as pending (or scheduled, when quiet hours defer it). The returned item
// carries only the channels that survived preference intersection and rate
// limiting.
func (s *Service) Enqueue(ctx context.Context, username string, trigger model.Trigger, priority model.Priority, channels []model.Channel, data map[string]any) (*model.QueueItem, error) {
	prefs, err := s.Preferences(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	preferred := prefs.ChannelsFor(trigger)
	eligible := intersect(channels, preferred)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleChannel
	}

	now := s.now().UTC()
	var open []model.Channel
	for _, ch := range eligible {
		limit, ok := prefs.RateLimit[ch]
		if !ok || limit.Max <= 0 {
			open = append(open, ch)
			continue
		}
		n, err := s.st.DeliveryCountSince(ctx, username, ch, now.Add(-limit.Period.Window()))
		if err != nil {
			return nil, fmt.Errorf("rate counter for %s: %w", ch, err)
		}
		if n >= limit.Max {
			s.log.Debug("channel rate limited",
				logx.String("user", username),
				logx.String("channel", string(ch)),
				logx.Int("sent", n),
				logx.Int("max", limit.Max))
			continue
		}
		open = append(open, ch)
	}
	if len(open) == 0 {
		return nil, ErrRateLimited
	}

	item := &model.QueueItem{
		ID:           uuid.NewString(),
		Username:     username,
		Trigger:      trigger,
		Priority:     priority,
		Channels:     open,
		TemplateData: data,
		Status:       model.QueuePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if deferUntil := s.quietHoursEnd(prefs, trigger, priority, now); deferUntil != nil {
		item.Status = model.QueueScheduled
		item.ScheduledFor = deferUntil
		s.log.Debug("deferred to quiet-hours end",
			logx.String("user", username),
			logx.String("trigger", string(trigger)),
			logx.Time("until", *deferUntil))
	}

	if err := s.st.InsertQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// quietHoursEnd returns the deferral time when the notification lands inside
// the user's quiet window, nil otherwise. Critical priority and exempt
// triggers always pass through.
func (s *Service) quietHoursEnd(prefs *model.Preferences, trigger model.Trigger, priority model.Priority, now time.Time) *time.Time {
	q := prefs.QuietHrs
	if !q.Enabled || priority == model.PriorityCritical || q.Exempt(trigger) {
		return nil
	}
	sh, sm, err := model.ParseHHMM(q.Start)
	if err != nil {
		s.log.Warn("bad quiet-hours start", logx.String("user", prefs.Username), logx.Err(err))
		return nil
	}
	eh, em, err := model.ParseHHMM(q.End)
	if err != nil {
		s.log.Warn("bad quiet-hours end", logx.String("user", prefs.Username), logx.Err(err))
		return nil
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	start := sh*60 + sm
	end := eh*60 + em
	if start == end {
		return nil
	}

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	var inside bool
	var until time.Time
	if start < end {
		inside = cur >= start && cur < end
		until = day.Add(time.Duration(end) * time.Minute)
	} else {
		// Window crosses midnight, e.g. 22:00 to 08:00.
		inside = cur >= start || cur < end
		if cur < end {
			until = day.Add(time.Duration(end) * time.Minute)
		} else {
			until = day.AddDate(0, 0, 1).Add(time.Duration(end) * time.Minute)
		}
	}
	if !inside {
		return nil
	}
	u := until.UTC()
	return &u
}

// Preferences loads a user's preferences, creating and persisting the
// defaults on first touch.
func (s *Service) Preferences(ctx context.Context, username string) (*model.Preferences, error) {
	p, err := s.st.GetPreferences(ctx, username)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	p = model.DefaultPreferences(username)
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.st.PutPreferences(ctx, p, now); err != nil {
		return nil, fmt.Errorf("persist default preferences: %w", err)
	}
	return p, nil
}

// UpdatePreferences validates and replaces the user's preference document.
func (s *Service) UpdatePreferences(ctx context.Context, p *model.Preferences) error {
	if p.Username == "" {
		return errors.New("preferences: username is required")
	}
	for trig, chs := range p.Channels {
		for _, ch := range chs {
			if !ch.Valid() {
				return fmt.Errorf("preferences: invalid channel %q for trigger %q", ch, trig)
			}
		}
	}
	for ch, rl := range p.RateLimit {
		if !ch.Valid() {
			return fmt.Errorf("preferences: invalid rate-limit channel %q", ch)
		}
		if rl.Max < 0 {
			return fmt.Errorf("preferences: negative rate limit for %q", ch)
		}
		switch rl.Period {
		case model.PeriodHourly, model.PeriodDaily, model.PeriodWeekly:
		default:
			return fmt.Errorf("preferences: invalid rate period %q for %q", rl.Period, ch)
		}
	}
	if p.QuietHrs.Enabled {
		if _, _, err := model.ParseHHMM(p.QuietHrs.Start); err != nil {
			return fmt.Errorf("preferences: quiet hours: %w", err)
		}
		if _, _, err := model.ParseHHMM(p.QuietHrs.End); err != nil {
			return fmt.Errorf("preferences: quiet hours: %w", err)
		}
		if p.QuietHrs.Timezone != "" {
			if _, err := time.LoadLocation(p.QuietHrs.Timezone); err != nil {
				return fmt.Errorf("preferences: quiet hours timezone: %w", err)
			}
		}
	}
	p.UpdatedAt = s.now().UTC()
	return s.st.PutPreferences(ctx, p, p.UpdatedAt)
}

// Analytics aggregates delivery stats over the trailing number of days.
func (s *Service) Analytics(ctx context.Context, days int) (*model.Analytics, error) {
	if days <= 0 {
		days = 7
	}
	return s.st.AnalyticsSince(ctx, s.now().UTC().AddDate(0, 0, -days))
}

// Requeue resets a failed item back to pending. The only path out of failed.
func (s *Service) Requeue(ctx context.Context, itemID string) error {
	return s.st.RequeueItem(ctx, itemID, s.now().UTC())
}

// intersect keeps requested channels the user's preferences also allow. A nil
// or empty request means "whatever the user prefers".
func intersect(requested, preferred []model.Channel) []model.Channel {
	if len(preferred) == 0 {
		return nil
	}
	if len(requested) == 0 {
		out := make([]model.Channel, len(preferred))
		copy(out, preferred)
		return out
	}
	var out []model.Channel
	for _, ch := range requested {
		for _, p := range preferred {
			if ch == p {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}
