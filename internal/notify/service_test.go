package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/model"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

func testService(t *testing.T, now time.Time) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "notify.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := New(st, logx.Nop())
	svc.now = func() time.Time { return now }
	return svc, st
}

func TestEnqueueChannelIntersection(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := testService(t, now)
	ctx := context.Background()

	// Defaults route new_match to email+push; sms is dropped.
	item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh,
		[]model.Channel{model.ChannelEmail, model.ChannelSMS}, map[string]any{"name": "Amina"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(item.Channels) != 1 || item.Channels[0] != model.ChannelEmail {
		t.Fatalf("channels = %v, want [email]", item.Channels)
	}
	if item.Status != model.QueuePending {
		t.Fatalf("status = %s, want pending", item.Status)
	}

	// profile_view defaults to push only; an sms-only request has no overlap.
	_, err = svc.Enqueue(ctx, "sara", model.TriggerProfileView, model.PriorityLow,
		[]model.Channel{model.ChannelSMS}, nil)
	if !errors.Is(err, ErrNoEligibleChannel) {
		t.Fatalf("err = %v, want ErrNoEligibleChannel", err)
	}

	// Empty request means every preferred channel.
	item, err = svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(item.Channels) != 2 {
		t.Fatalf("channels = %v, want [email push]", item.Channels)
	}
}

func TestEnqueueRateLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, st := testService(t, now)
	ctx := context.Background()

	prefs, err := svc.Preferences(ctx, "sara")
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	prefs.RateLimit[model.ChannelEmail] = model.RateLimit{Max: 2, Period: model.PeriodDaily}
	prefs.Channels[model.TriggerNewMatch] = []model.Channel{model.ChannelEmail}
	if err := svc.UpdatePreferences(ctx, prefs); err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}

	for i := 0; i < 2; i++ {
		e := &model.DeliveryLog{
			ID: string(rune('a' + i)), Username: "sara", Trigger: model.TriggerNewMatch,
			Channel: model.ChannelEmail, Priority: model.PriorityHigh,
			SentAt: now.Add(-time.Duration(i+1) * time.Hour),
		}
		if err := st.AppendDeliveryLog(ctx, e); err != nil {
			t.Fatalf("AppendDeliveryLog: %v", err)
		}
	}

	_, err = svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Deliveries outside the rolling window do not count.
	old := &model.DeliveryLog{
		ID: "z", Username: "bob", Trigger: model.TriggerNewMatch,
		Channel: model.ChannelEmail, Priority: model.PriorityHigh,
		SentAt: now.Add(-25 * time.Hour),
	}
	if err := st.AppendDeliveryLog(ctx, old); err != nil {
		t.Fatalf("AppendDeliveryLog: %v", err)
	}
	if _, err := svc.Enqueue(ctx, "bob", model.TriggerNewMatch, model.PriorityHigh, nil, nil); err != nil {
		t.Fatalf("Enqueue for bob: %v", err)
	}
}

func TestEnqueueQuietHours(t *testing.T) {
	ctx := context.Background()

	enableQuiet := func(t *testing.T, svc *Service, tz string) {
		t.Helper()
		prefs, err := svc.Preferences(ctx, "sara")
		if err != nil {
			t.Fatalf("Preferences: %v", err)
		}
		prefs.QuietHrs.Enabled = true
		prefs.QuietHrs.Timezone = tz
		if err := svc.UpdatePreferences(ctx, prefs); err != nil {
			t.Fatalf("UpdatePreferences: %v", err)
		}
	}

	t.Run("inside window defers to window end", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC) // inside 22:00-08:00
		svc, _ := testService(t, now)
		enableQuiet(t, svc, "UTC")

		item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if item.Status != model.QueueScheduled || item.ScheduledFor == nil {
			t.Fatalf("item = %+v, want scheduled with scheduled_for", item)
		}
		want := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
		if !item.ScheduledFor.Equal(want) {
			t.Fatalf("scheduled_for = %v, want %v", item.ScheduledFor, want)
		}
	})

	t.Run("early morning inside crossing window", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
		svc, _ := testService(t, now)
		enableQuiet(t, svc, "UTC")

		item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		want := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		if item.ScheduledFor == nil || !item.ScheduledFor.Equal(want) {
			t.Fatalf("scheduled_for = %v, want %v", item.ScheduledFor, want)
		}
	})

	t.Run("outside window sends immediately", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		svc, _ := testService(t, now)
		enableQuiet(t, svc, "UTC")

		item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if item.Status != model.QueuePending || item.ScheduledFor != nil {
			t.Fatalf("item = %+v, want pending immediate", item)
		}
	})

	t.Run("critical bypasses quiet hours", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
		svc, _ := testService(t, now)
		enableQuiet(t, svc, "UTC")

		item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityCritical, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if item.Status != model.QueuePending {
			t.Fatalf("status = %s, want pending", item.Status)
		}
	})

	t.Run("exempt trigger bypasses quiet hours", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
		svc, _ := testService(t, now)
		enableQuiet(t, svc, "UTC")

		item, err := svc.Enqueue(ctx, "sara", model.TriggerSuspiciousLogin, model.PriorityHigh, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if item.Status != model.QueuePending {
			t.Fatalf("status = %s, want pending", item.Status)
		}
	})

	t.Run("window evaluated in preference timezone", func(t *testing.T) {
		// 02:00 UTC is 22:00 the previous evening in New York: quiet.
		now := time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC)
		svc, _ := testService(t, now)
		enableQuiet(t, svc, "America/New_York")

		item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if item.Status != model.QueueScheduled || item.ScheduledFor == nil {
			t.Fatalf("item = %+v, want scheduled", item)
		}
		loc, _ := time.LoadLocation("America/New_York")
		want := time.Date(2025, 6, 2, 8, 0, 0, 0, loc)
		if !item.ScheduledFor.Equal(want) {
			t.Fatalf("scheduled_for = %v, want %v", item.ScheduledFor, want)
		}
	})
}

func TestPreferencesLazyDefault(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, st := testService(t, now)
	ctx := context.Background()

	if _, err := st.GetPreferences(ctx, "sara"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pre-read err = %v, want ErrNotFound", err)
	}
	p, err := svc.Preferences(ctx, "sara")
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if p.RateLimit[model.ChannelSMS].Max != 5 {
		t.Fatalf("sms limit = %d, want default 5", p.RateLimit[model.ChannelSMS].Max)
	}
	// Default is persisted on first touch.
	if _, err := st.GetPreferences(ctx, "sara"); err != nil {
		t.Fatalf("post-read: %v", err)
	}
}

func TestUpdatePreferencesValidation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := testService(t, now)
	ctx := context.Background()

	p := model.DefaultPreferences("sara")
	p.Channels[model.TriggerNewMatch] = []model.Channel{"pigeon"}
	if err := svc.UpdatePreferences(ctx, p); err == nil {
		t.Fatal("expected error for invalid channel")
	}

	p = model.DefaultPreferences("sara")
	p.QuietHrs.Enabled = true
	p.QuietHrs.Start = "25:00"
	if err := svc.UpdatePreferences(ctx, p); err == nil {
		t.Fatal("expected error for invalid quiet-hours start")
	}

	p = model.DefaultPreferences("sara")
	p.RateLimit[model.ChannelEmail] = model.RateLimit{Max: 10, Period: "fortnightly"}
	if err := svc.UpdatePreferences(ctx, p); err == nil {
		t.Fatal("expected error for invalid rate period")
	}
}

func TestRequeueOnlyFailed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, st := testService(t, now)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, "sara", model.TriggerNewMatch, model.PriorityHigh, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := svc.Requeue(ctx, item.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("requeue pending err = %v, want ErrNotFound", err)
	}

	if err := st.MarkQueueFailed(ctx, item.ID, now, "smtp down"); err != nil {
		t.Fatalf("MarkQueueFailed: %v", err)
	}
	if err := svc.Requeue(ctx, item.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if got.Status != model.QueuePending || got.Error != "" {
		t.Fatalf("item = %+v, want pending with cleared error", got)
	}
}
