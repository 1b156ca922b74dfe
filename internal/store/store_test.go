package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "notifyd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testJob(id, name string, next time.Time) *model.JobDefinition {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &model.JobDefinition{
		ID:             id,
		Name:           name,
		TemplateType:   model.TemplateDatabaseCleanup,
		Parameters:     map[string]any{"retention_days": float64(30)},
		Schedule:       model.Schedule{Kind: model.ScheduleInterval, Seconds: 3600},
		Enabled:        true,
		TimeoutSeconds: 600,
		Retry:          model.RetryPolicy{MaxRetries: 2, RetryDelaySeconds: 30},
		CreatedBy:      "admin",
		CreatedAt:      now,
		UpdatedAt:      now,
		NextRunAt:      &next,
		Version:        1,
	}
}

func TestJobRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	next := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	def := testJob("job-1", "cleanup", next)
	require.NoError(t, st.CreateJob(ctx, def))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "cleanup", got.Name)
	assert.Equal(t, model.TemplateDatabaseCleanup, got.TemplateType)
	assert.Equal(t, float64(30), got.Parameters["retention_days"])
	assert.Equal(t, model.ScheduleInterval, got.Schedule.Kind)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
	assert.Equal(t, int64(1), got.Version)

	_, err = st.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobOptimisticLock(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	def := testJob("job-1", "cleanup", time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, def))

	def.Description = "updated"
	def.UpdatedAt = def.UpdatedAt.Add(time.Minute)
	require.NoError(t, st.UpdateJob(ctx, def, 1))
	assert.Equal(t, int64(2), def.Version)

	// Stale version is rejected.
	err := st.UpdateJob(ctx, def, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Missing row is distinguishable.
	gone := testJob("job-2", "ghost", time.Now().UTC())
	err = st.UpdateJob(ctx, gone, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDueJobsOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	early := now.Add(-2 * time.Minute)
	late := now.Add(-1 * time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, st.CreateJob(ctx, testJob("b", "second-by-id", late)))
	require.NoError(t, st.CreateJob(ctx, testJob("a", "first-by-id", late)))
	require.NoError(t, st.CreateJob(ctx, testJob("c", "earliest", early)))
	require.NoError(t, st.CreateJob(ctx, testJob("d", "not-due", future)))

	disabled := testJob("e", "disabled", early)
	disabled.Enabled = false
	require.NoError(t, st.CreateJob(ctx, disabled))

	due, err := st.DueJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "c", due[0].ID)
	assert.Equal(t, "a", due[1].ID)
	assert.Equal(t, "b", due[2].ID)
}

func TestAdvanceRunVersionGuard(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateJob(ctx, testJob("job-1", "cleanup", now)))
	require.NoError(t, st.AdvanceRun(ctx, "job-1", now, now.Add(time.Hour), 1))

	err := st.AdvanceRun(ctx, "job-1", now, now.Add(time.Hour), 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(now.Add(time.Hour)))
}

func TestExecutionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	exec := &model.JobExecution{
		ID:           "exec-1",
		JobID:        "job-1",
		JobName:      "cleanup",
		TemplateType: model.TemplateDatabaseCleanup,
		Status:       model.ExecutionRunning,
		Attempt:      1,
		StartedAt:    started,
		TriggeredBy:  model.TriggeredByScheduler,
	}
	require.NoError(t, st.CreateExecution(ctx, exec))

	n, err := st.CountRunning(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := started.Add(3 * time.Second)
	require.NoError(t, st.FinalizeExecution(ctx, "exec-1", model.ExecutionSuccess, done, 3*time.Second,
		map[string]any{"deleted": float64(12)}, ""))

	// Finalized rows are immutable.
	err = st.FinalizeExecution(ctx, "exec-1", model.ExecutionFailed, done, time.Second, nil, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, got.Status)
	assert.Equal(t, float64(12), got.Result["deleted"])
	assert.InDelta(t, 3.0, got.DurationSeconds, 0.001)

	list, err := st.ListExecutions(ctx, ExecutionFilter{JobID: "job-1", Status: model.ExecutionSuccess})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestQueueDueOrderingAndMarks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, prio model.Priority, created time.Time, channels []model.Channel, sched *time.Time) *model.QueueItem {
		return &model.QueueItem{
			ID: id, Username: "sara", Trigger: model.TriggerNewMatch, Priority: prio,
			Channels: channels, TemplateData: map[string]any{}, Status: model.QueuePending,
			ScheduledFor: sched, CreatedAt: created, UpdatedAt: created,
		}
	}

	deferred := now.Add(time.Hour)
	require.NoError(t, st.InsertQueueItem(ctx, mk("low", model.PriorityLow, now.Add(-3*time.Minute), []model.Channel{model.ChannelEmail}, nil)))
	require.NoError(t, st.InsertQueueItem(ctx, mk("crit", model.PriorityCritical, now.Add(-1*time.Minute), []model.Channel{model.ChannelEmail}, nil)))
	require.NoError(t, st.InsertQueueItem(ctx, mk("high", model.PriorityHigh, now.Add(-2*time.Minute), []model.Channel{model.ChannelEmail}, nil)))
	require.NoError(t, st.InsertQueueItem(ctx, mk("sms-only", model.PriorityHigh, now.Add(-2*time.Minute), []model.Channel{model.ChannelSMS}, nil)))
	require.NoError(t, st.InsertQueueItem(ctx, mk("later", model.PriorityCritical, now.Add(-5*time.Minute), []model.Channel{model.ChannelEmail}, &deferred)))

	due, err := st.DueQueueItems(ctx, model.ChannelEmail, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "crit", due[0].ID)
	assert.Equal(t, "high", due[1].ID)
	assert.Equal(t, "low", due[2].ID)

	require.NoError(t, st.MarkQueueSent(ctx, "crit", now))
	require.NoError(t, st.MarkQueueFailed(ctx, "high", now, "mailbox full"))

	sent, err := st.GetQueueItem(ctx, "crit")
	require.NoError(t, err)
	assert.Equal(t, model.QueueSent, sent.Status)
	assert.Equal(t, 0, sent.Attempts, "successful delivery must not count as an attempt")

	failed, err := st.GetQueueItem(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "mailbox full", failed.Error)

	// Only failed items can be requeued, and requeue clears the error.
	require.NoError(t, st.RequeueItem(ctx, "high", now.Add(time.Minute)))
	assert.ErrorIs(t, st.RequeueItem(ctx, "crit", now), ErrNotFound)

	requeued, err := st.GetQueueItem(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, requeued.Status)
	assert.Empty(t, requeued.Error)
}

func TestTemplateSingleActive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t1 := &model.MessageTemplate{ID: "t1", Trigger: model.TriggerNewMatch, Channel: model.ChannelEmail, Subject: "v1", Body: "b", Active: true, Version: 1}
	require.NoError(t, st.UpsertTemplate(ctx, t1, now))

	t2 := &model.MessageTemplate{ID: "t2", Trigger: model.TriggerNewMatch, Channel: model.ChannelEmail, Subject: "v2", Body: "b", Active: true, Version: 1}
	require.NoError(t, st.UpsertTemplate(ctx, t2, now.Add(time.Minute)))

	active, err := st.ActiveTemplate(ctx, model.TriggerNewMatch, model.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "t2", active.ID)

	_, err = st.ActiveTemplate(ctx, model.TriggerNewMessage, model.ChannelSMS)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := st.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeliveryLogCountsAndAnalytics(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"l1", "l2", "l3"} {
		e := &model.DeliveryLog{
			ID: id, Username: "sara", Trigger: model.TriggerNewMatch,
			Channel: model.ChannelSMS, Priority: model.PriorityHigh,
			Cost: 0.0075, SentAt: now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.AppendDeliveryLog(ctx, e))
	}
	old := &model.DeliveryLog{
		ID: "l0", Username: "sara", Trigger: model.TriggerNewMatch,
		Channel: model.ChannelSMS, Priority: model.PriorityHigh,
		Cost: 0.0075, SentAt: now.Add(-48 * time.Hour),
	}
	require.NoError(t, st.AppendDeliveryLog(ctx, old))

	n, err := st.DeliveryCountSince(ctx, "sara", model.ChannelSMS, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cost, err := st.DailyCost(ctx, model.ChannelSMS, now.Truncate(24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.0225, cost, 0.0001)

	require.NoError(t, st.TrackOpen(ctx, "l1", now.Add(time.Hour)))
	require.NoError(t, st.TrackClick(ctx, "l1", now.Add(time.Hour)))

	a, err := st.AnalyticsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, a.TotalSent)
	assert.Equal(t, 1, a.TotalOpened)
	assert.Equal(t, 1, a.TotalClicked)
	assert.InDelta(t, 33.33, a.OpenRate, 0.1)
}

func TestPreferencesRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.GetPreferences(ctx, "sara")
	assert.ErrorIs(t, err, ErrNotFound)

	p := model.DefaultPreferences("sara")
	p.QuietHrs.Enabled = true
	require.NoError(t, st.PutPreferences(ctx, p, now))

	got, err := st.GetPreferences(ctx, "sara")
	require.NoError(t, err)
	assert.Equal(t, "sara", got.Username)
	assert.True(t, got.QuietHrs.Enabled)
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelPush}, got.ChannelsFor(model.TriggerNewMatch))
}

func TestContactsMirror(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.GetContact(ctx, "sara")
	assert.ErrorIs(t, err, ErrNotFound)

	c := &model.Contact{Username: "sara", Email: "sara@example.com", Phone: "+15550100", Verified: true, MatchScore: 92}
	require.NoError(t, st.UpsertContact(ctx, c))

	got, err := st.GetContact(ctx, "sara")
	require.NoError(t, err)
	assert.Equal(t, "sara@example.com", got.Email)
	assert.True(t, got.Verified)
}
