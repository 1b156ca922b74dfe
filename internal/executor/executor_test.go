package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notifyd/internal/jobs"
	"notifyd/internal/model"
	"notifyd/internal/notify"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

// fakeTemplate is a controllable template for driving the executor.
type fakeTemplate struct {
	kind    model.TemplateKind
	mu      sync.Mutex
	calls   int
	failN   int // fail this many calls before succeeding; -1 fails forever
	block   chan struct{}
	execErr error
}

func (f *fakeTemplate) Kind() model.TemplateKind { return f.kind }
func (f *fakeTemplate) Description() string      { return "test template" }
func (f *fakeTemplate) Params() []jobs.ParamSpec {
	return []jobs.ParamSpec{{Name: "ok", Type: "boolean"}}
}

func (f *fakeTemplate) Execute(ctx context.Context, _ map[string]any) (*jobs.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.failN < 0 || n <= f.failN {
		return nil, fmt.Errorf("attempt %d boom", n)
	}
	return &jobs.Result{Message: "done", Processed: n}, nil
}

func (f *fakeTemplate) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRegistry struct{ tmpl *fakeTemplate }

func (r *fakeRegistry) Get(kind model.TemplateKind) (jobs.Template, error) {
	if kind != r.tmpl.kind {
		return nil, fmt.Errorf("unknown job template %q", kind)
	}
	return r.tmpl, nil
}

func (r *fakeRegistry) Validate(kind model.TemplateKind, params map[string]any) error {
	if _, err := r.Get(kind); err != nil {
		return err
	}
	if v, ok := params["ok"]; ok {
		if _, isBool := v.(bool); !isBool {
			return errors.New(`parameter "ok" must be a boolean`)
		}
	}
	return nil
}

func fixture(t *testing.T, tmpl *fakeTemplate) (*Executor, *store.Store, *notify.Service) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "exec.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ns := notify.New(st, logx.Nop())
	e := New(st, &fakeRegistry{tmpl: tmpl}, ns, logx.Nop())
	t.Cleanup(e.Stop)
	return e, st, ns
}

func def(retries int) *model.JobDefinition {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &model.JobDefinition{
		ID:              "job-1",
		Name:            "nightly-cleanup",
		TemplateType:    model.TemplateDatabaseCleanup,
		Parameters:      map[string]any{"ok": true},
		Schedule:        model.Schedule{Kind: model.ScheduleInterval, Seconds: 3600},
		Enabled:         true,
		TimeoutSeconds:  5,
		Retry:           model.RetryPolicy{MaxRetries: retries, RetryDelaySeconds: 0},
		NotifyOnFailure: []string{"ops"},
		CreatedBy:       "admin",
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

func TestRunSuccess(t *testing.T) {
	tmpl := &fakeTemplate{kind: model.TemplateDatabaseCleanup}
	e, st, _ := fixture(t, tmpl)
	ctx := context.Background()

	execID, err := e.Run(ctx, def(2), model.ManualTrigger("admin"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecutionSuccess || got.Attempt != 1 {
		t.Fatalf("execution = %+v, want success attempt 1", got)
	}
	if got.TriggeredBy != "manual:admin" {
		t.Fatalf("triggered_by = %q, want manual:admin", got.TriggeredBy)
	}
	if tmpl.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", tmpl.callCount())
	}
}

func TestRunRetryExhaustion(t *testing.T) {
	tmpl := &fakeTemplate{kind: model.TemplateDatabaseCleanup, failN: -1}
	e, st, _ := fixture(t, tmpl)
	ctx := context.Background()

	if _, err := e.Run(ctx, def(2), model.TriggeredByScheduler); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// maxRetries=2 means three attempt rows, all failed.
	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{JobID: "job-1"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("rows = %d, want 3", len(execs))
	}
	attempts := map[int]bool{}
	for _, x := range execs {
		if x.Status != model.ExecutionFailed {
			t.Fatalf("execution %s status = %s, want failed", x.ID, x.Status)
		}
		attempts[x.Attempt] = true
	}
	for i := 1; i <= 3; i++ {
		if !attempts[i] {
			t.Fatalf("missing attempt %d", i)
		}
	}

	// Exhaustion produced exactly one job_failed notification for "ops".
	items, err := st.DueQueueItems(ctx, model.ChannelEmail, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueQueueItems: %v", err)
	}
	if len(items) != 1 || items[0].Trigger != model.TriggerJobFailed || items[0].Username != "ops" {
		t.Fatalf("queue = %+v, want one job_failed for ops", items)
	}
}

func TestRunRecoversOnRetry(t *testing.T) {
	tmpl := &fakeTemplate{kind: model.TemplateDatabaseCleanup, failN: 1}
	e, st, _ := fixture(t, tmpl)
	ctx := context.Background()

	if _, err := e.Run(ctx, def(2), model.TriggeredByScheduler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{JobID: "job-1"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("rows = %d, want 2", len(execs))
	}
	var succeeded int
	for _, x := range execs {
		if x.Status == model.ExecutionSuccess {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", succeeded)
	}

	// Recovery on retry is not a failure: no job_failed notification.
	items, err := st.DueQueueItems(ctx, model.ChannelEmail, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueQueueItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("queue = %+v, want empty", items)
	}
}

func TestInvalidParamsFailFast(t *testing.T) {
	tmpl := &fakeTemplate{kind: model.TemplateDatabaseCleanup}
	e, st, _ := fixture(t, tmpl)
	ctx := context.Background()

	d := def(2)
	d.Parameters = map[string]any{"ok": "not-a-bool"}
	if _, err := e.Run(ctx, d, model.ManualTrigger("admin")); err == nil {
		t.Fatal("expected validation error")
	}
	if tmpl.callCount() != 0 {
		t.Fatalf("template ran %d times, want 0", tmpl.callCount())
	}
	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{JobID: "job-1"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != model.ExecutionFailed {
		t.Fatalf("execs = %+v, want one failed row", execs)
	}

	// The guard was released: a valid run works immediately afterwards.
	if _, err := e.Run(ctx, def(0), model.ManualTrigger("admin")); err != nil {
		t.Fatalf("follow-up Run: %v", err)
	}
}

func TestOverlapGuard(t *testing.T) {
	tmpl := &fakeTemplate{kind: model.TemplateDatabaseCleanup, block: make(chan struct{})}
	e, _, _ := fixture(t, tmpl)
	ctx := context.Background()

	execID, err := e.RunAsync(ctx, def(0), model.ManualTrigger("admin"))
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	if execID == "" {
		t.Fatal("expected execution id")
	}

	// Wait until the template is actually inside Execute.
	deadline := time.Now().Add(2 * time.Second)
	for tmpl.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("template never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := e.RunAsync(ctx, def(0), model.ManualTrigger("admin")); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if !e.Running("job-1") {
		t.Fatal("Running(job-1) = false, want true")
	}

	close(tmpl.block)
	deadline = time.Now().Add(2 * time.Second)
	for e.Running("job-1") {
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Guard released: the job can run again.
	if _, err := e.Run(ctx, def(0), model.ManualTrigger("admin")); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
}

func TestTimeoutStatus(t *testing.T) {
	tmpl := &fakeTemplate{kind: model.TemplateDatabaseCleanup, block: make(chan struct{})}
	e, st, _ := fixture(t, tmpl)
	ctx := context.Background()

	d := def(0)
	d.TimeoutSeconds = 1
	execID, err := e.Run(ctx, d, model.TriggeredByScheduler)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecutionTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
}
