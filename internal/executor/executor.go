// Package executor turns a job definition into execution rows: overlap
// guarding, parameter validation, per-attempt records, timeouts and the
// retry loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/jobs"
	"notifyd/internal/model"
	"notifyd/internal/notify"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

// ErrAlreadyRunning means an execution for the same job is still in flight.
var ErrAlreadyRunning = errors.New("job is already running")

// Registry resolves template kinds. Satisfied by *jobs.Registry.
type Registry interface {
	Get(kind model.TemplateKind) (jobs.Template, error)
	Validate(kind model.TemplateKind, params map[string]any) error
}

// Executor runs job templates. One instance per process; the scheduler and
// the API share it so the overlap guard covers both trigger paths.
type Executor struct {
	st     *store.Store
	reg    Registry
	notify *notify.Service
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st *store.Store, reg Registry, ns *notify.Service, log logx.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		st:      st,
		reg:     reg,
		notify:  ns,
		log:     log,
		now:     time.Now,
		running: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stop cancels in-flight runs and waits for them to finalize their rows.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Running reports whether the job currently has an execution in flight.
func (e *Executor) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[jobID]
	return ok
}

func (e *Executor) acquire(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[jobID]; ok {
		return false
	}
	e.running[jobID] = struct{}{}
	return true
}

func (e *Executor) release(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

// RunAsync starts an execution in the background and returns the id of its
// first attempt row. Parameter validation happens before anything runs: bad
// params produce a single failed row and an error, never an execution.
func (e *Executor) RunAsync(ctx context.Context, def *model.JobDefinition, triggeredBy string) (string, error) {
	execID, err := e.begin(ctx, def, triggeredBy)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(def.ID)
		e.runAttempts(e.ctx, def, triggeredBy, execID)
	}()
	return execID, nil
}

// Run executes synchronously. Used by tests and the scheduler's worker pool.
func (e *Executor) Run(ctx context.Context, def *model.JobDefinition, triggeredBy string) (string, error) {
	execID, err := e.begin(ctx, def, triggeredBy)
	if err != nil {
		return "", err
	}
	defer e.release(def.ID)
	e.runAttempts(ctx, def, triggeredBy, execID)
	return execID, nil
}

// begin claims the overlap guard, validates parameters and writes the first
// attempt row. On validation failure the guard is released and a finalized
// failed row documents the rejection.
func (e *Executor) begin(ctx context.Context, def *model.JobDefinition, triggeredBy string) (string, error) {
	if !e.acquire(def.ID) {
		return "", ErrAlreadyRunning
	}

	if err := e.reg.Validate(def.TemplateType, def.Parameters); err != nil {
		now := e.now().UTC()
		row := &model.JobExecution{
			ID:           uuid.NewString(),
			JobID:        def.ID,
			JobName:      def.Name,
			TemplateType: def.TemplateType,
			Status:       model.ExecutionFailed,
			Attempt:      1,
			StartedAt:    now,
			CompletedAt:  &now,
			Error:        fmt.Sprintf("invalid parameters: %v", err),
			TriggeredBy:  triggeredBy,
		}
		if cerr := e.st.CreateExecution(ctx, row); cerr != nil {
			e.log.Error("record validation failure", logx.String("job", def.Name), logx.Err(cerr))
		}
		e.release(def.ID)
		return "", fmt.Errorf("invalid parameters for %s: %w", def.Name, err)
	}

	execID := uuid.NewString()
	row := &model.JobExecution{
		ID:           execID,
		JobID:        def.ID,
		JobName:      def.Name,
		TemplateType: def.TemplateType,
		Status:       model.ExecutionRunning,
		Attempt:      1,
		StartedAt:    e.now().UTC(),
		TriggeredBy:  triggeredBy,
	}
	if err := e.st.CreateExecution(ctx, row); err != nil {
		e.release(def.ID)
		return "", fmt.Errorf("create execution: %w", err)
	}
	return execID, nil
}

// runAttempts drives one logical run: the already-created first attempt plus
// up to maxRetries fresh attempt rows, retryDelaySeconds apart.
func (e *Executor) runAttempts(ctx context.Context, def *model.JobDefinition, triggeredBy, firstExecID string) {
	tmpl, err := e.reg.Get(def.TemplateType)
	if err != nil {
		// begin validated the kind; this only happens on a racing registry bug.
		e.finalize(firstExecID, model.ExecutionFailed, e.now().UTC(), 0, nil, err.Error())
		return
	}

	maxAttempts := def.Retry.MaxRetries + 1
	delay := time.Duration(def.Retry.RetryDelaySeconds) * time.Second
	var lastErr string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		execID := firstExecID
		if attempt > 1 {
			execID = uuid.NewString()
			row := &model.JobExecution{
				ID:           execID,
				JobID:        def.ID,
				JobName:      def.Name,
				TemplateType: def.TemplateType,
				Status:       model.ExecutionRunning,
				Attempt:      attempt,
				StartedAt:    e.now().UTC(),
				TriggeredBy:  triggeredBy,
			}
			if err := e.st.CreateExecution(ctx, row); err != nil {
				e.log.Error("create retry execution", logx.String("job", def.Name), logx.Err(err))
				return
			}
		}

		started := e.now()
		status, result, runErr := e.runOnce(ctx, tmpl, def)
		duration := e.now().Sub(started)

		errText := ""
		if runErr != nil {
			errText = runErr.Error()
			lastErr = errText
		}
		e.finalize(execID, status, e.now().UTC(), duration, jobs.ResultMap(result), errText)

		if status == model.ExecutionSuccess {
			e.log.Info("job succeeded",
				logx.String("job", def.Name),
				logx.Int("attempt", attempt),
				logx.Duration("duration", duration))
			e.notifyOutcome(def, model.TriggerJobSucceeded, def.NotifyOnSuccess, model.PriorityLow, map[string]any{
				"job":      def.Name,
				"attempt":  attempt,
				"duration": duration.String(),
			})
			return
		}

		e.log.Warn("job attempt failed",
			logx.String("job", def.Name),
			logx.Int("attempt", attempt),
			logx.String("status", string(status)),
			logx.String("error", errText))

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	e.notifyOutcome(def, model.TriggerJobFailed, def.NotifyOnFailure, model.PriorityHigh, map[string]any{
		"job":      def.Name,
		"attempts": maxAttempts,
		"error":    lastErr,
	})
}

// runOnce executes a single attempt under the definition's timeout.
func (e *Executor) runOnce(ctx context.Context, tmpl jobs.Template, def *model.JobDefinition) (model.ExecutionStatus, *jobs.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	result, err := tmpl.Execute(runCtx, def.Parameters)
	if err == nil {
		return model.ExecutionSuccess, result, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return model.ExecutionTimeout, result, err
	}
	return model.ExecutionFailed, result, err
}

// finalize uses a background context so rows are finalized even when the
// triggering context is already cancelled.
func (e *Executor) finalize(execID string, status model.ExecutionStatus, at time.Time, duration time.Duration, result map[string]any, errText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.st.FinalizeExecution(ctx, execID, status, at, duration, result, errText); err != nil {
		e.log.Error("finalize execution", logx.String("execution", execID), logx.Err(err))
	}
}

// notifyOutcome enqueues outcome notifications to the configured recipients.
// Enqueue failures are logged only; a notification problem never changes the
// execution outcome.
func (e *Executor) notifyOutcome(def *model.JobDefinition, trigger model.Trigger, recipients []string, priority model.Priority, data map[string]any) {
	if e.notify == nil || len(recipients) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, user := range recipients {
		if _, err := e.notify.Enqueue(ctx, user, trigger, priority, nil, data); err != nil {
			e.log.Warn("outcome notification dropped",
				logx.String("job", def.Name),
				logx.String("recipient", user),
				logx.Err(err))
		}
	}
}
