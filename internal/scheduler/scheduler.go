// Package scheduler owns the tick loop: every tick it evaluates the built-in
// maintenance jobs and the stored dynamic definitions, advances their run
// markers and hands due work to a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/executor"
	"notifyd/internal/model"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

// ErrSchedulerActive means a scheduler loop is already running in this
// process. Exactly one loop may own the job tables at a time.
var ErrSchedulerActive = errors.New("scheduler already active")

// claimed is process-wide: two Scheduler values in the same process still
// conflict.
var claimed atomic.Bool

// builtin is one of the static maintenance jobs. Their next-run markers live
// in memory; only their executions are persisted.
type builtin struct {
	def     *model.JobDefinition
	nextRun time.Time
}

type work struct {
	def         *model.JobDefinition
	triggeredBy string
}

type Scheduler struct {
	st   *store.Store
	exec *executor.Executor
	cfg  config.SchedulerConfig
	log  logx.Logger
	now  func() time.Time

	builtins []*builtin

	cancel context.CancelFunc
	queue  chan work
	wg     sync.WaitGroup

	started bool
	mu      sync.Mutex
}

func New(st *store.Store, exec *executor.Executor, cfg config.SchedulerConfig, log logx.Logger) *Scheduler {
	return &Scheduler{
		st:       st,
		exec:     exec,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		builtins: builtinJobs(cfg),
	}
}

// builtinJobs is the closed set of maintenance jobs every deployment runs.
func builtinJobs(cfg config.SchedulerConfig) []*builtin {
	retentionDays := int(cfg.Retention().Hours() / 24)
	if retentionDays < 1 {
		retentionDays = 1
	}
	return []*builtin{
		{def: &model.JobDefinition{
			ID:           "builtin-history-cleanup",
			Name:         "execution-history-cleanup",
			TemplateType: model.TemplateDatabaseCleanup,
			Parameters:   map[string]any{"retention_days": float64(retentionDays)},
			Schedule:     model.Schedule{Kind: model.ScheduleInterval, Seconds: 3600},
			Enabled:      true,
			Retry:        model.RetryPolicy{MaxRetries: 0, RetryDelaySeconds: 0},
		}},
		{def: &model.JobDefinition{
			ID:           "builtin-database-vacuum",
			Name:         "database-vacuum",
			TemplateType: model.TemplateDatabaseCleanup,
			Parameters:   map[string]any{"retention_days": float64(retentionDays), "vacuum": true},
			Schedule:     model.Schedule{Kind: model.ScheduleCron, Expression: "0 3 * * *", Timezone: "UTC"},
			Enabled:      true,
			Retry:        model.RetryPolicy{MaxRetries: 0, RetryDelaySeconds: 0},
		}},
	}
}

// Start claims the process-wide scheduler slot and launches the tick loop
// plus the worker pool. A second Start, on any Scheduler value, fails with
// ErrSchedulerActive until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerActive
	}
	if !claimed.CompareAndSwap(false, true) {
		return ErrSchedulerActive
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	s.queue = make(chan work, queueSize)

	now := s.now().UTC()
	for _, b := range s.builtins {
		next, err := b.def.Schedule.Next(now)
		if err != nil {
			s.started = false
			claimed.Store(false)
			return err
		}
		b.nextRun = next
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(loopCtx)
	}
	s.wg.Add(1)
	go s.loop(loopCtx)

	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick()),
		logx.Int("workers", workers))
	return nil
}

// Stop halts the loop, drains the workers and releases the claim. In-flight
// executions finish via the executor's own shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	claimed.Store(false)
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates due jobs once. All errors are logged, never fatal: the next
// tick retries whatever this one could not do.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	for _, b := range s.builtins {
		if b.nextRun.After(now) {
			continue
		}
		if s.full() {
			s.log.Warn("worker queue full, job stays due", logx.String("job", b.def.Name))
			continue
		}
		next, err := b.def.Schedule.Next(now)
		if err != nil {
			s.log.Error("builtin schedule", logx.String("job", b.def.Name), logx.Err(err))
			continue
		}
		b.nextRun = next
		s.dispatch(ctx, b.def)
	}

	due, err := s.st.DueJobs(ctx, now)
	if err != nil {
		s.log.Error("load due jobs", logx.Err(err))
		return
	}
	for _, def := range due {
		if s.full() {
			s.log.Warn("worker queue full, job stays due", logx.String("job", def.Name))
			continue
		}
		next, err := def.Schedule.Next(now)
		if err != nil {
			s.log.Error("job schedule", logx.String("job", def.Name), logx.Err(err))
			continue
		}
		// Advance before dispatch so a slow run cannot double-fire. A version
		// conflict means an admin edit won; the edited row fires on its own
		// next_run_at.
		if err := s.st.AdvanceRun(ctx, def.ID, now, next, def.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				s.log.Warn("job edited mid-tick, skipping", logx.String("job", def.Name))
				continue
			}
			s.log.Error("advance run", logx.String("job", def.Name), logx.Err(err))
			continue
		}
		s.dispatch(ctx, def)
	}
}

// full reports whether the worker queue has no free slot. The tick loop is
// the queue's only sender, so a free slot seen here cannot vanish before
// the matching dispatch.
func (s *Scheduler) full() bool { return len(s.queue) == cap(s.queue) }

// dispatch hands one run to the worker pool. Callers check full() before
// advancing any run markers: a run whose markers moved must reach a worker.
func (s *Scheduler) dispatch(ctx context.Context, def *model.JobDefinition) {
	select {
	case s.queue <- work{def: def, triggeredBy: model.TriggeredByScheduler}:
	case <-ctx.Done():
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.queue:
			if _, err := s.exec.Run(ctx, w.def, w.triggeredBy); err != nil {
				if errors.Is(err, executor.ErrAlreadyRunning) {
					s.log.Debug("run still in flight, skipped", logx.String("job", w.def.Name))
					continue
				}
				s.log.Error("job run", logx.String("job", w.def.Name), logx.Err(err))
			}
		}
	}
}
