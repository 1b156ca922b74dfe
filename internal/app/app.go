// Package app wires the engine together: config, logging, storage,
// transports, the notification service, the job registry, the executor, the
// scheduler and the HTTP API. Construction happens in one place so there is
// exactly one scheduler owner per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notifyd/internal/api"
	"notifyd/internal/config"
	"notifyd/internal/executor"
	"notifyd/internal/jobs"
	"notifyd/internal/notify"
	"notifyd/internal/scheduler"
	"notifyd/internal/store"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st     *store.Store
	notify *notify.Service
	exec   *executor.Executor
	sched  *scheduler.Scheduler
	server *api.Server
}

// New builds every component from the config file. Nothing is running yet;
// call Run.
func New(configPath string) (*App, error) {
	boot := logx.NewConsole("info")

	mgr := config.NewManager(configPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(cfg.Logging.Logx())

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log.With(logx.String("svc", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ns := notify.New(st, log.With(logx.String("svc", "notify")))

	var email transport.Email
	if cfg.Email.Enabled {
		email = transport.NewSMTPEmail(cfg.Email, log.With(logx.String("svc", "email")))
	}
	var sms transport.SMS
	if cfg.SMS.Enabled {
		sms = transport.NewHTTPSMS(cfg.SMS, log.With(logx.String("svc", "sms")))
	}
	var push transport.Push
	if cfg.Push.Enabled {
		p, err := transport.NewTelegramPush(cfg.Push, log.With(logx.String("svc", "push")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		push = p
	}

	reg := jobs.NewRegistry(jobs.Deps{
		Store:  st,
		Notify: ns,
		Email:  email,
		SMS:    sms,
		Push:   push,
		SMSCfg: cfg.SMS,
		Log:    log.With(logx.String("svc", "jobs")),
	})

	exec := executor.New(st, reg, ns, log.With(logx.String("svc", "executor")))
	sched := scheduler.New(st, exec, cfg.Scheduler, log.With(logx.String("svc", "scheduler")))
	server := api.New(cfg.Server, st, reg, exec, ns, log.With(logx.String("svc", "api")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		st:     st,
		notify: ns,
		exec:   exec,
		sched:  sched,
		server: server,
	}, nil
}

// Run starts everything and blocks until SIGINT/SIGTERM or a fatal server
// error, then shuts down gracefully.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Live reload currently applies logging changes only.
	go func() {
		if err := a.cfgMgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go func() {
		sub := a.cfgMgr.Subscribe(1)
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(cfg.Logging.Logx())
			}
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			a.log.Error("http server failed", logx.Err(err))
			a.shutdown()
			return err
		}
	}

	a.shutdown()
	return nil
}

// shutdown order: stop accepting requests, stop dispatching, finish in-flight
// runs, then close storage.
func (a *App) shutdown() {
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutCtx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}

	a.sched.Stop()
	a.exec.Stop()

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logSvc.Close()
}
