// Package orchestrator is the composition root: it wires the database,
// Group Queue, Router, Task Scheduler, Agent Runner, channel registry, and
// administrative IPC socket into one running Daemon, and owns startup
// recovery and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nanoclaw/core/internal/agent"
	"github.com/nanoclaw/core/internal/channel"
	"github.com/nanoclaw/core/internal/config"
	"github.com/nanoclaw/core/internal/container"
	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/ipc"
	"github.com/nanoclaw/core/internal/lock"
	"github.com/nanoclaw/core/internal/queue"
	"github.com/nanoclaw/core/internal/router"
	"github.com/nanoclaw/core/internal/scheduler"
)

// Daemon owns every long-running component of one process.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	lock *lock.Lock
	db   *db.DB

	Queue     *queue.GroupQueue
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Channels  *channel.Registry
	Inbound   *channel.Store // the Inbound sink every registered Adapter should drive

	ipcServer *ipc.Server

	cancel context.CancelFunc
}

// New acquires the singleton lock, opens the database, and wires every
// component together. It does not start any loop; call Run for that.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	l, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		if lock.IsLiveHolder(err) {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		return nil, fmt.Errorf("orchestrator: acquire lock: %w", err)
	}

	for _, dir := range []string{cfg.StoreDir, cfg.GroupsDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.Release()
			return nil, fmt.Errorf("orchestrator: mkdir %s: %w", dir, err)
		}
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		l.Release()
		return nil, fmt.Errorf("orchestrator: open db: %w", err)
	}

	q := queue.New(cfg.MaxConcurrentAgents, log)
	channels := channel.NewRegistry(log)
	inbound := channel.NewStore(database, log)

	var adkBackend *agent.ADKBackend
	if cfg.AgentBackend == "adk" {
		adkBackend = &agent.ADKBackend{GroupsDir: cfg.GroupsDir}
	}

	var containerMgr *container.Manager
	if cfg.AgentBackend != "adk" {
		containerMgr, err = container.NewManager(cfg.ContainerImage, cfg.ContainerRuntime)
		if err != nil {
			database.Close()
			l.Release()
			return nil, fmt.Errorf("orchestrator: init container manager: %w", err)
		}
	}

	runner := agent.New(agent.Dependencies{
		DB:              database,
		Queue:           q,
		Container:       containerMgr,
		GroupsDir:       cfg.GroupsDir,
		IdleTimeout:     cfg.IdleTimeout,
		AssistantName:   cfg.AssistantName,
		MainGroupFolder: cfg.MainGroupFolder,
		ContainerCmd:    []string{"/usr/local/bin/nanoclaw-agent"},
		Backend:         cfg.AgentBackend,
		ADK:             adkBackend,
	}, log)

	r := router.New(database, q, channels, runner.Run, cfg.PollInterval, cfg.RequireTrigger, cfg.TriggerPattern, log)
	s := scheduler.New(database, q, cfg.SchedulerPollInterval, log)

	ipcServer, err := ipc.NewServer(cfg.StoreDir, database, q, cfg.WorkspaceRoot, log)
	if err != nil {
		database.Close()
		l.Release()
		return nil, fmt.Errorf("orchestrator: start ipc server: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		log:       log,
		lock:      l,
		db:        database,
		Queue:     q,
		Router:    r,
		Scheduler: s,
		Channels:  channels,
		Inbound:   inbound,
		ipcServer: ipcServer,
	}, nil
}

// Run performs startup recovery, then starts the router and scheduler
// loops and the IPC server, blocking until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.Router.RecoverPendingMessages(); err != nil {
		d.log.Warn("orchestrator: startup recovery", "error", err)
	}

	go d.Router.Run(ctx)
	go d.Scheduler.Run()
	go func() {
		if err := d.ipcServer.Serve(); err != nil {
			d.log.Warn("orchestrator: ipc server exited", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}

// Shutdown stops every component in dependency order and releases the
// singleton lock.
func (d *Daemon) Shutdown(graceMs int) {
	if d.cancel != nil {
		d.cancel()
	}
	_ = d.ipcServer.Close()
	d.Scheduler.Stop()
	d.Queue.Shutdown(graceMs)
	if err := d.Channels.DisconnectAll(context.Background()); err != nil {
		d.log.Warn("orchestrator: disconnect channels", "error", err)
	}
	if err := d.db.Close(); err != nil {
		d.log.Warn("orchestrator: close db", "error", err)
	}
	if err := d.lock.Release(); err != nil {
		d.log.Warn("orchestrator: release lock", "error", err)
	}
}

// DB exposes the underlying store for callers that need direct access
// (the operator console, administrative tooling).
func (d *Daemon) DB() *db.DB {
	return d.db
}
