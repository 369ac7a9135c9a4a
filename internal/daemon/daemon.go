// Package daemon runs the devswarm pipeline as a long-lived process: it polls
// the artifact tree through the phase director, keeps the story index fresh
// from filesystem events and serves the control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/msageha/devswarm/internal/agent"
	"github.com/msageha/devswarm/internal/artifact"
	"github.com/msageha/devswarm/internal/events"
	"github.com/msageha/devswarm/internal/history"
	"github.com/msageha/devswarm/internal/lock"
	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/metrics"
	"github.com/msageha/devswarm/internal/model"
	"github.com/msageha/devswarm/internal/notify"
	"github.com/msageha/devswarm/internal/phase"
	"github.com/msageha/devswarm/internal/setup"
	"github.com/msageha/devswarm/internal/story"
	"github.com/msageha/devswarm/internal/swarm"
	"github.com/msageha/devswarm/internal/uds"
)

// ErrSwarmRunning is returned when a swarm is requested while one is in flight.
var ErrSwarmRunning = errors.New("swarm already running")

// ErrShuttingDown is returned for work requested after Shutdown began.
var ErrShuttingDown = errors.New("daemon shutting down")

// Daemon is the devswarm background process.
type Daemon struct {
	stateDir string
	config   model.Config
	logger   *logging.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	bus      *events.Bus
	metrics  *metrics.Metrics
	journal  *events.Journal
	history  *history.Store
	sink     events.Sink

	store     *artifact.FSStore
	fsWatcher *artifact.Watcher
	stories   *story.Watcher
	registry  *swarm.Registry
	engine    *swarm.Engine
	director  *phase.Director

	metricsSrv *http.Server
	ticker     *time.Ticker
	serving    bool
	afterLoad  func() // test hook, runs between the initial load and the event loops

	mu               sync.Mutex
	inImplementation bool
	swarming         atomic.Bool
	lastResult       *model.SwarmExecutionResult

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon logging to <stateDir>/logs/daemon.log and driving the
// agent CLI configured in cfg.LLM.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	logger := logging.New(logFile, logging.ParseLevel(cfg.Logging.Level), "daemon")
	executor := agent.NewCLIExecutor(cfg.Project.Root, logger.With("agent"))

	d, err := newDaemon(stateDir, cfg, executor, logFile, logFile)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return d, nil
}

// newDaemon wires every component; tests inject the executor and log writer.
func newDaemon(stateDir string, cfg model.Config, executor agent.Executor, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")

	if err := os.MkdirAll(filepath.Join(stateDir, "locks"), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	store, err := artifact.NewFSStore(cfg.Project.Root)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	journal, err := events.OpenJournal(setup.JournalPath(stateDir), events.DefaultMaxJournalSize)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	journal.EnableChecksum(true)
	journal.OnError = func(err error) { logger.Warnf("journal: %v", err) }

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			_ = journal.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
	}

	bus := events.NewBus(256)
	sink := events.MultiSink{
		events.LogSink{Logger: logger.With("pipeline")},
		journal,
		events.BusSink{Bus: bus},
	}
	if cfg.Notify.Desktop {
		desktop := notify.NewDesktopSink("devswarm")
		desktop.OnError = func(err error) { logger.Debugf("desktop notification: %v", err) }
		sink = append(sink, desktop)
	}

	m := metrics.New()

	registry := swarm.NewRegistry(sink, logger.With("registry"))
	registry.SetEventBus(bus)
	registry.SetMetrics(m)

	engine := swarm.NewEngine(store, executor, cfg.LLM, sink, logger.With("swarm"))
	engine.SetRegistry(registry)
	engine.SetEventBus(bus)
	engine.SetMetrics(m)

	director := phase.NewDirector(store, executor, cfg.LLM, sink, logger.With("director"))
	director.SetEventBus(bus)

	stories := story.NewWatcher(registry, sink, logger.With("stories"))
	stories.SetEventBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger.With("uds")),
		bus:      bus,
		metrics:  m,
		journal:  journal,
		history:  hist,
		sink:     sink,
		store:    store,
		stories:  stories,
		registry: registry,
		engine:   engine,
		director: director,
		ticker:   time.NewTicker(time.Duration(cfg.Watcher.ScanIntervalSec) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}
	stories.OnChange(d.onStoryChange)
	return d, nil
}

// Run starts the daemon and blocks until ctx ends, a signal arrives or a
// shutdown is requested over the socket.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		d.Shutdown()
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d root=%s", os.Getpid(), d.store.Root())

	// watch before loading so stories written during the load still arrive as events
	fsWatcher, err := artifact.NewWatcher(d.store, d.logger.With("watch"))
	if err != nil {
		d.Shutdown()
		return fmt.Errorf("watch artifacts: %w", err)
	}
	d.fsWatcher = fsWatcher

	if err := d.stories.Load(d.ctx, d.store); err != nil {
		d.Shutdown()
		return err
	}
	if d.afterLoad != nil {
		d.afterLoad()
	}
	d.logger.Infof("indexed %d stories", d.stories.Len())
	d.registry.SpawnDeveloperNodesFromStories(d.stories.Outstanding())

	d.subscribe()
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.Shutdown()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.serving = true
	d.logger.Infof("control socket listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	if addr := d.config.Daemon.MetricsAddr; addr != "" {
		d.startMetrics(addr)
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		d.fsWatcher.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.stories.Run(d.ctx, d.fsWatcher.Events())
	}()
	go d.tickerLoop()

	d.tick()
	d.logger.Infof("daemon ready")

	d.wait(ctx)
	return nil
}

func (d *Daemon) subscribe() {
	d.bus.Subscribe(events.EventPhaseChanged, func(ev events.Event) {
		if to, ok := ev.Data["to"].(string); ok {
			d.metrics.PhaseResolved(model.Phase(to))
		}
	})
	d.bus.Subscribe(events.EventSwarmCompleted, func(ev events.Event) {
		d.logger.Debugf("swarm completed: %v", ev.Data)
	})
}

func (d *Daemon) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorf("metrics server: %v", err)
		}
	}()
	d.logger.Infof("metrics listening on %s", addr)
}

// onStoryChange keeps a node registered for every story that still needs work.
func (d *Daemon) onStoryChange(kind artifact.ChangeKind, meta model.StoryMetadata) {
	if kind == artifact.ChangeDeleted || meta.IsDone() {
		return
	}
	d.registry.AddDeveloperNode(meta)
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.tick()
		}
	}
}

// tick runs the director against a fresh snapshot and starts the auto swarm
// when the pipeline has just entered implementation.
func (d *Daemon) tick() {
	snap, err := d.store.List()
	if err != nil {
		d.logger.Warnf("list artifacts: %v", err)
		return
	}
	p := d.director.Tick(d.ctx, snap)

	d.mu.Lock()
	entered := p.IsSwarm() && !d.inImplementation
	d.inImplementation = p.IsSwarm()
	d.mu.Unlock()

	if entered && d.config.Watcher.AutoSwarm {
		if _, err := d.StartSwarm(d.config.Swarm); err != nil {
			d.logger.Warnf("auto swarm: %v", err)
		}
	}
}

// StartSwarm runs the outstanding stories in the background with cfg and
// returns how many were dispatched.
func (d *Daemon) StartSwarm(cfg model.SwarmExecutionConfig) (int, error) {
	if d.ctx.Err() != nil {
		return 0, ErrShuttingDown
	}
	if !d.swarming.CompareAndSwap(false, true) {
		return 0, ErrSwarmRunning
	}
	pending := d.stories.Outstanding()
	d.logger.Infof("starting swarm over %d outstanding stories", len(pending))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.swarming.Store(false)

		result := d.engine.ExecuteSwarm(d.ctx, pending, cfg)
		d.record(result)
		d.mu.Lock()
		d.lastResult = &result
		d.mu.Unlock()
	}()
	return len(pending), nil
}

func (d *Daemon) record(result model.SwarmExecutionResult) {
	if d.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.history.Record(ctx, result); err != nil {
		d.logger.Errorf("record execution %s: %v", result.ExecutionID, err)
	}
}

// wait blocks until shutdown is due, then shuts down.
func (d *Daemon) wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			if _, ok := <-sigCh; ok {
				d.logger.Warnf("received second signal, forcing exit")
				os.Exit(1)
			}
		}()
	case <-ctx.Done():
		d.logger.Infof("context done, initiating graceful shutdown")
	case <-d.ctx.Done():
	}
	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.fsWatcher != nil {
			_ = d.fsWatcher.Close()
		}
		if d.serving {
			if err := d.server.Stop(); err != nil {
				d.logger.Warnf("stop control socket: %v", err)
			}
		}
		if d.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.metricsSrv.Shutdown(ctx)
			cancel()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
	})
}

// Done is closed once shutdown has begun.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

func (d *Daemon) cleanup() {
	d.bus.Close()
	if err := d.journal.Close(); err != nil {
		d.logger.Warnf("close journal: %v", err)
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Warnf("close history: %v", err)
		}
	}
	_ = d.fileLock.Unlock()
	d.logger.Infof("daemon stopped")
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
