package taskhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-task-hub/config"
	"github.com/Swind/go-task-hub/core"
	"github.com/Swind/go-task-hub/observability/prometheus"
)

// ErrApplicationRunning is returned by Start and Run while the hub is already running.
var ErrApplicationRunning = errors.New("taskhub: application is already running")

// Application wires a config, a host loop, a hub and optional Prometheus metrics.
// It owns the loop it created; a loop passed with WithHostLoop is left open.
type Application struct {
	name   string
	cfg    *config.Config
	logger core.Logger
	loop   core.HostLoop
	owned  io.Closer
	hub    *core.Hub
	poller *prometheus.SnapshotPoller

	runningMu sync.RWMutex
	running   bool
	runErr    chan error
}

// Option configures an Application.
type Option func(*appOptions)

type appOptions struct {
	logger     core.Logger
	registerer prom.Registerer
	loop       core.HostLoop
}

// WithLogger sets the base logger; the config log level filters it.
func WithLogger(logger core.Logger) Option {
	return func(o *appOptions) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer used when metrics are enabled.
func WithRegisterer(reg prom.Registerer) Option {
	return func(o *appOptions) { o.registerer = reg }
}

// WithHostLoop runs the hub on loop instead of a new core.EventLoop.
func WithHostLoop(loop core.HostLoop) Option {
	return func(o *appOptions) { o.loop = loop }
}

// NewApplication creates an application. A nil cfg uses config.Default.
func NewApplication(name string, cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if name == "" {
		name = "taskhub"
	}

	o := appOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = core.NewDefaultLogger()
	}

	hubConfig := cfg.HubConfig(o.logger)
	app := &Application{
		name:   name,
		cfg:    cfg,
		logger: hubConfig.Logger,
		loop:   o.loop,
	}

	if app.loop == nil {
		loop, err := core.NewEventLoop(core.WithLoopName(name), core.WithLoopLogger(app.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create event loop: %w", err)
		}
		app.loop = loop
		app.owned = loop
	}

	if cfg.Metrics.Enabled {
		exporter, err := prometheus.NewMetricsExporter(cfg.Metrics.Namespace, o.registerer, prometheus.ExporterOptions{})
		if err != nil {
			app.closeLoop()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		hubConfig.Metrics = exporter

		poller, err := prometheus.NewSnapshotPoller(cfg.Metrics.Namespace, o.registerer, cfg.Metrics.PollInterval.Duration)
		if err != nil {
			app.closeLoop()
			return nil, fmt.Errorf("failed to register snapshot metrics: %w", err)
		}
		app.poller = poller
	}

	app.hub = core.NewHub(app.loop, hubConfig)
	if app.poller != nil {
		app.poller.AddHub(name, app.hub)
		if lp, ok := app.loop.(prometheus.LoopSnapshotProvider); ok {
			app.poller.AddLoop(name, lp)
		}
	}
	return app, nil
}

// Name returns the application name.
func (a *Application) Name() string {
	return a.name
}

// Hub returns the application hub.
func (a *Application) Hub() *core.Hub {
	return a.hub
}

// Config returns the config the application was built from.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// IsRunning returns whether the hub is running
func (a *Application) IsRunning() bool {
	a.runningMu.RLock()
	defer a.runningMu.RUnlock()
	return a.running
}

// Run runs the hub on the calling goroutine until Stop. The calling goroutine
// becomes the loop goroutine, which is what UI toolkits bound to the main thread
// need.
func (a *Application) Run() error {
	a.runningMu.Lock()
	if a.running {
		a.runningMu.Unlock()
		return ErrApplicationRunning
	}
	a.running = true
	a.runningMu.Unlock()

	defer func() {
		a.runningMu.Lock()
		a.running = false
		a.runningMu.Unlock()
	}()

	return a.run()
}

func (a *Application) run() error {
	if a.poller != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.poller.Start(ctx)
		defer func() {
			a.poller.Stop()
			cancel()
		}()
	}

	a.logger.Info("application started", core.F("name", a.name))
	err := a.hub.Run()
	a.logger.Info("application stopped", core.F("name", a.name))
	return err
}

// Start runs the hub on a new goroutine and returns once the loop dispatches.
func (a *Application) Start(ctx context.Context) error {
	a.runningMu.Lock()
	if a.running {
		a.runningMu.Unlock()
		return ErrApplicationRunning
	}
	a.running = true
	runErr := make(chan error, 1)
	a.runErr = runErr
	a.runningMu.Unlock()

	ready := make(chan struct{})
	if err := a.loop.Post(func() { close(ready) }); err != nil {
		a.runningMu.Lock()
		a.running = false
		a.runErr = nil
		a.runningMu.Unlock()
		return err
	}

	go func() {
		err := a.run()
		a.runningMu.Lock()
		a.running = false
		a.runningMu.Unlock()
		runErr <- err
	}()

	select {
	case <-ready:
		return nil
	case err := <-runErr:
		runErr <- err
		if err == nil {
			err = core.ErrHubNotRunning
		}
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Stop aborts the hub and waits for it to exit. It returns the error Run
// returned when the application was started with Start.
func (a *Application) Stop() error {
	a.runningMu.RLock()
	runErr := a.runErr
	a.runningMu.RUnlock()

	err := a.hub.Abort(true)
	if errors.Is(err, core.ErrHubNotRunning) {
		err = nil
	}
	if err != nil {
		return err
	}

	if runErr != nil {
		a.runningMu.Lock()
		a.runErr = nil
		a.runningMu.Unlock()
		return <-runErr
	}
	return nil
}

// Close stops the application and closes the loop it created.
func (a *Application) Close() error {
	stopErr := a.Stop()
	return errors.Join(stopErr, a.closeLoop())
}

func (a *Application) closeLoop() error {
	if a.owned == nil {
		return nil
	}
	err := a.owned.Close()
	a.owned = nil
	return err
}

// =============================================================================
// Global Application Helper (Singleton)
// =============================================================================

var (
	globalApp *Application
	globalMu  sync.Mutex
)

// InitGlobalApplication creates the global application and starts it on its own
// goroutine. Calling it again is a no-op.
func InitGlobalApplication(cfg *config.Config, opts ...Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalApp != nil {
		return nil
	}

	app, err := NewApplication("global", cfg, opts...)
	if err != nil {
		return err
	}
	if err := app.Start(context.Background()); err != nil {
		_ = app.Close()
		return err
	}
	globalApp = app
	return nil
}

// GetGlobalHub returns the global hub.
// It panics if InitGlobalApplication has not been called.
func GetGlobalHub() *core.Hub {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalApp == nil {
		panic("global application not initialized. Call InitGlobalApplication() first.")
	}
	return globalApp.Hub()
}

// ShutdownGlobalApplication stops and closes the global application.
func ShutdownGlobalApplication() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalApp == nil {
		return nil
	}
	err := globalApp.Close()
	globalApp = nil
	return err
}

// CreateTaskGroup creates a new TaskGroup on the global hub.
func CreateTaskGroup(name string) *core.TaskGroup {
	return core.NewTaskGroup(GetGlobalHub(), name)
}
