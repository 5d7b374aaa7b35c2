package app

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"capman/internal/accomplish"
	"capman/internal/api"
	"capman/internal/artifact"
	"capman/internal/clients"
	"capman/internal/config"
	"capman/internal/container"
	"capman/internal/executor"
	"capman/internal/orchestrator"
	"capman/internal/pluginctx"
	"capman/internal/registry"
	"capman/internal/server"
	"capman/pkg/logging"
)

const subsystem = "App"

// shutdownTimeout bounds the drain of in-flight requests and container
// teardown.
const shutdownTimeout = 15 * time.Second

// App holds the wired service.
type App struct {
	cfg config.Config

	registry   *registry.Registry
	localRepo  *registry.LocalRepository
	containers *container.Manager
	orch       *orchestrator.Orchestrator
	contexts   *pluginctx.Manager
	artifacts  *artifact.Store
	server     *server.Server

	mu    sync.Mutex
	init  map[string]string
	ready atomic.Bool
}

// New wires all components from the configuration. A missing container
// runtime degrades container plugins instead of failing startup.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(logging.ParseLogLevel(cfg.LogLevel), os.Stderr)

	a := &App{cfg: cfg, init: map[string]string{
		"registry":   "pending",
		"containers": "pending",
	}}

	security := clients.NewSecurityClient(cfg.SecurityManagerURL, cfg.ClientSecret, cfg.AppName)
	librarian := clients.NewLibrarianClient(cfg.LibrarianURL)
	engineer := clients.NewEngineerClient(cfg.EngineerURL)
	configs := config.NewManager(librarian, config.NewStorage(cfg.ConfigRoot))

	a.localRepo = registry.NewLocalRepository(cfg.PluginRoot)
	a.registry = registry.New(registry.Options{
		Repositories: []registry.Repository{a.localRepo},
		HostCaps:     api.HostCapabilities{HostVersion: cfg.CMVersion, HostAppName: cfg.AppName},
		PluginRoot:   cfg.PluginRoot,
		CacheRoot:    cfg.CacheRoot,
	})

	var containerManager executor.ContainerManager
	runtime, err := container.NewDockerRuntime()
	if err != nil {
		logging.Warn(subsystem, "Container runtime unavailable, container plugins disabled: %v", err)
		a.setInit("containers", "unavailable")
	} else {
		a.containers = container.NewManager(runtime)
		containerManager = a.containers
		a.setInit("containers", "ready")
	}

	exec := executor.New(executor.Options{
		Config:     cfg,
		Configs:    configs,
		Minter:     security,
		Containers: containerManager,
	})

	workflow := accomplish.New(a.registry, a.registry, exec, engineer)
	a.contexts = pluginctx.New(a.registry)
	a.orch = orchestrator.New(orchestrator.Options{
		Registry: a.registry,
		Runner:   exec,
		Unknown:  workflow,
		Usage:    a.contexts,
	})
	a.artifacts = artifact.NewStore(cfg.ArtifactRoot)

	a.server = server.New(server.Options{
		Orchestrator: a.orch,
		Registry:     a.registry,
		Contexts:     a.contexts,
		Artifacts:    a.artifacts,
		Ready:        a.ready.Load,
		HealthStatus: a.healthStatus,
	})
	return a, nil
}

// Run starts the service and blocks until ctx is cancelled or the listener
// fails. Readiness stays false until the registry indices are built.
func (a *App) Run(ctx context.Context) error {
	logging.Info(subsystem, "Starting capabilities manager %s on %s", a.cfg.CMVersion, a.cfg.ListenAddr)

	a.initialize(ctx)

	stopWatch, err := a.localRepo.Watch(ctx, a.reindex)
	if err != nil {
		logging.Warn(subsystem, "Plugin root watcher unavailable: %v", err)
		stopWatch = func() {}
	}

	if a.containers != nil {
		a.containers.StartHealthMonitor(ctx)
	}
	a.orch.StartSweeper()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start(a.cfg.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info(subsystem, "Shutting down")
	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = a.server.Shutdown(shutdownCtx)
	a.orch.Close()
	if a.containers != nil {
		a.containers.Cleanup(shutdownCtx)
	}
	return err
}

// initialize builds the registry indices. A failure leaves the service up
// but not ready; the health endpoint names the failed subsystem.
func (a *App) initialize(ctx context.Context) {
	if err := a.registry.Initialize(ctx); err != nil {
		logging.Error(subsystem, err, "Registry initialization failed, serving degraded")
		a.setInit("registry", "failed")
		return
	}
	a.setInit("registry", "ready")
	a.ready.Store(true)
}

// reindex rebuilds the registry indices after the plugin root changed on
// disk.
func (a *App) reindex() {
	if err := a.registry.Initialize(context.Background()); err != nil {
		logging.Error(subsystem, err, "Reindex after plugin root change failed")
	}
}

func (a *App) setInit(component, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.init[component] = state
}

func (a *App) healthStatus() server.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	initialization := make(map[string]string, len(a.init))
	for k, v := range a.init {
		initialization[k] = v
	}
	status := "ok"
	if !a.ready.Load() {
		status = "initializing"
	}
	return server.Health{Status: status, Initialization: initialization}
}

// Server exposes the HTTP adapter, mainly for tests.
func (a *App) Server() *server.Server {
	return a.server
}

// Artifacts exposes the artifact store.
func (a *App) Artifacts() *artifact.Store {
	return a.artifacts
}
