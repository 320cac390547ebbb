package commands

import (
	"context"
	"fmt"

	"github.com/atelier-sh/atelier/pkg/config"
	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/orchestrator"
	"github.com/atelier-sh/atelier/pkg/placement"
	"github.com/atelier-sh/atelier/pkg/policy"
	"github.com/atelier-sh/atelier/pkg/specs"
	"github.com/atelier-sh/atelier/pkg/storage"
	"github.com/atelier-sh/atelier/pkg/stores"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// app wires the control-plane components together. Every command builds one
// explicitly; there are no package-level singletons.
type app struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    *stores.SQLiteStore
	registry *fleet.Registry
	specs    *specs.Provider
	placer   *placement.Service
	orch     *orchestrator.Orchestrator
	storage  storage.Collaborator
}

// buildApp loads configuration and constructs the full component graph.
// Fleet servers listed inline in the config are registered synchronously; a
// fleet file is registered too but only watched by serve.
func buildApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tcfg := cfg.TelemetryConfig(version)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if jsonOutput {
		tcfg.Logging.Format = "json"
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := fleet.NewRegistry(cfg.RegistryConfig(), nil, logger, metrics)

	servers := cfg.Fleet.Servers
	if cfg.Fleet.File != "" {
		fromFile, err := config.LoadFleetFile(cfg.Fleet.File)
		if err != nil {
			registry.CloseAll()
			_ = store.Close()
			return nil, err
		}
		servers = append(servers, fromFile...)
	}
	for _, server := range servers {
		if _, err := registry.Register(ctx, server); err != nil {
			// Bad TLS material or duplicate IDs are configuration errors.
			registry.CloseAll()
			_ = store.Close()
			return nil, fmt.Errorf("failed to register server %s: %w", server.ID, err)
		}
	}

	provider := specs.NewProvider(specs.ProviderConfig{
		CatalogURL:   cfg.Catalog.URL,
		CacheTTL:     cfg.Catalog.CacheTTL,
		FetchTimeout: cfg.Catalog.FetchTimeout,
	}, logger, metrics)

	engine, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		registry.CloseAll()
		_ = store.Close()
		return nil, err
	}

	placer := placement.NewService(registry, provider, store, engine, logger, metrics, tracer)

	var storageClient storage.Collaborator
	if cfg.Storage != nil {
		storageClient = storage.NewSFTPCollaborator(*cfg.Storage, logger)
	}

	orch := orchestrator.New(cfg.Orchestrator, store, registry, placer, provider, storageClient, logger, metrics, tracer)

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		registry: registry,
		specs:    provider,
		placer:   placer,
		orch:     orch,
		storage:  storageClient,
	}, nil
}

// Close releases everything the app holds, in reverse dependency order.
func (a *app) Close(ctx context.Context) {
	if a.storage != nil {
		_ = a.storage.Close()
	}
	a.registry.CloseAll()
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("store close failed")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("tracer shutdown failed")
	}
}
