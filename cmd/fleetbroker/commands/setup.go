package commands

import (
	"context"
	"fmt"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
	"github.com/fleetbroker/fleetbroker/pkg/params"
	"github.com/fleetbroker/fleetbroker/pkg/policy"
	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/render"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

// runtime bundles the wired broker and its dependencies for one command
// invocation.
type runtime struct {
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	broker    *broker.Broker
	registry  *providers.Registry
	templates *templates.Store
	store     stores.Store
}

// close releases the event store.
func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		r.log.WithError(err).Warn("failed to close event store")
	}
}

// buildRuntime wires the broker from the persistent flags. The sim provider
// is always registered; real providers implement providers.Provider and are
// registered the same way.
func buildRuntime(ctx context.Context, cfg broker.Config, metrics *telemetry.Metrics) (*runtime, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	var overrides params.Store
	if paramsPath != "" {
		overrides = params.NewFileStore(paramsPath)
	}
	tstore, err := templates.NewStore(templates.StoreConfig{
		Path:           templatesPath,
		OverridePrefix: "/broker/templates",
	}, overrides, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates from %s: %w", templatesPath, err)
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry(providers.RegistryConfig{}, log, metrics)
	sim := providers.NewSimProvider(providers.SimConfig{PollsUntilRunning: 1})
	err = registry.Register(providers.InstanceConfig{
		Type: "sim", Profile: "default", Region: "local",
		Capabilities: []templates.APIKind{
			templates.APIInstantFleet,
			templates.APIMaintainFleet,
			templates.APIRequestFleet,
			templates.APIAutoScalingGroup,
			templates.APIDirectRun,
		},
	}, sim)
	if err != nil {
		return nil, fmt.Errorf("failed to register sim provider: %w", err)
	}

	pol, err := policy.NewEngine(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(policyPaths) > 0 {
		if err := pol.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}

	b, err := broker.NewBroker(cfg, broker.Options{
		Templates: tstore,
		Renderer:  render.NewRenderer(render.Config{}, tstore, log, metrics),
		Registry:  registry,
		Store:     store,
		Policy:    pol,
		Logger:    log,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to rebuild projections: %w", err)
	}

	return &runtime{
		log:       log,
		metrics:   metrics,
		broker:    b,
		registry:  registry,
		templates: tstore,
		store:     store,
	}, nil
}

// openStore opens the configured event store backend.
func openStore(ctx context.Context) (stores.Store, error) {
	if dbPath == "" {
		return stores.NewMemoryStore(), nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open event store %s: %w", dbPath, err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate event store: %w", err)
	}
	return store, nil
}
