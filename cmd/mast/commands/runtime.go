package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmast/openmast/pkg/backends/local"
	"github.com/openmast/openmast/pkg/engine"
	"github.com/openmast/openmast/pkg/manifest"
	"github.com/openmast/openmast/pkg/policy"
	"github.com/openmast/openmast/pkg/stores"
	"github.com/openmast/openmast/pkg/telemetry"
)

// runtimeOptions tune the orchestrator stack a command builds.
type runtimeOptions struct {
	// readyAfter is how many polls local backends stay pending.
	readyAfter int

	// readinessTimeout is the stall threshold for provisioning requests.
	readinessTimeout time.Duration
}

// runtime is the assembled orchestrator stack shared by the CLI commands.
// The SQLite store serves as manifest store, request journal, lease
// manager, and event timeline.
type runtime struct {
	store  *stores.SQLiteStore
	orch   *engine.Orchestrator
	events *telemetry.EventPublisher
	codec  *manifest.Codec
	logger zerolog.Logger
}

// newRuntime opens the state database and wires the orchestrator.
func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	logger := log.Logger
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 256,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	// Persist the reconciliation timeline and echo it to the log.
	events.Subscribe(func(e engine.Event) {
		if err := store.SaveEvent(context.WithoutCancel(ctx), &e); err != nil {
			logger.Warn().Err(err).Str("type", e.Type).Msg("failed to persist event")
		}
		logger.Debug().
			Str("type", e.Type).
			Str("manifest_id", e.ManifestID).
			Str("component", e.Component).
			Msg(e.Message)
	}, nil)

	backendOpts := []local.Option{local.WithLogger(logger)}
	if opts.readyAfter > 0 {
		backendOpts = append(backendOpts, local.WithReadyAfter(opts.readyAfter))
	}
	backends, err := local.NewSet(backendOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	var dispatcherOpts []engine.DispatcherOption
	if opts.readinessTimeout > 0 {
		dispatcherOpts = append(dispatcherOpts, engine.WithReadinessTimeout(opts.readinessTimeout))
	}
	dispatcher, err := engine.NewDispatcher(backends, store, events, logger, dispatcherOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	orch, err := engine.New(engine.Deps{
		Store:      store,
		Leases:     store,
		Journal:    store,
		Classifier: engine.NewClassifier(logger),
		Dispatcher: dispatcher,
		Policies:   policies,
		Events:     events,
		Logger:     logger,
	}, engine.Options{})
	if err != nil {
		store.Close()
		return nil, err
	}

	codec, err := manifest.NewCodec()
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		store:  store,
		orch:   orch,
		events: events,
		codec:  codec,
		logger: logger,
	}, nil
}

// Close flushes events and closes the state database.
func (r *runtime) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.events.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn().Err(err).Msg("event publisher shutdown failed")
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("state database close failed")
	}
}
