package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/providers"
	"github.com/openfroyo/provision/pkg/providers/native"
	"github.com/openfroyo/provision/pkg/registry"
	"github.com/openfroyo/provision/pkg/stores"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// runtime holds everything a command needs, built from the configuration.
type runtime struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	registry  *registry.Registry
	providers *providers.Registry
	journal   *stores.SQLiteStore
	engine    *engine.Engine

	cancel context.CancelFunc
}

type runtimeOptions struct {
	journal bool
	watch   bool
}

// openRuntime loads the configuration and opens the registry, the provider
// registry and, when requested, the journal. The returned context carries
// the telemetry instance.
func openRuntime(cmd *cobra.Command, opts runtimeOptions) (*runtime, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tlog := telemetry.NewLoggerWithWriter(cmd.ErrOrStderr(), cfg.Telemetry.Logging)
	tel, err := telemetry.NewTelemetryWithLogger(&cfg.Telemetry, tlog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	ctx = tel.WithContext(ctx)
	rt := &runtime{
		cfg:    cfg,
		tel:    tel,
		logger: tlog.Zerolog(),
		cancel: cancel,
	}

	rt.registry, err = cfg.OpenRegistry(registry.WithLogger(rt.logger))
	if err != nil {
		rt.Close(ctx)
		return nil, nil, err
	}
	if opts.watch && cfg.Registry.Watch {
		if err := rt.registry.Watch(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("Registry watch disabled")
		}
	}

	rt.providers = providers.NewRegistry()
	if err := rt.providers.RegisterModules(native.NewModule()); err != nil {
		rt.Close(ctx)
		return nil, nil, err
	}

	engineOpts := []engine.Option{engine.WithLogger(rt.logger)}
	if opts.journal {
		rt.journal = rt.openJournal(ctx)
		if rt.journal != nil {
			engineOpts = append(engineOpts, engine.WithTransactionRecorder(rt.journal))
		}
	}
	rt.engine = engine.New(rt.registry, rt.providers, engineOpts...)

	return rt, ctx, nil
}

// openJournal opens the configured journal. A journal that cannot be
// opened is reported and skipped.
func (rt *runtime) openJournal(ctx context.Context) *stores.SQLiteStore {
	store, err := rt.cfg.OpenStore()
	if err != nil || store == nil {
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Transaction journal disabled")
		}
		return nil
	}
	if err := store.Init(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Transaction journal disabled")
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		rt.logger.Warn().Err(err).Msg("Transaction journal disabled")
		return nil
	}
	return store
}

// Close releases the journal and flushes telemetry.
func (rt *runtime) Close(ctx context.Context) {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close journal")
		}
	}
	if err := rt.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	rt.cancel()
}

// phaseSet returns the configured phase set, restricted to include when
// given.
func (rt *runtime) phaseSet(include []string) (*engine.PhaseSet, error) {
	ps, err := rt.cfg.PhaseSet()
	if err != nil || len(include) == 0 {
		return ps, err
	}

	keep := make(map[string]bool, len(include))
	for _, id := range include {
		keep[id] = true
	}
	var selected []*engine.Phase
	for _, p := range ps.Phases() {
		if keep[p.ID()] {
			selected = append(selected, p)
			delete(keep, p.ID())
		}
	}
	for id := range keep {
		return nil, engine.NewValidationError(fmt.Sprintf("phase %q is not in the configured phase set", id), nil)
	}
	return engine.NewPhaseSet(selected...)
}
