package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/conflict"
	"github.com/aristath/conductor/internal/decompose"
	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/resilience"
	"github.com/aristath/conductor/internal/routing"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/workflow"
)

// Runtime is an engine assembled from configuration, plus the pieces a
// caller may want direct access to.
type Runtime struct {
	*Engine
	Router   *routing.Router
	Scorer   *complexity.Scorer
	Catalog  *workflow.Catalog
	Store    *persistence.SQLiteStore
	Registry *prometheus.Registry
	Procs    *executor.ProcessManager
}

// NewRouter builds the router cfg selects: the rules file when set, the
// built-in table otherwise.
func NewRouter(cfg config.RoutingConfig, logger *slog.Logger) (*routing.Router, error) {
	table := routing.DefaultTable()
	if cfg.RulesFile != "" {
		loaded, err := routing.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	return routing.New(table, routing.WithTieEpsilon(cfg.TieEpsilon), routing.WithLogger(logger)), nil
}

// NewCatalog loads the templates file, or the built-in templates.
func NewCatalog(cfg config.TemplatesConfig) (*workflow.Catalog, error) {
	if cfg.File == "" {
		return workflow.Defaults(), nil
	}
	return workflow.Load(cfg.File)
}

// NewDecomposer builds the planning half of the engine. It needs no
// executors or storage.
func NewDecomposer(cfg *config.Config, logger *slog.Logger) (*decompose.Decomposer, *routing.Router, *complexity.Scorer, *workflow.Catalog, error) {
	router, err := NewRouter(cfg.Routing, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	catalog, err := NewCatalog(cfg.Templates)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	policy, err := routing.ParsePolicy(cfg.Routing.Policy)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	scorer := complexity.NewScorer(complexity.NewKeywordClassifier(), complexity.DefaultWeights())
	d := decompose.New(scorer, router, catalog,
		decompose.WithPolicy(policy),
		decompose.WithGateTimeout(cfg.Scheduler.GateTimeout),
		decompose.WithLogger(logger),
	)
	return d, router, scorer, catalog, nil
}

// NewPool registers one command executor per configured instance. Instance
// ids are the executor name, suffixed with the instance number when there
// is more than one.
func NewPool(cfg *config.Config, procs *executor.ProcessManager, logger *slog.Logger) (*scheduler.Pool, error) {
	names := make([]string, 0, len(cfg.Executors))
	for name := range cfg.Executors {
		names = append(names, name)
	}
	sort.Strings(names)

	pool := scheduler.NewPool()
	for _, name := range names {
		ec := cfg.Executors[name]
		provider, ok := cfg.Provider(ec.Provider)
		if !ok {
			return nil, fmt.Errorf("executor %s: unknown provider %q", name, ec.Provider)
		}
		instances := ec.Instances
		if instances <= 0 {
			instances = 1
		}
		for i := 0; i < instances; i++ {
			id := name
			if instances > 1 {
				id = fmt.Sprintf("%s-%d", name, i+1)
			}
			ex, err := executor.NewCommand(id, executor.CommandConfig{
				Command: provider.Command,
				Args:    append(append([]string(nil), provider.Args...), ec.Args...),
				Dir:     provider.Dir,
				Env:     provider.Env,
				Grace:   cfg.Scheduler.CancelGrace,
			}, procs, logger)
			if err != nil {
				return nil, err
			}
			for _, role := range ec.Roles {
				pool.Register(role, ex)
			}
		}
	}
	return pool, nil
}

// FromConfig assembles a complete engine: routing, templates, executors,
// escalation, storage and metrics. Close the runtime to release them.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	decomposer, router, scorer, catalog, err := NewDecomposer(cfg, logger)
	if err != nil {
		return nil, err
	}
	ladder, err := cfg.Escalation.Ladder()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Router: router, Scorer: scorer, Catalog: catalog}
	var closers []func() error
	fail := func(err error) (*Runtime, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	mgr, err := escalation.NewManager(ladder,
		escalation.WithNotifier(escalation.LogNotifier{Logger: logger}),
		escalation.WithLogger(logger),
	)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error { mgr.Close(); return nil })

	var precedents *conflict.PrecedentTable
	if cfg.Conflicts.PrecedentsFile != "" {
		if precedents, err = conflict.LoadPrecedents(cfg.Conflicts.PrecedentsFile); err != nil {
			return fail(err)
		}
	}

	rt.Procs = executor.NewProcessManager()
	closers = append(closers, func() error { return rt.Procs.KillAll() })
	pool, err := NewPool(cfg, rt.Procs, logger)
	if err != nil {
		return fail(err)
	}

	if cfg.Storage.Path == "" {
		rt.Store, err = persistence.NewMemoryStore(ctx)
	} else {
		rt.Store, err = persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
	}
	if err != nil {
		return fail(err)
	}
	closers = append(closers, rt.Store.Close)

	rt.Registry = prometheus.NewRegistry()
	m := metrics.MustNewMetrics(rt.Registry)

	if cfg.Routing.Watch && cfg.Routing.RulesFile != "" {
		w, err := routing.NewWatcher(cfg.Routing.RulesFile, router, routing.WithWatchLogger(logger))
		if err != nil {
			return fail(err)
		}
		if err := w.Start(ctx); err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { w.Stop(); return nil })
	}

	engine, err := New(Config{
		Decomposer:    decomposer,
		Pool:          pool,
		Escalation:    mgr,
		Resolver:      conflict.NewResolver(precedents, mgr, logger),
		Breakers:      resilience.NewBreakerRegistry(logger, cfg.Scheduler.BreakerTrips, cfg.Scheduler.BreakerCooldown),
		Metrics:       m,
		Recorder:      rt.Store,
		Logger:        logger,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		NodeTimeout:   cfg.Scheduler.NodeTimeout,
		GateTimeout:   cfg.Scheduler.GateTimeout,
	})
	if err != nil {
		return fail(err)
	}
	for _, fn := range closers {
		engine.onClose(fn)
	}
	rt.Engine = engine
	return rt, nil
}
