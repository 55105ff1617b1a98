package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/audit"
	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/breaker"
	"github.com/haasonsaas/conduit/internal/budget"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/manager"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/pool"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/router"
	"github.com/haasonsaas/conduit/internal/scheduler"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/internal/usage"
	"github.com/haasonsaas/conduit/internal/web"
	"github.com/haasonsaas/conduit/internal/webhooks"
	"github.com/haasonsaas/conduit/internal/workflow"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info("starting conduit", "version", version)

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	bus := events.NewBus(logger)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), bus, logger)
	limiter := ratelimit.NewLimiter()
	p := pool.New(bus, breakers, logger)
	registries := registry.NewSet()
	wireMetrics(bus, metrics, p)

	var semantic *registry.SemanticIndex
	if cfg.SemanticSearchEnabled() {
		embedder := registry.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.EmbeddingModel)
		semantic = registry.NewSemanticIndex(registries, embedder, st.Embeddings, logger)
	}

	rt := router.New(registries, p, breakers, limiter, bus, metrics, logger)

	auditSvc := audit.NewService(st.Audit, 256, logger)
	defer auditSvc.Close()
	usageSvc := usage.NewService(st.Usage, logger)
	rt.SetAuditSink(auditSvc)
	rt.SetUsageSink(usageSvc)

	scanner, err := security.NewScanner(ctx, st.KeyPatterns, logger)
	if err != nil {
		return err
	}
	rt.SetOutputScanner(scanner)

	enforcer := budget.NewEnforcer(st, bus, metrics, logger)
	engine := workflow.New(st, rt, enforcer, bus, metrics, logger)
	if cfg.SemanticSearchEnabled() {
		engine.SetSampler(workflow.NewOpenAISampler(cfg.OpenAI.APIKey, cfg.OpenAI.SamplingModel))
	}

	dispatcher := webhooks.NewDispatcher(st.Webhooks, bus, metrics, logger, cfg.Webhooks.QueueSize)
	dispatcher.Start()
	defer dispatcher.Stop()

	mgr := manager.New(st, p, registries, semantic, breakers, limiter, logger)
	if err := mgr.ConnectAll(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown()

	sched := scheduler.New(st, engine, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := web.New(web.Deps{
		Store:      st,
		Auth:       auth.NewService(cfg.Auth.MasterKey, st.APIKeys),
		Manager:    mgr,
		Router:     rt,
		Registries: registries,
		Semantic:   semantic,
		Pool:       p,
		Breakers:   breakers,
		Limiter:    limiter,
		Engine:     engine,
		Scheduler:  sched,
		Webhooks:   dispatcher,
		Budgets:    enforcer,
		Audit:      auditSvc,
		Usage:      usageSvc,
		Scanner:    scanner,
		Metrics:    metrics,
		Registry:   reg,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr(),
			time.Duration(cfg.Server.ReadTimeoutS)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutS)*time.Second)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownGraceS)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// wireMetrics bridges bus events into the gauges and counters that no
// component owns directly.
func wireMetrics(bus *events.Bus, metrics *observability.Metrics, p *pool.Pool) {
	bus.Subscribe(func(ev events.Event) {
		var to string
		switch ev.Type {
		case events.CircuitOpened:
			to = "open"
		case events.CircuitHalfOpen:
			to = "half_open"
		case events.CircuitClosed:
			to = "closed"
		}
		metrics.CircuitTransitions.WithLabelValues(ev.ServerID, to).Inc()
	}, events.CircuitOpened, events.CircuitHalfOpen, events.CircuitClosed)

	bus.Subscribe(func(events.Event) {
		counts := map[string]int{}
		for _, st := range p.States() {
			counts[string(st.State)]++
		}
		metrics.ConnectedServers.Reset()
		for state, n := range counts {
			metrics.ConnectedServers.WithLabelValues(state).Set(float64(n))
		}
	}, events.ServerConnected, events.ServerDisconnected, events.ServerError)
}
