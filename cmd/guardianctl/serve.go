package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/guardianmesh"
	"github.com/hupe1980/guardianmesh/backend/remote"
	"github.com/hupe1980/guardianmesh/logging"
	"github.com/hupe1980/guardianmesh/metrics"
)

type serveOptions struct {
	addr        string
	serveMemory bool
	apiKey      string
}

func newServeCmd(a *app) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose metrics and run the expiry scheduler",
		Long: `Serves Prometheus metrics on /metrics and prunes expired ttl memories
at scheduler.prune_interval. With --serve-memory the storage backend is also
exposed under /memory/ for remote clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.addr == "" {
				opts.addr = a.cfg.Metrics.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (defaults to metrics.addr)")
	cmd.Flags().BoolVar(&opts.serveMemory, "serve-memory", false, "expose the storage backend over HTTP")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "bearer token required by the memory endpoints")
	return cmd
}

func runServe(ctx context.Context, a *app, opts serveOptions) error {
	o, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer o.Close()
	logEvents(o, a.logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched, err := schedulePrune(ctx, o, a.cfg.Scheduler.PruneInterval, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			a.logger.Warn("scheduler shutdown failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           newServeMux(o, reg, opts, a.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving", "addr", opts.addr, "memory", opts.serveMemory)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// newServeMux wires the metrics of o into reg and returns the HTTP routes.
func newServeMux(o *guardianmesh.Orchestrator, reg *prometheus.Registry, opts serveOptions, logger logging.Logger) *http.ServeMux {
	m := metrics.New(reg)
	m.Attach(o.Dispatcher())
	reg.MustRegister(
		metrics.NewCacheCollector("lookup", o.LookupStats),
		metrics.NewCacheCollector("context", o.Bank().CacheStats),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	if opts.serveMemory {
		h := remote.NewHandler(o.Backend(), func(ho *remote.HandlerOptions) {
			ho.APIKey = opts.apiKey
			ho.Logger = logger
		})
		mux.Handle("/memory/", http.StripPrefix("/memory", h))
	}
	return mux
}

// pruner is the part of the orchestrator the scheduler drives.
type pruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

// schedulePrune starts a scheduler that prunes expired memories every
// interval. The caller must shut it down.
func schedulePrune(ctx context.Context, p pruner, interval time.Duration, logger logging.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := p.PruneExpired(ctx)
			if err != nil {
				logger.Error("prune failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("pruned expired memories", "count", n)
			}
		}),
		gocron.WithName("prune-expired"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to schedule prune: %w", err), s.Shutdown())
	}
	s.Start()
	return s, nil
}
