package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/iota/executor"
	"github.com/caffeineduck/iota/internal/config"
	"github.com/caffeineduck/iota/internal/metrics"
	"github.com/caffeineduck/iota/internal/server"
	"github.com/caffeineduck/iota/observe"
	"github.com/caffeineduck/iota/sandbox"
	"github.com/caffeineduck/iota/store"
)

// app is the wired service: store, runtime, tracer, executor and server.
type app struct {
	logger  *zap.Logger
	runtime *sandbox.Runtime
	tracer  *observe.Adapter
	exec    *executor.Executor
	server  *server.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	st, err := store.New(cfg.Store.Dir)
	if err != nil {
		return nil, err
	}

	if a.runtime, err = newRuntime(cfg.Sandbox); err != nil {
		return nil, fmt.Errorf("creating runtime: %w", err)
	}

	if a.tracer, err = observe.New(ctx, cfg.Trace.Observe(), logger); err != nil {
		return nil, fmt.Errorf("creating tracer: %w", err)
	}

	collector := metrics.NewCollector("iota", logger)

	a.exec, err = executor.New(st, a.runtime, a.tracer, logger,
		executor.WithWorkers(cfg.Executor.Workers),
		executor.WithQueueSize(cfg.Executor.QueueSize),
		executor.WithTimeout(cfg.Executor.Timeout),
		executor.WithScratchDir(cfg.Executor.ScratchDir),
		executor.WithTrimTrailer(cfg.Executor.TrimTrailer),
		executor.WithObserver(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	a.server = server.New(server.Config{
		Addr:              cfg.Server.Addr,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}, a.exec, collector, logger)

	logger.Info("service configured",
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", st.Root()),
		zap.String("scratch", cfg.Executor.ScratchDir),
		zap.Int("workers", cfg.Executor.Workers),
		zap.Duration("timeout", cfg.Executor.Timeout),
		zap.String("exporter", cfg.Trace.Exporter),
	)
	return a, nil
}

// close drains the executor before flushing traces and releasing the
// compilation cache.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.exec != nil {
		errs = append(errs, a.exec.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.runtime != nil {
		errs = append(errs, a.runtime.Close())
	}
	return errors.Join(errs...)
}
