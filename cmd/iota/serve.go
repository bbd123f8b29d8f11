package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution service",
	Long: `Start an HTTP server that stores and runs WebAssembly modules.

Endpoints:
  POST /upload?name=NAME   Store the request body (raw or multipart field "wasm")
  POST /run?name=NAME      Run a stored module with the body as stdin
  GET  /health             Health check
  GET  /metrics            Prometheus metrics

Any failure answers 500 with no detail; the cause is logged.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("addr", "a", ":8080", "Address to listen on")
	f.String("store-dir", "", "Directory uploaded modules are kept in")
	f.String("scratch-dir", "", "Directory for per-run stdin/stdout files")
	f.Int("workers", 0, "Concurrent runs (default: number of CPUs)")
	f.Int("queue-size", 0, "Runs waiting for a worker before requests fail")
	f.Int64("max-body", 256<<20, "Max request body in bytes")

	bindFlags(serveCmd, map[string]string{
		"addr":        "server.addr",
		"store-dir":   "store.dir",
		"scratch-dir": "executor.scratch_dir",
		"workers":     "executor.workers",
		"queue-size":  "executor.queue_size",
		"max-body":    "server.max_body_bytes",
	})

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
		return a.close(sctx)
	})
	return g.Wait()
}
