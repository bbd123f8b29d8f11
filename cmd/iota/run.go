package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/iota/observe"
	"github.com/caffeineduck/iota/sandbox"
	"github.com/caffeineduck/iota/store"
)

var runCmd = &cobra.Command{
	Use:   "run <file.wasm> [args...]",
	Short: "Run a local WebAssembly module",
	Long: `Run a WebAssembly module from disk with this process's stdin and stdout.

The guest gets the same imports as under serve: WASI stdio plus the
dylibso:observe tracing API. A non-zero guest exit code becomes the exit
code of this command.`,
	Example: `  echo hello | iota run echo.wasm
  iota run --trace-exporter stdout app.wasm`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("name", "", "Module name used in traces (default: file name)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	path := args[0]
	wasm, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), store.Extension)
	}

	ctx := cmd.Context()

	rt, err := newRuntime(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}
	defer rt.Close()

	tracer, err := observe.New(ctx, cfg.Trace.Observe(), logger)
	if err != nil {
		return fmt.Errorf("creating tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	tc := tracer.Start(ctx, name, wasm)
	if err := observe.CheckVersion(wasm); err != nil {
		tc.StopWithError(err)
		return err
	}
	imports, err := sandbox.NewImports().
		Add(sandbox.WASI()).
		Add(tc.ImportObject()...).
		Build()
	if err != nil {
		tc.StopWithError(err)
		return err
	}

	res := rt.Run(tc.Bind(ctx), wasm, imports, sandbox.Config{
		Args:     append([]string{name}, args[1:]...),
		Env:      map[string]string{},
		Stdin:    cmd.InOrStdin(),
		Stdout:   cmd.OutOrStdout(),
		Stderr:   cmd.ErrOrStderr(),
		Timeout:  cfg.Executor.Timeout,
		Listener: tc.Listener(),
	})
	logger.Debug("run finished",
		zap.String("module", name),
		zap.Duration("duration", res.Duration),
		zap.String("trace_id", tc.SpanContext().TraceID().String()),
		zap.Error(res.Error),
	)
	if res.Error != nil {
		tc.StopWithError(res.Error)
		var trap *sandbox.TrapError
		if errors.As(res.Error, &trap) && trap.ExitCode != 0 {
			return &exitCodeError{code: int(trap.ExitCode), err: res.Error}
		}
		return res.Error
	}
	tc.Stop()
	return nil
}
