package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/caffeineduck/iota/internal/config"
	"github.com/caffeineduck/iota/internal/logging"
	"github.com/caffeineduck/iota/sandbox"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "iota",
	Short: "WebAssembly execution service with tracing",
	Long: `iota - Store WebAssembly modules and run them in a sandbox.

Modules are uploaded over HTTP, run on demand with the request body as
stdin, and every run is traced through OpenTelemetry. Guests see only
WASI stdio plus the tracing host API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a guest exit status out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-format", "json", "Log format: json, console")
	f.Duration("timeout", 30*time.Second, "Execution timeout per run")
	f.Int("memory-mb", 256, "Memory limit per instance in MB (0 = no limit)")
	f.Bool("disk-cache", false, "Persist compiled modules across restarts")
	f.String("trace-exporter", "none", "Trace exporter: none, stdout, otlp-grpc, otlp-http")
	f.String("trace-endpoint", "", "OTLP collector endpoint")
	f.Bool("trace-function-calls", false, "Emit a span per guest function call")
	f.Duration("trace-min-span", 0, "Drop guest spans shorter than this")

	bindFlags(rootCmd, map[string]string{
		"log-level":            "log.level",
		"log-format":           "log.format",
		"timeout":              "executor.timeout",
		"memory-mb":            "sandbox.memory_limit_mb",
		"disk-cache":           "sandbox.disk_cache",
		"trace-exporter":       "trace.exporter",
		"trace-endpoint":       "trace.endpoint",
		"trace-function-calls": "trace.function_calls",
		"trace-min-span":       "trace.min_span_duration",
	})
}

// bindFlags maps flags onto config keys. A flag only overrides the file and
// environment when it is set on the command line.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for name, key := range keys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			panic(err)
		}
	}
}

// loadConfig resolves configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPaths)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, logger, nil
}

func newRuntime(cfg config.SandboxConfig) (*sandbox.Runtime, error) {
	opts := []sandbox.Option{sandbox.WithMemoryLimit(cfg.MemoryLimitPages())}
	if cfg.DiskCache {
		opts = append(opts, sandbox.WithDiskCache(cfg.CacheDir))
	}
	return sandbox.New(opts...)
}
