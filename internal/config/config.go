// Package config loads service configuration from defaults, an optional
// YAML file, IOTA_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caffeineduck/iota/observe"
	"github.com/caffeineduck/iota/sandbox"
)

// EnvPrefix is prepended to every environment variable, e.g.
// IOTA_SERVER_ADDR for server.addr.
const EnvPrefix = "IOTA"

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

type SandboxConfig struct {
	MemoryLimitMB int    `mapstructure:"memory_limit_mb"`
	DiskCache     bool   `mapstructure:"disk_cache"`
	CacheDir      string `mapstructure:"cache_dir"`
}

type ExecutorConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ScratchDir  string        `mapstructure:"scratch_dir"`
	TrimTrailer bool          `mapstructure:"trim_trailer"`
}

type TraceConfig struct {
	ServiceName     string            `mapstructure:"service_name"`
	Exporter        string            `mapstructure:"exporter"`
	Endpoint        string            `mapstructure:"endpoint"`
	Insecure        bool              `mapstructure:"insecure"`
	Headers         map[string]string `mapstructure:"headers"`
	EmitInterval    time.Duration     `mapstructure:"emit_interval"`
	BatchMax        int               `mapstructure:"batch_max"`
	MinSpanDuration time.Duration     `mapstructure:"min_span_duration"`
	FunctionCalls   bool              `mapstructure:"function_calls"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Trace    TraceConfig    `mapstructure:"trace"`
	Log      LogConfig      `mapstructure:"log"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 256<<20)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.dir", filepath.Join(os.TempDir(), "iota", "modules"))

	v.SetDefault("sandbox.memory_limit_mb", 256)
	v.SetDefault("sandbox.disk_cache", false)
	v.SetDefault("sandbox.cache_dir", "")

	v.SetDefault("executor.workers", runtime.NumCPU())
	v.SetDefault("executor.queue_size", runtime.NumCPU()*16)
	v.SetDefault("executor.timeout", 30*time.Second)
	v.SetDefault("executor.scratch_dir", filepath.Join(os.TempDir(), "iota", "scratch"))
	v.SetDefault("executor.trim_trailer", false)

	tc := observe.DefaultConfig()
	v.SetDefault("trace.service_name", tc.ServiceName)
	v.SetDefault("trace.exporter", string(tc.Exporter))
	v.SetDefault("trace.endpoint", "")
	v.SetDefault("trace.insecure", false)
	v.SetDefault("trace.emit_interval", tc.EmitInterval)
	v.SetDefault("trace.batch_max", tc.BatchMax)
	v.SetDefault("trace.min_span_duration", time.Duration(0))
	v.SetDefault("trace.function_calls", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_paths", []string{"stderr"})
}

// Load reads configuration into a Config. Flags must already be bound to v.
// An empty file skips the config file.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes))
	}
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}
	if c.Sandbox.MemoryLimitMB < 0 || c.Sandbox.MemoryLimitMB > 4096 {
		errs = append(errs, fmt.Errorf("sandbox.memory_limit_mb must be within 0..4096, got %d", c.Sandbox.MemoryLimitMB))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers))
	}
	if c.Executor.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("executor.queue_size must not be negative, got %d", c.Executor.QueueSize))
	}
	if c.Executor.Timeout < 0 {
		errs = append(errs, fmt.Errorf("executor.timeout must not be negative, got %v", c.Executor.Timeout))
	}
	if c.Executor.ScratchDir == "" {
		errs = append(errs, errors.New("executor.scratch_dir is required"))
	}
	if err := c.Trace.Observe().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Observe converts the trace section to an adapter configuration.
func (t TraceConfig) Observe() observe.Config {
	return observe.Config{
		ServiceName:     t.ServiceName,
		Exporter:        observe.Exporter(t.Exporter),
		Endpoint:        t.Endpoint,
		Headers:         t.Headers,
		Insecure:        t.Insecure,
		EmitInterval:    t.EmitInterval,
		BatchMax:        t.BatchMax,
		MinSpanDuration: t.MinSpanDuration,
		FunctionCalls:   t.FunctionCalls,
	}
}

// MemoryLimitPages converts the limit to wasm pages.
func (s SandboxConfig) MemoryLimitPages() uint32 {
	return uint32(s.MemoryLimitMB) * sandbox.MemoryLimit1MB
}
