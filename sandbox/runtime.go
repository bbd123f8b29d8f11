package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
)

// EntryPoint is the export invoked by Start.
const EntryPoint = "_start"

var errNoEntryPoint = errors.New("entry point " + EntryPoint + " not exported")

// Config describes the system interface handed to one instance.
type Config struct {
	Args    []string
	Env     map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
	// Listener, when set, observes guest function calls.
	Listener experimental.FunctionListenerFactory
}

// Runtime owns the compilation cache shared by all instances.
type Runtime struct {
	cache            wazero.CompilationCache
	memoryLimitPages uint32
	mu               sync.RWMutex
	closed           bool
}

// New creates a Runtime.
func New(opts ...Option) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Runtime{
		cache:            cache,
		memoryLimitPages: cfg.memoryLimitPages,
	}, nil
}

// Instantiate compiles wasm and links it against imports. Each instance gets
// its own wazero runtime so host modules bound to one execution never leak
// into another; compiled code is shared through the cache.
func (r *Runtime) Instantiate(ctx context.Context, wasm []byte, imports *ImportSet, cfg Config) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(r.cache)
	if r.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(r.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	if imports != nil {
		if err := imports.link(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	compileCtx := ctx
	if cfg.Listener != nil {
		compileCtx = experimental.WithFunctionListenerFactory(ctx, cfg.Listener)
	}
	compiled, err := rt.CompileModule(compileCtx, wasm)
	if err != nil {
		rt.Close(ctx)
		return nil, &CompileError{Err: err}
	}

	if err := checkLinks(rt, compiled); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	return &Instance{
		rt:       rt,
		compiled: compiled,
		modCfg:   moduleConfig(cfg),
		timeout:  cfg.Timeout,
		state:    StateInstantiated,
	}, nil
}

// Close releases the compilation cache. Instances must be closed first.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.cache.Close(context.Background())
}

// checkLinks verifies every import of compiled resolves against the host
// modules already instantiated in rt, so unsatisfied imports surface as a
// LinkError before the guest starts.
func checkLinks(rt wazero.Runtime, compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedFunctions()[EntryPoint]; !ok {
		return &LinkError{Name: EntryPoint, Err: errNoEntryPoint}
	}

	for _, def := range compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		mod := rt.Module(modName)
		if mod == nil {
			return &LinkError{Module: modName, Name: name, Err: errors.New("module not provided")}
		}
		// Host modules forbid ExportedFunction, so only definitions are used.
		host, ok := mod.ExportedFunctionDefinitions()[name]
		if !ok {
			return &LinkError{Module: modName, Name: name, Err: errors.New("function not exported")}
		}
		if !slices.Equal(host.ParamTypes(), def.ParamTypes()) || !slices.Equal(host.ResultTypes(), def.ResultTypes()) {
			return &LinkError{Module: modName, Name: name, Err: errors.New("signature mismatch")}
		}
	}

	for _, def := range compiled.ImportedMemories() {
		modName, name, _ := def.Import()
		mod := rt.Module(modName)
		if mod == nil {
			return &LinkError{Module: modName, Name: name, Err: errors.New("memory not provided")}
		}
		if _, ok := mod.ExportedMemoryDefinitions()[name]; !ok {
			return &LinkError{Module: modName, Name: name, Err: errors.New("memory not provided")}
		}
	}
	return nil
}

func moduleConfig(cfg Config) wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().
		WithArgs(cfg.Args...).
		WithStartFunctions(EntryPoint).
		WithName("")

	if cfg.Stdin != nil {
		mc = mc.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		mc = mc.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		mc = mc.WithStderr(cfg.Stderr)
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mc = mc.WithEnv(k, cfg.Env[k])
	}
	return mc
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "iota")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "iota")
	}
	return filepath.Join(os.TempDir(), "iota-cache")
}
