package sandbox

// PageSize is the size of one wasm memory page.
const PageSize = 64 << 10

// Per-instance memory limits in pages.
const (
	MemoryLimit1MB   uint32 = (1 << 20) / PageSize
	MemoryLimit16MB  uint32 = 16 * MemoryLimit1MB
	MemoryLimit64MB  uint32 = 64 * MemoryLimit1MB
	MemoryLimit256MB uint32 = 256 * MemoryLimit1MB
	MemoryLimit1GB   uint32 = 1024 * MemoryLimit1MB
)

// Option configures a Runtime.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{memoryLimitPages: MemoryLimit256MB}
}

// WithDiskCache keeps compiled modules on disk so restarts skip
// compilation. An empty dir uses $XDG_CACHE_HOME/iota or ~/.cache/iota.
func WithDiskCache(dir string) Option {
	return func(c *runtimeConfig) {
		c.diskCache = true
		c.cacheDir = dir
	}
}

// WithMemoryLimit caps the linear memory of every instance, in pages.
// Zero lifts the cap to the 4GB wasm32 maximum.
func WithMemoryLimit(pages uint32) Option {
	return func(c *runtimeConfig) {
		c.memoryLimitPages = pages
	}
}
