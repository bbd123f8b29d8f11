package executor

import (
	"os"
	"runtime"
	"time"
)

// Option configures an Executor at creation time.
type Option func(*config)

type config struct {
	workers     int
	queueSize   int
	timeout     time.Duration
	scratchDir  string
	trimTrailer bool
	observer    Observer
}

func defaultConfig() config {
	workers := runtime.NumCPU()
	return config{
		workers:     workers,
		queueSize:   workers * 16,
		timeout:     30 * time.Second,
		scratchDir:  os.TempDir(),
		trimTrailer: false,
		observer:    nopObserver{},
	}
}

// WithWorkers sets the number of goroutines executing sandboxes.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithQueueSize sets how many runs may wait for a worker before Run
// returns ErrBusy. Zero means a run is accepted only when a worker is idle.
func WithQueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// WithTimeout sets the maximum execution time of one run. Zero disables
// the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithScratchDir sets where per-run stdin and stdout files are created.
func WithScratchDir(dir string) Option {
	return func(c *config) {
		c.scratchDir = dir
	}
}

// WithTrimTrailer strips a trailing CRLF from multipart uploads. Only
// enable it behind a front end that leaves the delimiter line ending in the
// part body; mime/multipart already removes it. Disabled by default.
func WithTrimTrailer(enabled bool) Option {
	return func(c *config) {
		c.trimTrailer = enabled
	}
}

// WithObserver reports run and upload outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// Observer receives execution statistics. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveUpload(kind string, size int64)
	ObserveRun(kind string, d time.Duration)
	SetQueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveUpload(string, int64)      {}
func (nopObserver) ObserveRun(string, time.Duration) {}
func (nopObserver) SetQueueDepth(int)                {}
