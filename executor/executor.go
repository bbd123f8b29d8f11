package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/iota/bridge"
	"github.com/caffeineduck/iota/observe"
	"github.com/caffeineduck/iota/sandbox"
	"github.com/caffeineduck/iota/store"
)

// UploadField is the multipart field carrying module bytes.
const UploadField = "wasm"

// RunRequest describes one execution.
type RunRequest struct {
	// Name of a previously uploaded module.
	Name string
	// Stdin is drained completely before the module starts. Nil means empty.
	Stdin io.Reader
	// URL is recorded on the trace of a successful run.
	URL string
}

// RunResult holds the output of a successful run. Output must be closed;
// closing it removes the run's scratch files.
type RunResult struct {
	Output   io.ReadCloser
	Size     int64
	Duration time.Duration
	TraceID  string
}

// Executor uploads modules and runs them on a fixed pool of workers.
type Executor struct {
	store   *store.Store
	runtime *sandbox.Runtime
	tracer  *observe.Adapter
	logger  *zap.Logger
	cfg     config

	jobs   chan *job
	group  errgroup.Group
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx     context.Context
	req     RunRequest
	scratch *bridge.Scratch
	done    chan jobResult
}

type jobResult struct {
	traceID string
	err     error
}

// New starts the worker pool. The store, runtime and trace adapter are
// owned by the caller and must outlive the Executor.
func New(st *store.Store, rt *sandbox.Runtime, tracer *observe.Adapter, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if st == nil || rt == nil || tracer == nil {
		return nil, errors.New("executor: store, runtime and trace adapter are required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		return nil, fmt.Errorf("executor: workers must be positive, got %d", cfg.workers)
	}
	if cfg.queueSize < 0 {
		return nil, fmt.Errorf("executor: queue size must not be negative, got %d", cfg.queueSize)
	}
	if err := os.MkdirAll(cfg.scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("executor: create scratch dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		store:   st,
		runtime: rt,
		tracer:  tracer,
		logger:  logger.With(zap.String("component", "executor")),
		cfg:     cfg,
		jobs:    make(chan *job, cfg.queueSize),
	}
	for i := 0; i < cfg.workers; i++ {
		e.group.Go(func() error {
			e.worker()
			return nil
		})
	}

	e.logger.Info("executor started",
		zap.Int("workers", cfg.workers),
		zap.Int("queue_size", cfg.queueSize),
		zap.Duration("timeout", cfg.timeout),
		zap.String("scratch_dir", cfg.scratchDir),
	)
	return e, nil
}

// Upload stores body under name. A multipart/form-data contentType reads
// the module from the "wasm" field; anything else is taken as raw bytes.
func (e *Executor) Upload(ctx context.Context, name string, body io.Reader, contentType string) (int64, error) {
	n, err := e.upload(ctx, name, body, contentType)
	kind := Classify(err)
	e.cfg.observer.ObserveUpload(kind, n)
	if err != nil {
		e.logger.Error("upload failed",
			zap.String("module", name),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return n, err
	}
	e.logger.Info("module uploaded", zap.String("module", name), zap.Int64("bytes", n))
	return n, nil
}

func (e *Executor) upload(ctx context.Context, name string, body io.Reader, contentType string) (int64, error) {
	if err := store.ValidateName(name); err != nil {
		return 0, err
	}
	if body == nil {
		return 0, fmt.Errorf("%w: empty body", bridge.ErrFieldNotFound)
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		return e.store.Save(ctx, name, body)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return 0, fmt.Errorf("%w: multipart body without boundary", bridge.ErrFieldNotFound)
	}

	scratch, err := bridge.NewScratch(e.cfg.scratchDir, bridge.Upload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer e.release(scratch)

	path := scratch.Path(bridge.Upload)
	if _, err := bridge.DrainPart(multipart.NewReader(body, boundary), UploadField, path, e.cfg.trimTrailer); err != nil {
		if errors.Is(err, bridge.ErrFieldNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	src, err := bridge.FileToStream(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer src.Close()
	return e.store.Save(ctx, name, src)
}

// Run executes the module named req.Name with req.Stdin as its standard
// input. It blocks until a worker has finished the module. On error no
// scratch file of the run remains.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := time.Now()
	res, err := e.run(ctx, req)
	elapsed := time.Since(start)

	kind := Classify(err)
	e.cfg.observer.ObserveRun(kind, elapsed)
	if err != nil {
		e.logger.Error("run failed",
			zap.String("module", req.Name),
			zap.String("kind", kind),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	res.Duration = elapsed
	e.logger.Info("run completed",
		zap.String("module", req.Name),
		zap.Int64("output_bytes", res.Size),
		zap.Duration("duration", elapsed),
		zap.String("trace_id", res.TraceID),
	)
	return res, nil
}

func (e *Executor) run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := store.ValidateName(req.Name); err != nil {
		return nil, err
	}

	scratch, err := bridge.NewScratch(e.cfg.scratchDir, bridge.Stdin, bridge.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if req.Stdin != nil {
		if _, err := bridge.DrainToFile(req.Stdin, scratch.Path(bridge.Stdin)); err != nil {
			e.release(scratch)
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	j := &job{ctx: ctx, req: req, scratch: scratch, done: make(chan jobResult, 1)}
	if err := e.submit(j); err != nil {
		e.release(scratch)
		return nil, err
	}
	// The worker always answers: the job context ends the sandbox early.
	res := <-j.done
	if res.err != nil {
		e.release(scratch)
		return nil, res.err
	}

	path := scratch.Path(bridge.Stdout)
	info, err := os.Stat(path)
	if err != nil {
		e.release(scratch)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	out, err := bridge.FileToStream(path)
	if err != nil {
		e.release(scratch)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return &RunResult{
		Output:  &output{ReadCloser: out, release: func() { e.release(scratch) }},
		Size:    info.Size(),
		TraceID: res.traceID,
	}, nil
}

func (e *Executor) submit(j *job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.jobs <- j:
		e.cfg.observer.SetQueueDepth(len(e.jobs))
		return nil
	default:
		return ErrBusy
	}
}

func (e *Executor) worker() {
	for j := range e.jobs {
		e.cfg.observer.SetQueueDepth(len(e.jobs))
		j.done <- e.safeExecute(j)
	}
}

func (e *Executor) safeExecute(j *job) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			res = jobResult{err: e.panicked(j.req.Name, r)}
		}
	}()
	return e.execute(j.ctx, j.req, j.scratch)
}

func (e *Executor) panicked(name string, r any) error {
	e.logger.Error("worker panic", zap.String("module", name), zap.Any("panic", r), zap.Stack("stack"))
	return fmt.Errorf("executor: panic running %s: %v", name, r)
}

// execute runs one module against the scratch files and finalizes its
// trace. Every failure after the trace starts stops it with status 500.
func (e *Executor) execute(ctx context.Context, req RunRequest, scratch *bridge.Scratch) (res jobResult) {
	if err := ctx.Err(); err != nil {
		return jobResult{err: err}
	}

	wasm, err := e.store.Load(ctx, req.Name)
	if err != nil {
		return jobResult{err: err}
	}

	tc := e.tracer.Start(ctx, req.Name, wasm, observe.WithAttributes(
		attribute.Int64("wasm.timeout_ms", e.cfg.timeout.Milliseconds()),
	))
	res.traceID = tc.SpanContext().TraceID().String()
	defer func() {
		if r := recover(); r != nil {
			res.err = e.panicked(req.Name, r)
		}
		if res.err != nil {
			tc.SetMetadata(map[string]string{
				observe.KeyStatusCode: strconv.Itoa(500),
				observe.KeyURL:        req.URL,
			})
			tc.StopWithError(res.err)
		}
	}()

	imports, err := sandbox.NewImports().
		Add(sandbox.WASI()).
		Add(tc.ImportObject()...).
		Build()
	if err != nil {
		res.err = err
		return res
	}
	if err := observe.CheckVersion(wasm); err != nil {
		res.err = err
		return res
	}
	e.logger.Debug("linking module",
		zap.String("module", req.Name),
		zap.String("trace_id", res.traceID),
		zap.Strings("imports", imports.Modules()),
	)

	stdin, err := os.Open(scratch.Path(bridge.Stdin))
	if err != nil {
		res.err = fmt.Errorf("%w: %v", ErrIO, err)
		return res
	}
	defer stdin.Close()

	stdout, err := os.OpenFile(scratch.Path(bridge.Stdout), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		res.err = fmt.Errorf("%w: %v", ErrIO, err)
		return res
	}
	defer stdout.Close()

	stderr := &zapio.Writer{
		Log:   e.logger.With(zap.String("module", req.Name), zap.String("stream", "stderr")),
		Level: zap.InfoLevel,
	}
	defer stderr.Close()

	inst, err := e.runtime.Instantiate(ctx, wasm, imports, sandbox.Config{
		Args:     []string{req.Name},
		Env:      map[string]string{},
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
		Timeout:  e.cfg.timeout,
		Listener: tc.Listener(),
	})
	if err != nil {
		res.err = err
		return res
	}
	defer inst.Close(context.Background())

	if err := inst.Start(tc.Bind(ctx)); err != nil {
		res.err = err
		return res
	}
	if err := stdout.Sync(); err != nil {
		res.err = fmt.Errorf("%w: flush stdout: %v", ErrIO, err)
		return res
	}

	tc.SetMetadata(map[string]string{
		observe.KeyStatusCode: strconv.Itoa(200),
		observe.KeyURL:        req.URL,
	})
	tc.Stop()
	return res
}

func (e *Executor) release(s *bridge.Scratch) {
	if err := s.Release(); err != nil {
		e.logger.Warn("scratch cleanup failed", zap.String("scratch_id", s.ID()), zap.Error(err))
	}
}

// Close stops accepting runs, waits for queued and running ones to finish,
// and stops the workers. It does not close the store, runtime or adapter.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	err := e.group.Wait()
	e.logger.Info("executor stopped")
	return err
}

// output removes the run's scratch files once the caller is done reading.
type output struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (o *output) Close() error {
	err := o.ReadCloser.Close()
	o.once.Do(o.release)
	return err
}
