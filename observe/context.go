package observe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caffeineduck/iota/sandbox"
)

// Host module names guests import to report spans.
const (
	APIModule        = "dylibso:observe/api"
	InstrumentModule = "dylibso:observe/instrument"
)

// Metadata keys set by the HTTP layer.
const (
	KeyStatusCode = "http_status_code"
	KeyURL        = "http_url"
)

type eventKind int

const (
	eventSpan eventKind = iota
	eventCall
)

type logEntry struct {
	at    time.Time
	name  string
	attrs []attribute.KeyValue
}

type event struct {
	kind     eventKind
	name     string
	start    time.Time
	end      time.Time
	tags     []attribute.KeyValue
	logs     []logEntry
	children []*event
}

func (e *event) duration() time.Duration { return e.end.Sub(e.start) }

// TraceContext collects the events of one execution and turns them into
// spans under a single root. It is safe for concurrent use; Stop and
// StopWithError take effect once.
type TraceContext struct {
	ctx    context.Context
	root   trace.Span
	tracer trace.Tracer
	cfg    startConfig
	logger *zap.Logger

	mu       sync.Mutex
	top      []*event
	open     []*event
	rootLogs []logEntry
	metadata map[string]string
	names    map[uint32]string
	stopped  bool
}

func newTraceContext(ctx context.Context, root trace.Span, tracer trace.Tracer, cfg startConfig, logger *zap.Logger) *TraceContext {
	return &TraceContext{
		ctx:      ctx,
		root:     root,
		tracer:   tracer,
		cfg:      cfg,
		logger:   logger,
		metadata: make(map[string]string),
		names:    make(map[uint32]string),
	}
}

// SpanContext identifies the root span.
func (tc *TraceContext) SpanContext() trace.SpanContext {
	return tc.root.SpanContext()
}

// SetMetadata merges kv into the root span attributes. Calls after Stop are
// ignored.
func (tc *TraceContext) SetMetadata(kv map[string]string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.stopped {
		return
	}
	for k, v := range kv {
		tc.metadata[k] = v
	}
}

// Stop finalizes the trace and hands its spans to the exporter. It reports
// whether this call did the finalization.
func (tc *TraceContext) Stop() bool {
	return tc.finish(nil)
}

// StopWithError finalizes the trace and marks the root span failed.
func (tc *TraceContext) StopWithError(err error) bool {
	return tc.finish(err)
}

func (tc *TraceContext) finish(err error) bool {
	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return false
	}
	tc.stopped = true

	now := time.Now()
	for len(tc.open) > 0 {
		tc.popLocked(now)
	}
	top := tc.top
	logs := tc.rootLogs
	md := tc.metadata
	tc.mu.Unlock()

	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, md[k]))
	}
	tc.root.SetAttributes(attrs...)

	for _, l := range logs {
		tc.root.AddEvent(l.name, trace.WithTimestamp(l.at), trace.WithAttributes(l.attrs...))
	}

	emitted := 0
	for _, e := range top {
		emitted += tc.emit(tc.ctx, e)
	}

	if err != nil {
		tc.root.RecordError(err)
		tc.root.SetStatus(codes.Error, err.Error())
	} else {
		tc.root.SetStatus(codes.Ok, "")
	}
	tc.root.End()

	tc.logger.Debug("trace finalized",
		zap.String("trace_id", tc.root.SpanContext().TraceID().String()),
		zap.Int("spans", emitted+1),
		zap.Bool("error", err != nil),
	)
	return true
}

// emit turns e into a span under parent. Events shorter than the filter are
// dropped and their children attach to parent instead.
func (tc *TraceContext) emit(parent context.Context, e *event) int {
	if tc.cfg.minDuration > 0 && e.duration() < tc.cfg.minDuration {
		n := 0
		for _, c := range e.children {
			n += tc.emit(parent, c)
		}
		return n
	}

	ctx, span := tc.tracer.Start(parent, e.name,
		trace.WithTimestamp(e.start),
		trace.WithAttributes(e.tags...),
	)
	for _, l := range e.logs {
		span.AddEvent(l.name, trace.WithTimestamp(l.at), trace.WithAttributes(l.attrs...))
	}
	n := 1
	for _, c := range e.children {
		n += tc.emit(ctx, c)
	}
	span.End(trace.WithTimestamp(e.end))
	return n
}

func (tc *TraceContext) push(kind eventKind, name string, at time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.stopped {
		return
	}
	e := &event{kind: kind, name: name, start: at}
	if n := len(tc.open); n > 0 {
		parent := tc.open[n-1]
		parent.children = append(parent.children, e)
	} else {
		tc.top = append(tc.top, e)
	}
	tc.open = append(tc.open, e)
}

func (tc *TraceContext) pop(at time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.stopped || len(tc.open) == 0 {
		return
	}
	tc.popLocked(at)
}

func (tc *TraceContext) popLocked(at time.Time) {
	n := len(tc.open)
	tc.open[n-1].end = at
	tc.open = tc.open[:n-1]
}

func (tc *TraceContext) tag(attrs ...attribute.KeyValue) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.stopped {
		return
	}
	if n := len(tc.open); n > 0 {
		tc.open[n-1].tags = append(tc.open[n-1].tags, attrs...)
		return
	}
	tc.root.SetAttributes(attrs...)
}

func (tc *TraceContext) log(entry logEntry) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.stopped {
		return
	}
	if n := len(tc.open); n > 0 {
		tc.open[n-1].logs = append(tc.open[n-1].logs, entry)
		return
	}
	tc.rootLogs = append(tc.rootLogs, entry)
}

func (tc *TraceContext) functionName(idx uint32) string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if name, ok := tc.names[idx]; ok {
		return name
	}
	return fmt.Sprintf("func[%d]", idx)
}

// ImportObject returns the host modules a guest uses to report spans. They
// are bound to this trace and must not be shared between executions.
func (tc *TraceContext) ImportObject() []sandbox.HostModule {
	return []sandbox.HostModule{
		{
			Name: APIModule,
			Functions: []sandbox.HostFunction{
				{Name: "span-enter", Func: tc.spanEnter},
				{Name: "span-exit", Func: tc.spanExit},
				{Name: "span-tags", Func: tc.spanTags},
				{Name: "log", Func: tc.guestLog},
				{Name: "metric", Func: tc.guestMetric},
			},
		},
		{
			Name: InstrumentModule,
			Functions: []sandbox.HostFunction{
				{Name: "enter", Func: tc.instrumentEnter},
				{Name: "exit", Func: tc.instrumentExit},
				{Name: "memory-grow", Func: tc.instrumentMemoryGrow},
			},
		},
	}
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	mem := m.Memory()
	if mem == nil {
		return "", false
	}
	buf, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

func (tc *TraceContext) spanEnter(_ context.Context, m api.Module, ptr, length uint32) {
	name, ok := readString(m, ptr, length)
	if !ok {
		tc.logger.Warn("span-enter: name out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		name = "unnamed"
	}
	tc.push(eventSpan, name, time.Now())
}

func (tc *TraceContext) spanExit(context.Context) {
	tc.pop(time.Now())
}

// spanTags accepts a comma separated list of key:value pairs. A tag without
// a colon is recorded with an empty value.
func (tc *TraceContext) spanTags(_ context.Context, m api.Module, ptr, length uint32) {
	raw, ok := readString(m, ptr, length)
	if !ok {
		tc.logger.Warn("span-tags: tags out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		return
	}
	tc.tag(parseTags(raw)...)
}

func parseTags(raw string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, ":")
		attrs = append(attrs, attribute.String(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	return attrs
}

var logLevels = map[uint32]string{
	1: "error",
	2: "warn",
	3: "info",
	4: "debug",
	5: "trace",
}

func (tc *TraceContext) guestLog(_ context.Context, m api.Module, level, ptr, length uint32) {
	msg, ok := readString(m, ptr, length)
	if !ok {
		tc.logger.Warn("log: message out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		return
	}
	lvl, known := logLevels[level]
	if !known {
		lvl = "unknown"
	}
	tc.log(logEntry{
		at:   time.Now(),
		name: "log",
		attrs: []attribute.KeyValue{
			attribute.String("log.level", lvl),
			attribute.String("log.message", msg),
		},
	})
}

var metricFormats = map[uint32]string{
	1: "statsd",
}

func (tc *TraceContext) guestMetric(_ context.Context, m api.Module, format, ptr, length uint32) {
	line, ok := readString(m, ptr, length)
	if !ok {
		tc.logger.Warn("metric: line out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
		return
	}
	f, known := metricFormats[format]
	if !known {
		f = "unknown"
	}
	tc.log(logEntry{
		at:   time.Now(),
		name: "metric",
		attrs: []attribute.KeyValue{
			attribute.String("metric.format", f),
			attribute.String("metric.line", line),
		},
	})
}

func (tc *TraceContext) instrumentEnter(_ context.Context, idx uint32) {
	tc.push(eventCall, tc.functionName(idx), time.Now())
}

func (tc *TraceContext) instrumentExit(_ context.Context, _ uint32) {
	tc.pop(time.Now())
}

func (tc *TraceContext) instrumentMemoryGrow(_ context.Context, pages uint32) {
	tc.log(logEntry{
		at:    time.Now(),
		name:  "memory-grow",
		attrs: []attribute.KeyValue{attribute.Int64("wasm.memory.grow_pages", int64(pages))},
	})
}

type ctxKey struct{}

// Bind returns ctx carrying tc. Guest calls made with the returned context
// report to tc.
func (tc *TraceContext) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the TraceContext bound to ctx, if any.
func FromContext(ctx context.Context) *TraceContext {
	tc, _ := ctx.Value(ctxKey{}).(*TraceContext)
	return tc
}

// Listener returns the function listener factory to compile the guest with.
func (tc *TraceContext) Listener() experimental.FunctionListenerFactory {
	return tc
}

// NewFunctionListener records the names of the guest's functions and, when
// function call tracing is enabled, returns a listener that turns each call
// into a span. Host functions are never listened to.
func (tc *TraceContext) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if _, _, isImport := def.Import(); isImport {
		return nil
	}

	name := def.Name()
	if name == "" {
		if exports := def.ExportNames(); len(exports) > 0 {
			name = exports[0]
		} else {
			name = fmt.Sprintf("func[%d]", def.Index())
		}
	}
	tc.mu.Lock()
	tc.names[def.Index()] = name
	tc.mu.Unlock()

	if !tc.cfg.functionCalls {
		return nil
	}
	return callListener{fallback: tc, name: name}
}

var _ experimental.FunctionListenerFactory = (*TraceContext)(nil)

// callListener reports to the trace bound to the call context. The compiled
// module, and the listener with it, may be reused from the compilation cache
// by a later execution, so fallback is only used for unbound calls.
type callListener struct {
	fallback *TraceContext
	name     string
}

func (l callListener) trace(ctx context.Context) *TraceContext {
	if tc := FromContext(ctx); tc != nil {
		return tc
	}
	return l.fallback
}

func (l callListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	l.trace(ctx).push(eventCall, l.name, time.Now())
}

func (l callListener) After(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64) {
	l.trace(ctx).pop(time.Now())
}

func (l callListener) Abort(ctx context.Context, _ api.Module, _ api.FunctionDefinition, err error) {
	tc := l.trace(ctx)
	tc.tag(attribute.String("wasm.abort", err.Error()))
	tc.pop(time.Now())
}
