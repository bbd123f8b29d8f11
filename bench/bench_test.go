// Package bench measures end-to-end run latency through the executor.
//
// Run with: go test -bench=. -benchtime=100x ./bench/
package bench

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/caffeineduck/iota/executor"
	"github.com/caffeineduck/iota/internal/wasmtest"
	"github.com/caffeineduck/iota/observe"
	"github.com/caffeineduck/iota/sandbox"
	"github.com/caffeineduck/iota/store"
)

func newExecutor(b *testing.B, cfg observe.Config, opts ...executor.Option) *executor.Executor {
	b.Helper()
	st, err := store.New(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	rt, err := sandbox.New()
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { rt.Close() })

	adapter, err := observe.NewWithExporter(cfg, tracetest.NewInMemoryExporter(), nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { adapter.Shutdown(context.Background()) })

	opts = append([]executor.Option{executor.WithScratchDir(b.TempDir())}, opts...)
	exec, err := executor.New(st, rt, adapter, nil, opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { exec.Close() })

	if _, err := exec.Upload(context.Background(), "echo", bytes.NewReader(wasmtest.TracedEcho()), ""); err != nil {
		b.Fatal(err)
	}
	return exec
}

func runOnce(exec *executor.Executor, input string) error {
	res, err := exec.Run(context.Background(), executor.RunRequest{
		Name:  "echo",
		Stdin: strings.NewReader(input),
	})
	if err != nil {
		return err
	}
	defer res.Output.Close()
	_, err = io.Copy(io.Discard, res.Output)
	return err
}

func mustRun(b *testing.B, exec *executor.Executor, input string) {
	if err := runOnce(exec, input); err != nil {
		b.Fatal(err)
	}
}

// --- Cold start: fresh runtime and compile per iteration ---

func BenchmarkRun_ColdStart(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		exec := newExecutor(b, observe.DefaultConfig())
		b.StartTimer()
		mustRun(b, exec, "x")
	}
}

// --- Warm start: compilation cache populated ---

func BenchmarkRun_WarmStart(b *testing.B) {
	exec := newExecutor(b, observe.DefaultConfig())
	mustRun(b, exec, "x")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mustRun(b, exec, "x")
	}
}

func BenchmarkRun_WarmStart_FunctionCalls(b *testing.B) {
	cfg := observe.DefaultConfig()
	cfg.FunctionCalls = true
	exec := newExecutor(b, cfg)
	mustRun(b, exec, "x")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mustRun(b, exec, "x")
	}
}

// --- Payload size ---

func BenchmarkRun_1MB(b *testing.B) {
	exec := newExecutor(b, observe.DefaultConfig())
	input := strings.Repeat("a", 1<<20)
	mustRun(b, exec, input)

	b.SetBytes(int64(len(input)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mustRun(b, exec, input)
	}
}

// --- Parallel: workers contend for the queue ---

func BenchmarkRun_Parallel(b *testing.B) {
	exec := newExecutor(b, observe.DefaultConfig(), executor.WithQueueSize(1024))
	mustRun(b, exec, "x")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := runOnce(exec, "x"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
