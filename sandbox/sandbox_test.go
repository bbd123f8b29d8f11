package sandbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/iota/internal/wasmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func wasiImports(t *testing.T) *ImportSet {
	t.Helper()
	set, err := NewImports().Add(WASI()).Build()
	require.NoError(t, err)
	return set
}

func TestEchoRoundTrip(t *testing.T) {
	rt := newRuntime(t)
	var stdout bytes.Buffer

	result := rt.Run(context.Background(), wasmtest.Echo(), wasiImports(t), Config{
		Args:   []string{"echo"},
		Stdin:  strings.NewReader("hello\nworld"),
		Stdout: &stdout,
	})

	require.NoError(t, result.Error)
	assert.Equal(t, "hello\nworld", stdout.String())
	assert.Positive(t, result.Duration)
}

func TestEchoLargeInput(t *testing.T) {
	rt := newRuntime(t)
	input := strings.Repeat("0123456789abcdef", 4096)
	var stdout bytes.Buffer

	result := rt.Run(context.Background(), wasmtest.Echo(), wasiImports(t), Config{
		Stdin:  strings.NewReader(input),
		Stdout: &stdout,
	})

	require.NoError(t, result.Error)
	assert.Equal(t, input, stdout.String())
}

func TestCompileError(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Instantiate(context.Background(), []byte("definitely not wasm"), wasiImports(t), Config{})

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
}

func TestLinkErrorUnknownImport(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Instantiate(context.Background(), wasmtest.MissingImport(), wasiImports(t), Config{})

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "env", linkErr.Module)
	assert.Equal(t, "missing", linkErr.Name)
}

func TestLinkErrorWithoutWASI(t *testing.T) {
	rt := newRuntime(t)
	empty, err := NewImports().Build()
	require.NoError(t, err)

	_, err = rt.Instantiate(context.Background(), wasmtest.Echo(), empty, Config{})

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "wasi_snapshot_preview1", linkErr.Module)
}

func TestLinkCheckAgainstWASI(t *testing.T) {
	rt := newRuntime(t)

	inst, err := rt.Instantiate(context.Background(), wasmtest.Echo(), wasiImports(t), Config{
		Stdin: strings.NewReader("linked"),
	})
	require.NoError(t, err)
	require.NoError(t, inst.Close(context.Background()))

	tests := []struct {
		name string
		call string
		want string
	}{
		{"unknown function", "no_such_call", "function not exported"},
		{"wrong signature", "proc_exit", "signature mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Instantiate(context.Background(), wasmtest.Calls("wasi_snapshot_preview1", tt.call), wasiImports(t), Config{})

			var linkErr *LinkError
			require.ErrorAs(t, err, &linkErr)
			assert.Equal(t, "wasi_snapshot_preview1", linkErr.Module)
			assert.Equal(t, tt.call, linkErr.Name)
			assert.Contains(t, linkErr.Error(), tt.want)
		})
	}
}

func TestLinkErrorSignatureMismatch(t *testing.T) {
	rt := newRuntime(t)
	set, err := NewImports().Add(HostModule{
		Name: "env",
		Functions: []HostFunction{
			{Name: "missing", Func: func(ctx context.Context, x uint32) uint32 { return x }},
		},
	}).Build()
	require.NoError(t, err)

	_, err = rt.Instantiate(context.Background(), wasmtest.MissingImport(), set, Config{})

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Contains(t, linkErr.Error(), "signature mismatch")
}

func TestHostFunctionSatisfiesImport(t *testing.T) {
	rt := newRuntime(t)
	called := 0
	set, err := NewImports().Add(HostModule{
		Name: "env",
		Functions: []HostFunction{
			{Name: "missing", Func: func(ctx context.Context) { called++ }},
		},
	}).Build()
	require.NoError(t, err)

	result := rt.Run(context.Background(), wasmtest.MissingImport(), set, Config{})

	require.NoError(t, result.Error)
	assert.Equal(t, 1, called)
}

func TestTrap(t *testing.T) {
	rt := newRuntime(t)

	result := rt.Run(context.Background(), wasmtest.Trap(), wasiImports(t), Config{})

	var trapErr *TrapError
	require.ErrorAs(t, result.Error, &trapErr)
	assert.Zero(t, trapErr.ExitCode)
}

func TestExitCodes(t *testing.T) {
	rt := newRuntime(t)

	result := rt.Run(context.Background(), wasmtest.Exit(0), wasiImports(t), Config{})
	require.NoError(t, result.Error)

	result = rt.Run(context.Background(), wasmtest.Exit(3), wasiImports(t), Config{})
	var trapErr *TrapError
	require.ErrorAs(t, result.Error, &trapErr)
	assert.Equal(t, uint32(3), trapErr.ExitCode)
}

func TestTimeout(t *testing.T) {
	rt := newRuntime(t)

	start := time.Now()
	result := rt.Run(context.Background(), wasmtest.Spin(), wasiImports(t), Config{
		Timeout: 200 * time.Millisecond,
	})

	require.Error(t, result.Error)
	assert.True(t, errors.Is(result.Error, ErrTimeout), "got %v", result.Error)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestContextCancelStopsGuest(t *testing.T) {
	rt := newRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	result := rt.Run(ctx, wasmtest.Spin(), wasiImports(t), Config{})

	var trapErr *TrapError
	require.ErrorAs(t, result.Error, &trapErr)
}

func TestInstanceLifecycle(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	inst, err := rt.Instantiate(ctx, wasmtest.Echo(), wasiImports(t), Config{Stdin: strings.NewReader("")})
	require.NoError(t, err)
	defer inst.Close(ctx)

	assert.Equal(t, StateInstantiated, inst.State())
	require.NoError(t, inst.Start(ctx))
	assert.Equal(t, StateTerminated, inst.State())

	err = inst.Start(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestRuntimeClosed(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	_, err = rt.Instantiate(context.Background(), wasmtest.Echo(), nil, Config{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryLimitOption(t *testing.T) {
	rt := newRuntime(t, WithMemoryLimit(MemoryLimit1MB))
	var stdout bytes.Buffer

	result := rt.Run(context.Background(), wasmtest.Hello(), wasiImports(t), Config{Stdout: &stdout})

	require.NoError(t, result.Error)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestDiskCache(t *testing.T) {
	rt := newRuntime(t, WithDiskCache(t.TempDir()))
	var stdout bytes.Buffer

	result := rt.Run(context.Background(), wasmtest.Hello(), wasiImports(t), Config{Stdout: &stdout})

	require.NoError(t, result.Error)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestConcurrentInstances(t *testing.T) {
	rt := newRuntime(t)
	imports := wasiImports(t)

	var wg sync.WaitGroup
	outputs := make([]string, 8)
	errs := make([]error, 8)
	for i := range outputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var stdout bytes.Buffer
			input := strings.Repeat(string(rune('a'+i)), 2048)
			res := rt.Run(context.Background(), wasmtest.Echo(), imports, Config{
				Stdin:  strings.NewReader(input),
				Stdout: &stdout,
			})
			errs[i] = res.Error
			outputs[i] = stdout.String()
		}(i)
	}
	wg.Wait()

	for i, out := range outputs {
		require.NoError(t, errs[i])
		assert.Equal(t, strings.Repeat(string(rune('a'+i)), 2048), out)
	}
}
