// Package sandbox links and runs WebAssembly modules against a restricted
// system interface.
//
// An [Instance] moves through Uninstantiated, Instantiated, Started and
// Terminated. It is single-shot: Start may be called once.
//
//	rt, _ := sandbox.New()
//	defer rt.Close()
//
//	imports, _ := sandbox.NewImports().Add(sandbox.WASI()).Build()
//	inst, err := rt.Instantiate(ctx, wasm, imports, sandbox.Config{
//	    Args:   []string{"echo"},
//	    Stdin:  in,
//	    Stdout: out,
//	})
//	if err != nil {
//	    return err // *CompileError or *LinkError
//	}
//	defer inst.Close(ctx)
//	err = inst.Start(ctx) // *TrapError on fault
package sandbox

import (
	"context"
	"time"
)

// Result holds the outcome of a one-shot Run.
type Result struct {
	Duration time.Duration
	Error    error
}

// Run instantiates, starts and closes wasm in one call.
func (r *Runtime) Run(ctx context.Context, wasm []byte, imports *ImportSet, cfg Config) Result {
	start := time.Now()

	inst, err := r.Instantiate(ctx, wasm, imports, cfg)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer inst.Close(ctx)

	err = inst.Start(ctx)
	return Result{Error: err, Duration: time.Since(start)}
}
