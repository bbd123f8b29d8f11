// Package iota is a WebAssembly execution service.
//
// # Overview
//
// Clients upload compiled modules by name and later run them. A run feeds
// the request body to the guest as stdin and streams its stdout back. Guests
// see WASI stdio plus the dylibso:observe tracing API, nothing else, and
// every run is recorded as an OpenTelemetry trace.
//
// # Packages
//
//   - store: named module bytecode on the local filesystem
//   - bridge: request and response streams to and from scratch files
//   - sandbox: single-shot wazero instances behind a composable import set
//   - observe: trace context per run and the host functions guests call
//   - executor: bounded worker pool tying the above together
//   - internal/server: the /upload and /run HTTP front end
//
// # Basic Usage
//
//	st, _ := store.New("/var/lib/iota/modules")
//	rt, _ := sandbox.New()
//	tracer, _ := observe.New(ctx, observe.DefaultConfig(), logger)
//
//	exec, _ := executor.New(st, rt, tracer, logger)
//	defer exec.Close()
//
//	exec.Upload(ctx, "echo", wasm, "")
//	res, err := exec.Run(ctx, executor.RunRequest{Name: "echo", Stdin: body})
//	if err != nil {
//	    return err
//	}
//	defer res.Output.Close()
//	io.Copy(w, res.Output)
//
// The iota command wires the same pieces behind an HTTP server:
//
//	iota serve --addr :8080 --trace-exporter otlp-grpc --trace-endpoint collector:4317
package iota
