// Package executor runs stored WebAssembly modules on a bounded worker pool.
//
// Run copies the caller's stdin to a scratch file, queues the job and waits.
// A worker loads the module, starts a trace, links WASI with the trace host
// API and runs the guest with its stdout going to a second scratch file.
// The caller reads that file through RunResult.Output; closing it deletes
// both scratch files. On any failure the scratch files are removed before
// Run returns.
//
// When every worker is busy and the queue is full, Run fails fast with
// ErrBusy rather than blocking. Classify maps any returned error to a
// stable kind for logs and metrics.
package executor
