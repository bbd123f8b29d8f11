package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted  = errors.New("instance already started")
	ErrTerminated      = errors.New("instance terminated")
	ErrTimeout         = errors.New("execution timed out")
	ErrClosed          = errors.New("runtime closed")
	ErrImportCollision = errors.New("import collision")
)

// CompileError reports bytes that are not a valid WebAssembly module.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return "compile module: " + e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

// LinkError reports an import the combined import set cannot satisfy.
type LinkError struct {
	Module string
	Name   string
	Err    error
}

func (e *LinkError) Error() string {
	if e.Module == "" {
		return "link: " + e.Err.Error()
	}
	return fmt.Sprintf("link %s.%s: %v", e.Module, e.Name, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// TrapError reports a guest that faulted or exited with a non-zero code.
type TrapError struct {
	ExitCode uint32
	Err      error
}

func (e *TrapError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("trap (exit code %d): %v", e.ExitCode, e.Err)
	}
	return "trap: " + e.Err.Error()
}

func (e *TrapError) Unwrap() error { return e.Err }
