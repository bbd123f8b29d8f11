package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
)

// State is the lifecycle position of an Instance.
type State int

const (
	StateUninstantiated State = iota
	StateInstantiated
	StateStarted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninstantiated:
		return "uninstantiated"
	case StateInstantiated:
		return "instantiated"
	case StateStarted:
		return "started"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Instance is a linked module ready to run exactly once.
type Instance struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	modCfg   wazero.ModuleConfig
	timeout  time.Duration

	mu    sync.Mutex
	state State
}

// State reports the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Start runs the entry point to completion. It blocks the calling goroutine
// until the guest returns, traps, exits or the timeout elapses.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	switch i.state {
	case StateInstantiated:
		i.state = StateStarted
	case StateTerminated:
		i.mu.Unlock()
		return ErrTerminated
	default:
		i.mu.Unlock()
		return ErrAlreadyStarted
	}
	i.mu.Unlock()

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	mod, err := i.rt.InstantiateModule(ctx, i.compiled, i.modCfg)
	if mod != nil {
		mod.Close(ctx)
	}

	i.mu.Lock()
	i.state = StateTerminated
	i.mu.Unlock()

	return i.trap(ctx, err)
}

// Close frees the instance's runtime. Safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	i.state = StateTerminated
	i.mu.Unlock()
	return i.rt.Close(ctx)
}

func (i *Instance) trap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded:
			return &TrapError{Err: fmt.Errorf("%w after %v", ErrTimeout, i.timeout)}
		case sys.ExitCodeContextCanceled:
			return &TrapError{Err: context.Canceled}
		}
		return &TrapError{ExitCode: exitErr.ExitCode(), Err: err}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &TrapError{Err: fmt.Errorf("%w after %v", ErrTimeout, i.timeout)}
	}
	return &TrapError{Err: err}
}
