package executor

import (
	"context"
	"errors"

	"github.com/caffeineduck/iota/bridge"
	"github.com/caffeineduck/iota/sandbox"
	"github.com/caffeineduck/iota/store"
)

var (
	// ErrBusy is returned when the run queue is full.
	ErrBusy = errors.New("executor: run queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("executor: closed")
	// ErrIO reports a filesystem failure while moving streams or modules.
	ErrIO = store.ErrIO
)

// Error kinds reported by Classify.
const (
	KindOK          = "ok"
	KindNotFound    = "not_found"
	KindIO          = "io"
	KindCompile     = "compile"
	KindLink        = "link"
	KindTrap        = "trap"
	KindTimeout     = "timeout"
	KindCanceled    = "canceled"
	KindBusy        = "busy"
	KindClosed      = "closed"
	KindInvalidName = "invalid_name"
	KindBadRequest  = "bad_request"
	KindInternal    = "internal"
)

// Classify maps an error returned by Upload or Run to a stable label for
// logs and metrics.
func Classify(err error) string {
	var (
		compileErr *sandbox.CompileError
		linkErr    *sandbox.LinkError
		trapErr    *sandbox.TrapError
	)

	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrClosed), errors.Is(err, sandbox.ErrClosed):
		return KindClosed
	case errors.Is(err, store.ErrInvalidName):
		return KindInvalidName
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, sandbox.ErrTimeout):
		return KindTimeout
	case errors.As(err, &compileErr):
		return KindCompile
	case errors.As(err, &linkErr):
		return KindLink
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &trapErr):
		return KindTrap
	case errors.Is(err, bridge.ErrFieldNotFound):
		return KindBadRequest
	case errors.Is(err, store.ErrIO):
		return KindIO
	default:
		return KindInternal
	}
}
