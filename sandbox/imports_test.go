package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

func noop(ctx context.Context) {}

func TestImportsMergeDisjointFunctions(t *testing.T) {
	set, err := NewImports().
		Add(WASI()).
		Add(HostModule{Name: "env", Functions: []HostFunction{{Name: "a", Func: noop}}}).
		Add(HostModule{Name: "env", Functions: []HostFunction{{Name: "b", Func: noop}}}).
		Build()

	require.NoError(t, err)
	assert.Equal(t, []string{"wasi_snapshot_preview1", "env"}, set.Modules())
}

func TestImportsRejectDuplicateFunction(t *testing.T) {
	_, err := NewImports().
		Add(HostModule{Name: "env", Functions: []HostFunction{{Name: "a", Func: noop}}}).
		Add(HostModule{Name: "env", Functions: []HostFunction{{Name: "a", Func: noop}}}).
		Build()

	assert.ErrorIs(t, err, ErrImportCollision)
}

func TestImportsRejectSharedOpaqueModule(t *testing.T) {
	_, err := NewImports().Add(WASI(), WASI()).Build()
	assert.ErrorIs(t, err, ErrImportCollision)

	_, err = NewImports().
		Add(HostModule{Name: "wasi_snapshot_preview1", Functions: []HostFunction{{Name: "fd_write", Func: noop}}}).
		Add(WASI()).
		Build()
	assert.ErrorIs(t, err, ErrImportCollision)

	_, err = NewImports().
		Add(WASI()).
		Add(HostModule{Name: "wasi_snapshot_preview1", Functions: []HostFunction{{Name: "fd_write", Func: noop}}}).
		Build()
	assert.ErrorIs(t, err, ErrImportCollision)
}

func TestImportsRejectUnnamedModule(t *testing.T) {
	_, err := NewImports().Add(HostModule{Export: func(wazero.HostModuleBuilder) {}}).Build()
	assert.ErrorIs(t, err, ErrImportCollision)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "instantiated", StateInstantiated.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "state(9)", State(9).String())
}
