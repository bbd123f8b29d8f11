package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/iota/internal/wasmtest"
	"github.com/caffeineduck/iota/sandbox"
)

func executeCommand(root *cobra.Command, stdin string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeModule(t *testing.T, name string, wasm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, wasm, 0o600))
	return path
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"iota", "WebAssembly", "run", "serve", "--config", "--trace-exporter"} {
		assert.Contains(t, output, phrase)
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "serve", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"--addr", "--store-dir", "--workers", "--max-body", "/upload", "/run"} {
		assert.Contains(t, output, phrase)
	}
}

func TestCLIRunEcho(t *testing.T) {
	path := writeModule(t, "echo.wasm", wasmtest.TracedEcho())

	output, err := executeCommand(rootCmd, "ping", "run", "--log-level", "error", path)
	require.NoError(t, err)
	assert.Equal(t, "ping", output)
}

func TestCLIRunExitCode(t *testing.T) {
	path := writeModule(t, "exit.wasm", wasmtest.Exit(3))

	_, err := executeCommand(rootCmd, "", "run", "--log-level", "error", path)
	require.Error(t, err)

	var ec *exitCodeError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, 3, ec.code)
}

func TestCLIRunTrap(t *testing.T) {
	path := writeModule(t, "trap.wasm", wasmtest.Trap())

	_, err := executeCommand(rootCmd, "", "run", "--log-level", "error", path)
	require.Error(t, err)

	var ec *exitCodeError
	assert.False(t, errors.As(err, &ec))
	var trap *sandbox.TrapError
	assert.True(t, errors.As(err, &trap))
}

func TestCLIRunEchoWithWASI(t *testing.T) {
	path := writeModule(t, "plain.wasm", wasmtest.Echo())

	output, err := executeCommand(rootCmd, "plain", "run", "--log-level", "error", path)
	require.NoError(t, err)
	assert.Equal(t, "plain", output)
}

func TestCLIRunIncompatibleInstrumentation(t *testing.T) {
	path := writeModule(t, "v1.wasm", wasmtest.Versioned(1, 0))

	_, err := executeCommand(rootCmd, "", "run", "--log-level", "error", path)
	var linkErr *sandbox.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "wasm_instr_version_major", linkErr.Name)
}

func TestCLIRunMissingFile(t *testing.T) {
	_, err := executeCommand(rootCmd, "", "run", filepath.Join(t.TempDir(), "absent.wasm"))
	assert.Error(t, err)
}

func TestCLIRunRequiresFile(t *testing.T) {
	_, err := executeCommand(rootCmd, "", "run")
	assert.Error(t, err)
}
