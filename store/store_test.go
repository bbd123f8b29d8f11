package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := s.Save(ctx, "echo", bytes.NewReader([]byte{0x00, 0x61, 0x73, 0x6d}))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	data, err := s.Load(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d}, data)
	assert.FileExists(t, filepath.Join(s.Root(), "echo.wasm"))
}

func TestSaveOverwrites(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Save(ctx, "m", strings.NewReader("first version"))
	require.NoError(t, err)
	_, err = s.Save(ctx, "m", strings.NewReader("v2"))
	require.NoError(t, err)

	data, err := s.Load(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not linger")
}

func TestLoadMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadUnreadable(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(s.Path("dir"), 0o755))

	_, err = s.Load(context.Background(), "dir")
	assert.ErrorIs(t, err, ErrIO)
}

func TestSaveFailingReader(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "broken", failingReader{})
	assert.ErrorIs(t, err, ErrIO)

	_, err = s.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveCanceled(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Save(ctx, "late", strings.NewReader("data"))
	assert.ErrorIs(t, err, ErrIO)
}

func TestValidateName(t *testing.T) {
	valid := []string{"echo", "my-module", "mod_1.v2", "A"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{"", "../etc/passwd", "a/b", ".hidden", "a..b", "with space", strings.Repeat("x", 200)}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestConcurrentSaveLoad(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	a := strings.Repeat("a", 64*1024)
	b := strings.Repeat("b", 64*1024)
	_, err = s.Save(ctx, "race", strings.NewReader(a))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			payload := a
			if i%2 == 1 {
				payload = b
			}
			_, _ = s.Save(ctx, "race", strings.NewReader(payload))
		}(i)
		go func() {
			defer wg.Done()
			data, err := s.Load(ctx, "race")
			if assert.NoError(t, err) {
				got := string(data)
				assert.True(t, got == a || got == b, "torn read of %d bytes", len(got))
			}
		}()
	}
	wg.Wait()
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }
