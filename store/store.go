// Package store keeps uploaded WebAssembly modules on the local filesystem,
// keyed by a caller-supplied name.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("module not found")
	ErrIO          = errors.New("module storage i/o")
	ErrInvalidName = errors.New("invalid module name")
)

// Extension is appended to every stored module file.
const Extension = ".wasm"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName reports whether name is safe to use as a file name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Store maps module names to bytecode files under a root directory.
// Concurrent Save and Load of one name are last-writer-wins: Save renames a
// fully written file into place so readers never observe a partial module.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrIO, err)
	}
	return &Store{root: dir}, nil
}

// Root returns the directory modules are stored in.
func (s *Store) Root() string { return s.root }

// Path returns the storage location for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, name+Extension)
}

// Save writes the contents of r under name, replacing any existing module.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	tmp := filepath.Join(s.root, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", ErrIO, name, err)
	}

	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: write %s: %v", ErrIO, name, err)
	}

	if err := os.Rename(tmp, s.Path(name)); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: commit %s: %v", ErrIO, name, err)
	}
	return n, nil
}

// Load returns the bytecode stored under name.
func (s *Store) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, name, err)
	}
	return data, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
