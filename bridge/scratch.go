package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Scratch files used by a run.
const (
	Stdin  = "stdin"
	Stdout = "stdout"
	Upload = "upload"
)

// Scratch is a set of uniquely named temporary files owned by one call.
// Every file is created empty on acquisition; Release removes them all.
type Scratch struct {
	id    string
	paths map[string]string
	kinds []string

	mu       sync.Mutex
	released bool
}

// NewScratch creates one empty file per kind in dir, named
// "<kind>_<uuid>.txt". The uuid is shared by the set and never reused.
func NewScratch(dir string, kinds ...string) (*Scratch, error) {
	s := &Scratch{
		id:    uuid.NewString(),
		paths: make(map[string]string, len(kinds)),
	}
	for _, kind := range kinds {
		if _, dup := s.paths[kind]; dup {
			s.Release()
			return nil, fmt.Errorf("scratch kind %q requested twice", kind)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.txt", kind, s.id))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("create scratch %s: %w", kind, err)
		}
		f.Close()
		s.paths[kind] = path
		s.kinds = append(s.kinds, kind)
	}
	return s, nil
}

// ID returns the identifier shared by all files in the set.
func (s *Scratch) ID() string { return s.id }

// Path returns the file for kind, or "" if the set has no such file.
func (s *Scratch) Path(kind string) string { return s.paths[kind] }

// Release removes every file. It is idempotent; files already gone are not
// an error.
func (s *Scratch) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for _, kind := range s.kinds {
		if err := os.Remove(s.paths[kind]); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
