// Package bridge moves request and response bodies in and out of the files a
// sandbox uses as its standard streams.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
)

// ErrFieldNotFound is returned when a multipart body has no part with the
// requested field name.
var ErrFieldNotFound = errors.New("multipart field not found")

// Trailer is the line ending some multipart front ends leave at the end of
// a file part. mime/multipart strips the delimiter CRLF itself, so parts
// read through it are already exact and must not be trimmed again.
var Trailer = []byte("\r\n")

// DrainToFile consumes r entirely into path, truncating any previous
// content.
func DrainToFile(r io.Reader, path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("drain to %s: %w", path, err)
	}
	return n, nil
}

// DrainPart finds the part named field in mr and writes its payload to path.
// When trim is set a trailing Trailer is dropped; leave it unset for bodies
// parsed by mime/multipart. Parts before and after the
// field are consumed and discarded.
func DrainPart(mr *multipart.Reader, field, path string, trim bool) (int64, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return 0, fmt.Errorf("%w: %q", ErrFieldNotFound, field)
		}
		if err != nil {
			return 0, fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() != field {
			_, _ = io.Copy(io.Discard, part)
			part.Close()
			continue
		}

		var src io.Reader = part
		if trim {
			src = &trailerTrimmer{r: part}
		}
		n, err := DrainToFile(src, path)
		part.Close()
		if err != nil {
			return n, err
		}
		for {
			rest, err := mr.NextPart()
			if err != nil {
				break
			}
			_, _ = io.Copy(io.Discard, rest)
			rest.Close()
		}
		return n, nil
	}
}

// FileToStream opens path for a single forward pass from offset zero.
// Re-open to read again.
func FileToStream(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// trailerTrimmer withholds the last len(Trailer) bytes of r until EOF and
// drops them if they equal Trailer.
type trailerTrimmer struct {
	r    io.Reader
	held []byte
	out  []byte
	eof  bool
}

func (t *trailerTrimmer) Read(p []byte) (int, error) {
	for len(t.out) == 0 {
		if t.eof {
			return 0, io.EOF
		}
		buf := make([]byte, len(p)+len(Trailer))
		n, err := t.r.Read(buf)
		t.held = append(t.held, buf[:n]...)
		if err == io.EOF {
			t.eof = true
			if bytes.HasSuffix(t.held, Trailer) {
				t.held = t.held[:len(t.held)-len(Trailer)]
			}
			t.out, t.held = t.held, nil
			continue
		}
		if err != nil {
			return 0, err
		}
		if keep := len(Trailer); len(t.held) > keep {
			cut := len(t.held) - keep
			t.out = append(t.out[:0], t.held[:cut]...)
			t.held = append([]byte(nil), t.held[cut:]...)
		}
	}
	n := copy(p, t.out)
	t.out = t.out[n:]
	return n, nil
}
