package observe

import (
	"fmt"

	"github.com/caffeineduck/iota/sandbox"
)

// Instrumentation version accepted from modules built with wasm-instr. A
// module must carry this major version and at least this minor version.
const (
	InstrVersionMajor = 0
	InstrVersionMinor = 0
)

const (
	versionMajorGlobal = "wasm_instr_version_major"
	versionMinorGlobal = "wasm_instr_version_minor"
)

// CheckVersion rejects modules instrumented for an incompatible guest API.
// Modules that do not export the version globals pass, as do binaries it
// cannot read; compiling those reports the real problem.
func CheckVersion(wasm []byte) error {
	major, minor, ok := instrVersion(wasm)
	if !ok {
		return nil
	}
	if major != InstrVersionMajor || minor < InstrVersionMinor {
		return &sandbox.LinkError{
			Module: InstrumentModule,
			Name:   versionMajorGlobal,
			Err: fmt.Errorf("expected instrumentation version >= %d.%d but got %d.%d",
				InstrVersionMajor, InstrVersionMinor, major, minor),
		}
	}
	return nil
}

// instrVersion reads the constant initializers of the exported version
// globals. Only sections 2, 6 and 7 are decoded.
func instrVersion(wasm []byte) (major, minor int64, ok bool) {
	if len(wasm) < 8 || string(wasm[:4]) != "\x00asm" {
		return 0, 0, false
	}
	r := &binReader{b: wasm[8:]}

	var imported uint64
	values := map[uint64]int64{}
	exports := map[string]uint64{}
	for len(r.b) > 0 && !r.bad {
		id := r.byte()
		body := &binReader{b: r.bytes(r.uleb())}
		if r.bad {
			return 0, 0, false
		}
		switch id {
		case 2:
			imported = body.importedGlobals()
		case 6:
			body.globals(imported, values)
		case 7:
			body.exportedGlobals(exports)
		}
	}

	majorIdx, okMajor := exports[versionMajorGlobal]
	minorIdx, okMinor := exports[versionMinorGlobal]
	if !okMajor || !okMinor {
		return 0, 0, false
	}
	major, okMajor = values[majorIdx]
	minor, okMinor = values[minorIdx]
	return major, minor, okMajor && okMinor
}

type binReader struct {
	b   []byte
	bad bool
}

func (r *binReader) byte() byte {
	if len(r.b) == 0 {
		r.bad = true
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *binReader) bytes(n uint64) []byte {
	if r.bad || n > uint64(len(r.b)) {
		r.bad = true
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *binReader) uleb() uint64 {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		c := r.byte()
		if r.bad {
			return 0
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v
		}
	}
	r.bad = true
	return 0
}

func (r *binReader) sleb() int64 {
	var v int64
	for shift := uint(0); shift < 64; {
		c := r.byte()
		if r.bad {
			return 0
		}
		v |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				v |= -1 << shift
			}
			return v
		}
	}
	r.bad = true
	return 0
}

func (r *binReader) limits() {
	flags := r.byte()
	r.uleb()
	if flags&0x01 != 0 {
		r.uleb()
	}
}

// importedGlobals counts imported globals, which come first in the global
// index space.
func (r *binReader) importedGlobals() uint64 {
	var n uint64
	count := r.uleb()
	for i := uint64(0); i < count && !r.bad; i++ {
		r.bytes(r.uleb())
		r.bytes(r.uleb())
		switch r.byte() {
		case 0x00:
			r.uleb()
		case 0x01:
			r.byte()
			r.limits()
		case 0x02:
			r.limits()
		case 0x03:
			r.valType()
			r.byte()
			n++
		case 0x04:
			r.byte()
			r.uleb()
		default:
			r.bad = true
		}
	}
	return n
}

func (r *binReader) valType() {
	// Nullable reference types carry a heap type.
	if t := r.byte(); t == 0x63 || t == 0x64 {
		r.sleb()
	}
}

// globals records globals initialized by a single i32.const. Decoding stops
// at the first initializer it does not understand.
func (r *binReader) globals(base uint64, values map[uint64]int64) {
	count := r.uleb()
	for i := uint64(0); i < count && !r.bad; i++ {
		r.valType()
		r.byte()
		if r.byte() != 0x41 {
			return
		}
		v := r.sleb()
		if r.byte() != 0x0b || r.bad {
			return
		}
		values[base+i] = v
	}
}

func (r *binReader) exportedGlobals(exports map[string]uint64) {
	count := r.uleb()
	for i := uint64(0); i < count && !r.bad; i++ {
		name := string(r.bytes(r.uleb()))
		kind := r.byte()
		idx := r.uleb()
		if kind == 0x03 && !r.bad {
			exports[name] = idx
		}
	}
}
