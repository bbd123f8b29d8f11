// Package wasmtest assembles tiny WebAssembly guests for tests.
//
// The guests are built from raw opcodes so tests do not depend on a wasm
// toolchain or checked-in binaries. Every guest exports "memory" and
// "_start" and only uses wasi_snapshot_preview1 plus the observe host
// modules.
package wasmtest

const (
	i32     = 0x7f
	funcRef = 0x60

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03

	wasiModule       = "wasi_snapshot_preview1"
	observeModule    = "dylibso:observe/api"
	instrumentModule = "dylibso:observe/instrument"
)

// OutOfBounds is a guest address past the end of every fixture's memory.
const OutOfBounds = 0xFFFFFF00

// Echo copies stdin to stdout until EOF.
func Echo() []byte {
	m := newModule()
	rw := m.addType([]byte{i32, i32, i32, i32}, []byte{i32})
	void := m.addType(nil, nil)
	fdRead := m.importFunc(wasiModule, "fd_read", rw)
	fdWrite := m.importFunc(wasiModule, "fd_write", rw)
	m.defineStart(void, echoLoop(fdRead, fdWrite, -1))
	return m.encode()
}

// TracedEcho behaves like Echo but wraps the copy in a guest-declared span
// named "echo" tagged with "lang:wat".
func TracedEcho() []byte {
	m := newModule()
	rw := m.addType([]byte{i32, i32, i32, i32}, []byte{i32})
	void := m.addType(nil, nil)
	strArg := m.addType([]byte{i32, i32}, nil)
	fdRead := m.importFunc(wasiModule, "fd_read", rw)
	fdWrite := m.importFunc(wasiModule, "fd_write", rw)
	enter := m.importFunc(observeModule, "span-enter", strArg)
	exit := m.importFunc(observeModule, "span-exit", void)
	tags := m.importFunc(observeModule, "span-tags", strArg)

	m.data(2048, "echo")
	m.data(2064, "lang:wat")

	var code []byte
	code = append(code, i32Const(2048)...)
	code = append(code, i32Const(4)...)
	code = append(code, call(enter)...)
	code = append(code, i32Const(2064)...)
	code = append(code, i32Const(8)...)
	code = append(code, call(tags)...)
	// block wraps the loop so EOF can branch past it to span-exit.
	code = append(code, 0x02, 0x40)
	code = append(code, echoLoop(fdRead, fdWrite, 2)...)
	code = append(code, 0x0b)
	code = append(code, call(exit)...)
	m.defineStart(void, code)
	return m.encode()
}

// Hello writes "hello\n" to stdout and ignores stdin.
func Hello() []byte {
	m := newModule()
	rw := m.addType([]byte{i32, i32, i32, i32}, []byte{i32})
	void := m.addType(nil, nil)
	fdWrite := m.importFunc(wasiModule, "fd_write", rw)
	m.data(32, "hello\n")

	var code []byte
	code = append(code, store(0, 32)...)
	code = append(code, store(4, 6)...)
	code = append(code, i32Const(1)...)
	code = append(code, i32Const(0)...)
	code = append(code, i32Const(1)...)
	code = append(code, i32Const(8)...)
	code = append(code, call(fdWrite)...)
	code = append(code, 0x1a)
	m.defineStart(void, code)
	return m.encode()
}

// Trap executes an unreachable instruction.
func Trap() []byte {
	m := newModule()
	void := m.addType(nil, nil)
	m.defineStart(void, []byte{0x00})
	return m.encode()
}

// Exit calls proc_exit with the given code.
func Exit(code int32) []byte {
	m := newModule()
	void := m.addType(nil, nil)
	oneArg := m.addType([]byte{i32}, nil)
	procExit := m.importFunc(wasiModule, "proc_exit", oneArg)
	body := append(i32Const(code), call(procExit)...)
	m.defineStart(void, body)
	return m.encode()
}

// Spin loops forever; used to exercise timeouts.
func Spin() []byte {
	m := newModule()
	void := m.addType(nil, nil)
	m.defineStart(void, []byte{0x03, 0x40, 0x0c, 0x00, 0x0b})
	return m.encode()
}

// MissingImport imports a host function nobody provides.
func MissingImport() []byte {
	return Calls("env", "missing")
}

// Calls imports mod.name as a function taking and returning nothing and
// calls it once.
func Calls(mod, name string) []byte {
	m := newModule()
	void := m.addType(nil, nil)
	fn := m.importFunc(mod, name, void)
	m.defineStart(void, call(fn))
	return m.encode()
}

// Instrumented drives every observe host function in one run:
//
//	span-enter "outer", span-tags "k:v", log(info, "hello")
//	  enter(_start), metric(statsd, "hits:1|c"), memory-grow(2), exit(_start)
//	span-exit
//	log(warn) and span-enter with an out-of-bounds string, span-exit
func Instrumented() []byte {
	m := newModule()
	void := m.addType(nil, nil)
	strArg := m.addType([]byte{i32, i32}, nil)
	three := m.addType([]byte{i32, i32, i32}, nil)
	one := m.addType([]byte{i32}, nil)

	enter := m.importFunc(observeModule, "span-enter", strArg)
	exit := m.importFunc(observeModule, "span-exit", void)
	tags := m.importFunc(observeModule, "span-tags", strArg)
	logFn := m.importFunc(observeModule, "log", three)
	metric := m.importFunc(observeModule, "metric", three)
	fnEnter := m.importFunc(instrumentModule, "enter", one)
	fnExit := m.importFunc(instrumentModule, "exit", one)
	grow := m.importFunc(instrumentModule, "memory-grow", one)
	self := int32(len(m.imports))

	m.data(1024, "outer")
	m.data(1040, "k:v")
	m.data(1056, "hello")
	m.data(1072, "hits:1|c")

	oob := int32(OutOfBounds - 1<<32)
	var code []byte
	code = append(code, callWith(enter, 1024, 5)...)
	code = append(code, callWith(tags, 1040, 3)...)
	code = append(code, callWith(logFn, 3, 1056, 5)...)
	code = append(code, callWith(fnEnter, self)...)
	code = append(code, callWith(metric, 1, 1072, 8)...)
	code = append(code, callWith(grow, 2)...)
	code = append(code, callWith(fnExit, self)...)
	code = append(code, call(exit)...)
	code = append(code, callWith(logFn, 2, oob, 10)...)
	code = append(code, callWith(enter, oob, 10)...)
	code = append(code, call(exit)...)
	m.defineStart(void, code)
	return m.encode()
}

// Versioned is Hello with wasm-instr version globals exported.
func Versioned(major, minor int32) []byte {
	m := newModule()
	rw := m.addType([]byte{i32, i32, i32, i32}, []byte{i32})
	void := m.addType(nil, nil)
	fdWrite := m.importFunc(wasiModule, "fd_write", rw)
	m.data(32, "hello\n")
	m.exportGlobal("wasm_instr_version_major", major)
	m.exportGlobal("wasm_instr_version_minor", minor)

	var code []byte
	code = append(code, store(0, 32)...)
	code = append(code, store(4, 6)...)
	code = append(code, callWith(fdWrite, 1, 0, 1, 8)...)
	code = append(code, 0x1a)
	m.defineStart(void, code)
	return m.encode()
}

// WithCustomSection returns a copy of wasm with a custom section appended.
// Runtimes ignore its contents, so it can carry arbitrary trailing bytes.
func WithCustomSection(wasm []byte, sectionName string, data []byte) []byte {
	out := append([]byte(nil), wasm...)
	return append(out, section(0, append(name(sectionName), data...))...)
}

// echoLoop emits a read/write loop. On EOF it returns from the function when
// exitDepth is negative, otherwise it branches to the enclosing label at
// exitDepth (counted from inside the EOF check).
func echoLoop(fdRead, fdWrite uint32, exitDepth int) []byte {
	var code []byte
	code = append(code, 0x03, 0x40) // loop
	// iovec{buf: 16, len: 1024} at 0, nread cleared at 8
	code = append(code, store(0, 16)...)
	code = append(code, store(4, 1024)...)
	code = append(code, store(8, 0)...)
	code = append(code, i32Const(0)...)
	code = append(code, i32Const(0)...)
	code = append(code, i32Const(1)...)
	code = append(code, i32Const(8)...)
	code = append(code, call(fdRead)...)
	code = append(code, 0x1a) // drop errno
	code = append(code, load(8)...)
	code = append(code, 0x45)       // i32.eqz
	code = append(code, 0x04, 0x40) // if
	if exitDepth < 0 {
		code = append(code, 0x0f) // return
	} else {
		code = append(code, 0x0c)
		code = append(code, uleb(uint32(exitDepth))...)
	}
	code = append(code, 0x0b) // end if
	// iovec.len = nread
	code = append(code, i32Const(4)...)
	code = append(code, load(8)...)
	code = append(code, 0x36, 0x02, 0x00)
	code = append(code, i32Const(1)...)
	code = append(code, i32Const(0)...)
	code = append(code, i32Const(1)...)
	code = append(code, i32Const(12)...)
	code = append(code, call(fdWrite)...)
	code = append(code, 0x1a)
	code = append(code, 0x0c, 0x00) // br loop
	code = append(code, 0x0b)       // end loop
	return code
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type dataSegment struct {
	offset int32
	bytes  []byte
}

type globalExport struct {
	name  string
	value int32
}

type module struct {
	types    [][]byte
	imports  []importEntry
	start    []byte
	startTy  uint32
	segments []dataSegment
	globals  []globalExport
}

func newModule() *module { return &module{} }

func (m *module) addType(params, results []byte) uint32 {
	t := []byte{funcRef}
	t = append(t, uleb(uint32(len(params)))...)
	t = append(t, params...)
	t = append(t, uleb(uint32(len(results)))...)
	t = append(t, results...)
	m.types = append(m.types, t)
	return uint32(len(m.types) - 1)
}

func (m *module) importFunc(mod, name string, typeIdx uint32) uint32 {
	m.imports = append(m.imports, importEntry{module: mod, name: name, typeIdx: typeIdx})
	return uint32(len(m.imports) - 1)
}

func (m *module) defineStart(typeIdx uint32, code []byte) {
	m.startTy = typeIdx
	m.start = code
}

func (m *module) data(offset int32, s string) {
	m.segments = append(m.segments, dataSegment{offset: offset, bytes: []byte(s)})
}

func (m *module) exportGlobal(name string, value int32) {
	m.globals = append(m.globals, globalExport{name: name, value: value})
}

func (m *module) encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	out = append(out, section(1, vec(m.types))...)

	if len(m.imports) > 0 {
		entries := make([][]byte, 0, len(m.imports))
		for _, imp := range m.imports {
			e := name(imp.module)
			e = append(e, name(imp.name)...)
			e = append(e, kindFunc)
			e = append(e, uleb(imp.typeIdx)...)
			entries = append(entries, e)
		}
		out = append(out, section(2, vec(entries))...)
	}

	out = append(out, section(3, vec([][]byte{uleb(m.startTy)}))...)
	out = append(out, section(5, vec([][]byte{{0x00, 0x01}}))...)

	if len(m.globals) > 0 {
		globals := make([][]byte, 0, len(m.globals))
		for _, g := range m.globals {
			e := []byte{i32, 0x00}
			e = append(e, i32Const(g.value)...)
			globals = append(globals, append(e, 0x0b))
		}
		out = append(out, section(6, vec(globals))...)
	}

	startIdx := uint32(len(m.imports))
	exports := [][]byte{
		append(name("memory"), kindMemory, 0x00),
		append(name("_start"), append([]byte{kindFunc}, uleb(startIdx)...)...),
	}
	for i, g := range m.globals {
		exports = append(exports, append(name(g.name), append([]byte{kindGlobal}, uleb(uint32(i))...)...))
	}
	out = append(out, section(7, vec(exports))...)

	body := []byte{0x00} // no locals
	body = append(body, m.start...)
	body = append(body, 0x0b)
	fn := append(uleb(uint32(len(body))), body...)
	out = append(out, section(10, vec([][]byte{fn}))...)

	if len(m.segments) > 0 {
		segs := make([][]byte, 0, len(m.segments))
		for _, d := range m.segments {
			s := []byte{0x00}
			s = append(s, i32Const(d.offset)...)
			s = append(s, 0x0b)
			s = append(s, uleb(uint32(len(d.bytes)))...)
			s = append(s, d.bytes...)
			segs = append(segs, s)
		}
		out = append(out, section(11, vec(segs))...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func i32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(v)...)
}

func call(idx uint32) []byte {
	return append([]byte{0x10}, uleb(idx)...)
}

// callWith pushes args as i32 constants and calls idx.
func callWith(idx uint32, args ...int32) []byte {
	var code []byte
	for _, a := range args {
		code = append(code, i32Const(a)...)
	}
	return append(code, call(idx)...)
}

func store(addr, value int32) []byte {
	code := i32Const(addr)
	code = append(code, i32Const(value)...)
	return append(code, 0x36, 0x02, 0x00)
}

func load(addr int32) []byte {
	return append(i32Const(addr), 0x28, 0x02, 0x00)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
