package sandbox

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostFunction is a single host export. Func must be a signature accepted by
// wazero.HostFunctionBuilder.WithFunc.
type HostFunction struct {
	Name string
	Func any
}

// HostModule is one named group of host functions a guest may import.
//
// A module either lists its Functions, which lets several sources share a
// module name as long as the function names are disjoint, or provides an
// Export callback, which claims the whole module name.
type HostModule struct {
	Name      string
	Functions []HostFunction
	Export    func(wazero.HostModuleBuilder)
}

// WASI returns the wasi_snapshot_preview1 host module.
func WASI() HostModule {
	return HostModule{
		Name: wasi_snapshot_preview1.ModuleName,
		Export: func(b wazero.HostModuleBuilder) {
			wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(b)
		},
	}
}

// Imports composes host modules from independent sources into one import
// set, rejecting any overlap.
type Imports struct {
	modules []HostModule
}

func NewImports() *Imports {
	return &Imports{}
}

// Add appends fragments. Collisions are reported by Build.
func (b *Imports) Add(mods ...HostModule) *Imports {
	b.modules = append(b.modules, mods...)
	return b
}

// Build validates the fragments and produces the final import set.
func (b *Imports) Build() (*ImportSet, error) {
	merged := make(map[string]*linkedModule)
	var order []string

	for _, m := range b.modules {
		if m.Name == "" {
			return nil, fmt.Errorf("%w: host module without a name", ErrImportCollision)
		}
		lm, exists := merged[m.Name]
		if !exists {
			lm = &linkedModule{name: m.Name, funcs: make(map[string]any)}
			merged[m.Name] = lm
			order = append(order, m.Name)
		}

		if m.Export != nil {
			if exists {
				return nil, fmt.Errorf("%w: module %q claimed by more than one source", ErrImportCollision, m.Name)
			}
			lm.export = m.Export
			continue
		}
		if lm.export != nil {
			return nil, fmt.Errorf("%w: module %q claimed by more than one source", ErrImportCollision, m.Name)
		}

		for _, fn := range m.Functions {
			if _, dup := lm.funcs[fn.Name]; dup {
				return nil, fmt.Errorf("%w: %s.%s defined twice", ErrImportCollision, m.Name, fn.Name)
			}
			lm.funcs[fn.Name] = fn.Func
		}
	}

	set := &ImportSet{modules: make([]*linkedModule, 0, len(order))}
	for _, name := range order {
		set.modules = append(set.modules, merged[name])
	}
	return set, nil
}

// ImportSet is a validated, collision-free table of host modules.
type ImportSet struct {
	modules []*linkedModule
}

type linkedModule struct {
	name   string
	export func(wazero.HostModuleBuilder)
	funcs  map[string]any
}

// Modules lists the host module names in the order they were added.
func (s *ImportSet) Modules() []string {
	names := make([]string, 0, len(s.modules))
	for _, m := range s.modules {
		names = append(names, m.name)
	}
	return names
}

// link instantiates every host module into rt.
func (s *ImportSet) link(ctx context.Context, rt wazero.Runtime) error {
	for _, m := range s.modules {
		b := rt.NewHostModuleBuilder(m.name)
		if m.export != nil {
			m.export(b)
		} else {
			names := make([]string, 0, len(m.funcs))
			for name := range m.funcs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				b.NewFunctionBuilder().WithFunc(m.funcs[name]).Export(name)
			}
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return &LinkError{Module: m.name, Err: err}
		}
	}
	return nil
}
