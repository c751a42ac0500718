package link

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/tracelift/opt"
	"github.com/pkg/errors"
)

// Link links src into dst. The data layout and target triple of src are
// overwritten with those of dst before linking; the modules may only share
// pointers to opaque handle types.
//
// Function declarations resolve to definitions of the same name in either
// module, and opaque named types are completed by definitions of the other
// module. Two external definitions of the same name is an error; local
// definitions are renamed on conflict. src is empty after linking.
func Link(dst, src *ir.Module) error {
	src.DataLayout = dst.DataLayout
	src.TargetTriple = dst.TargetTriple
	// Named types.
	defs := make(map[string]int)
	for i, def := range dst.TypeDefs {
		defs[def.Name()] = i
	}
	for _, t := range src.TypeDefs {
		i, ok := defs[t.Name()]
		if !ok {
			dst.TypeDefs = append(dst.TypeDefs, t)
			defs[t.Name()] = len(dst.TypeDefs) - 1
			continue
		}
		completeType(dst.TypeDefs[i], t)
	}
	// Global variables.
	globals := make(map[string]*ir.Global)
	for _, g := range dst.Globals {
		globals[g.Name()] = g
	}
	for _, g := range src.Globals {
		if prev, ok := globals[g.Name()]; ok {
			if !isLocal(g.Linkage) && !isLocal(prev.Linkage) {
				return errors.Errorf("unable to link global %q; defined in both modules", g.Name())
			}
			g.SetName(uniqueName(g.Name(), func(name string) bool {
				_, ok := globals[name]
				return ok
			}))
		}
		globals[g.Name()] = g
		dst.Globals = append(dst.Globals, g)
	}
	// Functions.
	index := funcIndex(dst)
	repl := make(map[*ir.Func]*ir.Func)
	var added []*ir.Func
	for _, f := range src.Funcs {
		prev, ok := index[f.Name()]
		if !ok {
			index[f.Name()] = f
			added = append(added, f)
			continue
		}
		fDef, prevDef := len(f.Blocks) > 0, len(prev.Blocks) > 0
		switch {
		case fDef && prevDef:
			if !isLocal(f.Linkage) && !isLocal(prev.Linkage) {
				return errors.Errorf("unable to link function %q; defined in both modules", f.Name())
			}
			used := func(name string) bool {
				_, ok := index[name]
				return ok
			}
			// Rename the local definition.
			if isLocal(f.Linkage) {
				f.SetName(uniqueName(f.Name(), used))
			} else {
				prev.SetName(uniqueName(prev.Name(), used))
				index[prev.Name()] = prev
			}
			index[f.Name()] = f
			added = append(added, f)
		case fDef:
			// Definition of src resolves declaration of dst.
			repl[prev] = f
			index[f.Name()] = f
			added = append(added, f)
			dst.Funcs = removeFunc(dst.Funcs, prev)
		default:
			// Declaration of src resolves to function of dst.
			repl[f] = prev
		}
	}
	for _, f := range added {
		f.Parent = dst
		dst.Funcs = append(dst.Funcs, f)
	}
	for _, f := range dst.Funcs {
		replaceFuncs(f, repl)
	}
	src.Funcs = nil
	src.Globals = nil
	src.TypeDefs = nil
	dbg.Printf("linked %d functions into module %q", len(added), dst.SourceFilename)
	return nil
}

// replaceFuncs replaces the function operands of f according to repl.
func replaceFuncs(f *ir.Func, repl map[*ir.Func]*ir.Func) {
	if len(repl) == 0 {
		return
	}
	replace := func(ops []*value.Value) {
		for _, op := range ops {
			if g, ok := (*op).(*ir.Func); ok {
				if r, ok := repl[g]; ok {
					*op = r
				}
			}
		}
	}
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			replace(opt.Operands(inst))
		}
		if block.Term != nil {
			replace(opt.Operands(block.Term))
		}
	}
}

// isLocal reports whether the given linkage hides a symbol from other modules.
func isLocal(linkage enum.Linkage) bool {
	return linkage == enum.LinkageInternal || linkage == enum.LinkagePrivate
}

// uniqueName returns a variant of name not in use.
func uniqueName(name string, used func(name string) bool) string {
	for i := 1; ; i++ {
		s := fmt.Sprintf("%s.%d", name, i)
		if !used(s) {
			return s
		}
	}
}
