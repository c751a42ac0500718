// Package link moves and links functions between LLVM IR modules, and
// assembles the final module of lifted code.
package link

import (
	"io"
	"log"
	"os"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/opt"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "link:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("link:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// MoveFunc moves f from its parent module to dst. The parent module no longer
// refers to f after the move. Functions called by f which are not present in
// dst are declared in dst, and named types used by f are defined in dst. A
// declaration in dst with the name of f is replaced by f.
func MoveFunc(f *ir.Func, dst *ir.Module) error {
	if f.Parent == dst {
		return nil
	}
	index := funcIndex(dst)
	if prev, ok := index[f.Name()]; ok {
		if len(prev.Blocks) > 0 {
			return errors.Errorf("unable to move function %q; already defined in module %q", f.Name(), dst.SourceFilename)
		}
		for _, g := range dst.Funcs {
			opt.ReplaceUses(g, prev, f)
		}
		dst.Funcs = removeFunc(dst.Funcs, prev)
		delete(index, prev.Name())
	}
	if src := f.Parent; src != nil {
		src.Funcs = removeFunc(src.Funcs, f)
	}
	// Resolve callees in dst.
	for _, callee := range referencedFuncs(f) {
		if callee == f || callee.Parent == dst {
			continue
		}
		decl, ok := index[callee.Name()]
		if !ok {
			decl = declare(dst, callee)
			index[decl.Name()] = decl
		}
		opt.ReplaceUses(f, callee, decl)
	}
	carryTypes(f, dst)
	f.Parent = dst
	dst.Funcs = append(dst.Funcs, f)
	dbg.Printf("moved %s to module %q", f.Name(), dst.SourceFilename)
	return nil
}

// declare declares a function in m with the name, signature and function
// attributes of f.
func declare(m *ir.Module, f *ir.Func) *ir.Func {
	var params []*ir.Param
	for _, p := range f.Params {
		params = append(params, ir.NewParam(p.Name(), p.Type()))
	}
	decl := m.NewFunc(f.Name(), f.Sig.RetType, params...)
	decl.Sig.Variadic = f.Sig.Variadic
	decl.FuncAttrs = append(decl.FuncAttrs, f.FuncAttrs...)
	return decl
}

// carryTypes defines the named types used by f in m. Opaque type definitions
// of m are completed by the definitions used by f.
func carryTypes(f *ir.Func, m *ir.Module) {
	var named []types.Type
	seen := make(map[types.Type]bool)
	collectTypes(f.Sig, seen, &named)
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			if v, ok := inst.(value.Value); ok {
				collectTypes(v.Type(), seen, &named)
			}
		}
	}
	defs := make(map[string]types.Type)
	for _, def := range m.TypeDefs {
		defs[def.Name()] = def
	}
	for _, t := range named {
		def, ok := defs[t.Name()]
		if !ok {
			m.TypeDefs = append(m.TypeDefs, t)
			defs[t.Name()] = t
			continue
		}
		completeType(def, t)
	}
}

// collectTypes appends the named types reachable from t to named.
func collectTypes(t types.Type, seen map[types.Type]bool, named *[]types.Type) {
	if t == nil || seen[t] {
		return
	}
	seen[t] = true
	if len(t.Name()) > 0 {
		*named = append(*named, t)
	}
	switch t := t.(type) {
	case *types.PointerType:
		collectTypes(t.ElemType, seen, named)
	case *types.FuncType:
		collectTypes(t.RetType, seen, named)
		for _, param := range t.Params {
			collectTypes(param, seen, named)
		}
	case *types.StructType:
		for _, field := range t.Fields {
			collectTypes(field, seen, named)
		}
	case *types.ArrayType:
		collectTypes(t.ElemType, seen, named)
	case *types.VectorType:
		collectTypes(t.ElemType, seen, named)
	}
}

// completeType completes the opaque structure type def with the fields of t.
func completeType(def, t types.Type) {
	d, ok := def.(*types.StructType)
	if !ok || !d.Opaque {
		return
	}
	s, ok := t.(*types.StructType)
	if !ok || s.Opaque {
		return
	}
	d.Opaque = false
	d.Packed = s.Packed
	d.Fields = append([]types.Type(nil), s.Fields...)
}

// ### [ Helper functions ] ####################################################

// funcIndex returns a map from function name to function of m.
func funcIndex(m *ir.Module) map[string]*ir.Func {
	index := make(map[string]*ir.Func)
	for _, f := range m.Funcs {
		index[f.Name()] = f
	}
	return index
}

// removeFunc returns funcs without f.
func removeFunc(funcs []*ir.Func, f *ir.Func) []*ir.Func {
	var fs []*ir.Func
	for _, g := range funcs {
		if g != f {
			fs = append(fs, g)
		}
	}
	return fs
}

// referencedFuncs returns the functions referenced by the instructions of f,
// in order of first reference.
func referencedFuncs(f *ir.Func) []*ir.Func {
	var funcs []*ir.Func
	seen := make(map[*ir.Func]bool)
	visit := func(ops []*value.Value) {
		for _, op := range ops {
			g, ok := (*op).(*ir.Func)
			if ok && !seen[g] {
				seen[g] = true
				funcs = append(funcs, g)
			}
		}
	}
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			visit(opt.Operands(inst))
		}
		if block.Term != nil {
			visit(opt.Operands(block.Term))
		}
	}
	return funcs
}
