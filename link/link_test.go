package link

import (
	"io/ioutil"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/dispatch"
	"github.com/mewmew/tracelift/opt"
	"github.com/mewmew/tracelift/trace"
)

func init() {
	SetDebugOutput(ioutil.Discard)
	warn.SetOutput(ioutil.Discard)
	opt.SetDebugOutput(ioutil.Discard)
	dispatch.SetDebugOutput(ioutil.Discard)
}

func TestMoveFunc(t *testing.T) {
	src := arch.X86.NewModule("src")
	ts := arch.X86.DefineTypes(src)
	g := src.NewFunc("g", ts.MemoryPtr, ir.NewParam("memory", ts.MemoryPtr))
	g.FuncAttrs = append(g.FuncAttrs, enum.FuncAttrReadNone)
	f := src.NewFunc("f", ts.MemoryPtr, ir.NewParam("memory", ts.MemoryPtr))
	entry := f.NewBlock("")
	entry.NewRet(entry.NewCall(g, f.Params[0]))

	dst := ir.NewModule()
	dst.SourceFilename = "dst"
	if err := MoveFunc(f, dst); err != nil {
		t.Fatalf("MoveFunc: %+v", err)
	}
	if f.Parent != dst {
		t.Error("moved function not owned by destination module")
	}
	for _, h := range src.Funcs {
		if h == f {
			t.Error("source module still refers to moved function")
		}
	}
	index := funcIndex(dst)
	decl, ok := index["g"]
	if !ok {
		t.Fatal("callee not declared in destination module")
	}
	if decl == g || len(decl.Blocks) != 0 {
		t.Error("callee not redeclared in destination module")
	}
	if !hasAttr(decl, enum.FuncAttrReadNone) {
		t.Error("function attributes of callee not carried over")
	}
	call := entry.Insts[0].(*ir.InstCall)
	if call.Callee != decl {
		t.Errorf("moved function calls %v, want declaration in destination module", call.Callee.Ident())
	}
	var names []string
	for _, def := range dst.TypeDefs {
		names = append(names, def.Name())
	}
	if diff := cmp.Diff([]string{arch.MemoryName}, names); diff != "" {
		t.Errorf("type definitions mismatch (-want +got):\n%s", diff)
	}
}

func TestMoveFuncResolvesDeclaration(t *testing.T) {
	src := ir.NewModule()
	a := src.NewFunc("a", types.Void)
	b := src.NewFunc("b", types.Void)
	a.NewBlock("").NewRet(nil)
	body := b.NewBlock("")
	body.NewCall(a)
	body.NewRet(nil)
	dst := ir.NewModule()
	// b is moved first, declaring a in dst.
	for _, f := range []*ir.Func{b, a} {
		if err := MoveFunc(f, dst); err != nil {
			t.Fatalf("MoveFunc(%s): %+v", f.Name(), err)
		}
	}
	if got, want := len(dst.Funcs), 2; got != want {
		t.Fatalf("len(dst.Funcs) = %d, want %d", got, want)
	}
	if callee := body.Insts[0].(*ir.InstCall).Callee; callee != a {
		t.Errorf("call resolved to %v, want definition of a", callee.Ident())
	}
	if len(src.Funcs) != 0 {
		t.Errorf("len(src.Funcs) = %d, want 0", len(src.Funcs))
	}
}

func TestLink(t *testing.T) {
	dst := ir.NewModule()
	dst.DataLayout = "e-m:e-i64:64"
	dst.TargetTriple = "x86_64-unknown-linux-gnu"
	fooDecl := dst.NewFunc("foo", types.I32)
	bar := dst.NewFunc("bar", types.I32)
	bar.NewBlock("").NewRet(constant.NewInt(types.I32, 1))
	user := dst.NewFunc("user", types.I32)
	userBody := user.NewBlock("")
	userBody.NewRet(userBody.NewCall(fooDecl))

	src := ir.NewModule()
	src.DataLayout = "e-p:32:32"
	src.TargetTriple = "i386-unknown-linux-gnu"
	barDecl := src.NewFunc("bar", types.I32)
	foo := src.NewFunc("foo", types.I32)
	fooBody := foo.NewBlock("")
	fooBody.NewRet(fooBody.NewCall(barDecl))

	if err := Link(dst, src); err != nil {
		t.Fatalf("Link: %+v", err)
	}
	if src.DataLayout != dst.DataLayout || src.TargetTriple != dst.TargetTriple {
		t.Error("target descriptors of linked module not overwritten")
	}
	var names []string
	for _, f := range dst.Funcs {
		names = append(names, f.Name())
	}
	if diff := cmp.Diff([]string{"bar", "user", "foo"}, names); diff != "" {
		t.Errorf("functions mismatch (-want +got):\n%s", diff)
	}
	if callee := userBody.Insts[0].(*ir.InstCall).Callee; callee != foo {
		t.Errorf("declaration of foo resolved to %v", callee.Ident())
	}
	if callee := fooBody.Insts[0].(*ir.InstCall).Callee; callee != bar {
		t.Errorf("declaration of bar resolved to %v", callee.Ident())
	}
	if foo.Parent != dst {
		t.Error("linked function not owned by destination module")
	}
}

func TestLinkConflict(t *testing.T) {
	dst := ir.NewModule()
	dst.NewFunc("f", types.Void).NewBlock("").NewRet(nil)
	src := ir.NewModule()
	src.NewFunc("f", types.Void).NewBlock("").NewRet(nil)
	if err := Link(dst, src); err == nil {
		t.Error("Link: expected error for conflicting definitions")
	}
	// Local definitions are renamed.
	dst = ir.NewModule()
	dst.NewFunc("g", types.Void).NewBlock("").NewRet(nil)
	src = ir.NewModule()
	g := src.NewFunc("g", types.Void)
	g.Linkage = enum.LinkageInternal
	g.NewBlock("").NewRet(nil)
	if err := Link(dst, src); err != nil {
		t.Fatalf("Link: %+v", err)
	}
	if got, want := g.Name(), "g.1"; got != want {
		t.Errorf("renamed local function = %q, want %q", got, want)
	}
}

// newTestSemantics returns a semantics module with a lifted trace at 0x1000 and
// the dispatcher. The trace calls undefined_8, and uses the result if used is
// set.
func newTestSemantics(t *testing.T, used bool) (*ir.Module, []*ir.Func) {
	sem := arch.X86.NewModule("semantics")
	reg := trace.NewRegistry(sem, arch.X86, nil)
	ts := arch.X86.DefineTypes(sem)
	in := abi.Declare(sem, ts, abi.DefaultPrefix)
	f := reg.Declare(0x1000)
	block := f.NewBlock("")
	undef := block.NewCall(in.Func(abi.Undefined(8)))
	if used {
		zero := constant.NewInt(types.I32, 0)
		cf := block.NewGetElementPtr(ts.State, f.Params[0], zero, constant.NewInt(types.I32, arch.CF))
		block.NewStore(undef, cf)
	}
	ret := block.NewCall(in.Func(abi.FunctionReturn), f.Params[0], f.Params[1], f.Params[2])
	block.NewRet(ret)
	if err := reg.Define(0x1000, f); err != nil {
		t.Fatalf("Define: %+v", err)
	}
	d, err := dispatch.Synthesize(sem, arch.X86, reg.Defined(), dispatch.Config{
		Name:  abi.DefaultSymbols().Dispatch,
		Error: in.Func(abi.Error),
	})
	if err != nil {
		t.Fatalf("Synthesize: %+v", err)
	}
	return sem, []*ir.Func{f, d}
}

// newTestIntrinsics returns the default intrinsics module without the given
// intrinsics.
func newTestIntrinsics(omit ...string) *ir.Module {
	m := abi.NewModule(arch.X86, abi.HostTarget(), abi.DefaultSymbols(), abi.DefaultPrefix)
	for _, name := range omit {
		m.Funcs = removeFunc(m.Funcs, funcIndex(m)[abi.DefaultPrefix+name])
	}
	return m
}

func TestAssemble(t *testing.T) {
	tests := []struct {
		name        string
		used        bool
		prune       bool
		wantMissing []string
		wantFuncs   []string
		absentFuncs []string
	}{
		{
			name:        "missing intrinsic without uses",
			prune:       true,
			wantFuncs:   []string{"lifted_1000", "tracelift_dispatch", "tracelift_error"},
			absentFuncs: []string{"__remill_undefined_8", "__remill_function_return"},
		},
		{
			name:        "missing intrinsic with uses",
			used:        true,
			prune:       true,
			wantMissing: []string{"__remill_undefined_8"},
			wantFuncs:   []string{"lifted_1000", "tracelift_dispatch", "__remill_undefined_8"},
		},
		{
			name:      "pruning disabled",
			wantFuncs: []string{"lifted_1000", "__remill_function_return", "__remill_read_memory_32"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sem, lifted := newTestSemantics(t, tt.used)
			a := &Assembler{
				Arch:   arch.X86,
				Prefix: abi.DefaultPrefix,
				Prune:  tt.prune,
				Guide:  opt.Guide{LoopVectorize: true},
			}
			m, err := a.Assemble(sem, lifted, newTestIntrinsics(abi.Undefined(8)))
			if m == nil {
				t.Fatalf("Assemble: %+v", err)
			}
			var gotMissing []string
			if err != nil {
				merr, ok := err.(*MissingIntrinsicsError)
				if !ok {
					t.Fatalf("Assemble: %+v", err)
				}
				gotMissing = merr.Names
			}
			if diff := cmp.Diff(tt.wantMissing, gotMissing); diff != "" {
				t.Errorf("missing intrinsics mismatch (-want +got):\n%s", diff)
			}
			index := funcIndex(m)
			for _, name := range tt.wantFuncs {
				if _, ok := index[name]; !ok {
					t.Errorf("function %q not present in final module", name)
				}
			}
			for _, name := range tt.absentFuncs {
				if _, ok := index[name]; ok {
					t.Errorf("function %q unexpectedly present in final module", name)
				}
			}
			for _, f := range m.Funcs {
				if !hasAttr(f, enum.FuncAttrUwtable) {
					t.Errorf("function %q missing uwtable attribute", f.Name())
				}
			}
			if m.DataLayout != abi.HostTarget().DataLayout {
				t.Errorf("data layout = %q, want host data layout", m.DataLayout)
			}
			for _, f := range sem.Funcs {
				if f == lifted[0] || f == lifted[1] {
					t.Errorf("semantics module still refers to %q", f.Name())
				}
			}
			if lifted[0].Linkage != enum.LinkageInternal {
				t.Error("lifted trace not internal")
			}
			table, err := dispatch.Cases(index["tracelift_dispatch"])
			if err != nil {
				t.Fatalf("Cases: %+v", err)
			}
			if diff := cmp.Diff(map[bin.Addr]string{0x1000: "lifted_1000"}, tableNames(table)); diff != "" {
				t.Errorf("dispatch table mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// tableNames returns the symbol names of the given dispatch table.
func tableNames(table map[bin.Addr]*ir.Func) map[bin.Addr]string {
	names := make(map[bin.Addr]string)
	for addr, f := range table {
		names[addr] = f.Name()
	}
	return names
}
