package opt

import (
	"io/ioutil"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

func init() {
	SetDebugOutput(ioutil.Discard)
	warn.SetOutput(ioutil.Discard)
}

// countCalls returns the number of calls to callee in f.
func countCalls(f, callee *ir.Func) int {
	n := 0
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			if call, ok := inst.(*ir.InstCall); ok && call.Callee == callee {
				n++
			}
		}
	}
	return n
}

func TestOptimizeInline(t *testing.T) {
	m := ir.NewModule()
	m.SourceFilename = "test"
	// define i32 @inc(i32 %x) alwaysinline { %1 = add i32 %x, 1; ret i32 %1 }
	inc := m.NewFunc("inc", types.I32, ir.NewParam("x", types.I32))
	inc.FuncAttrs = append(inc.FuncAttrs, enum.FuncAttrAlwaysInline)
	entry := inc.NewBlock("")
	entry.NewRet(entry.NewAdd(inc.Params[0], constant.NewInt(types.I32, 1)))
	// declare i8 @undef() readnone
	undef := m.NewFunc("undef", types.I8)
	undef.FuncAttrs = append(undef.FuncAttrs, enum.FuncAttrReadNone)
	// define i32 @f(i32 %y) { ... }
	f := m.NewFunc("f", types.I32, ir.NewParam("y", types.I32))
	body := f.NewBlock("")
	body.NewCall(undef)
	v := body.NewCall(inc, f.Params[0])
	w := body.NewCall(inc, v)
	body.NewRet(w)

	g := Guide{VerifyInput: true, SLPVectorize: true}
	if err := Optimize(m, []*ir.Func{f}, g); err != nil {
		t.Fatalf("Optimize: %+v", err)
	}
	if n := countCalls(f, inc); n != 0 {
		t.Errorf("%d calls to alwaysinline function remain", n)
	}
	if n := countCalls(f, undef); n != 0 {
		t.Errorf("%d unused calls to readnone function remain", n)
	}
	if got, want := len(body.Insts), 2; got != want {
		t.Errorf("len(body.Insts) = %d, want %d", got, want)
	}
	ret := body.Term.(*ir.TermRet)
	add, ok := ret.X.(*ir.InstAdd)
	if !ok {
		t.Fatalf("return value %T, want *ir.InstAdd", ret.X)
	}
	if _, ok := add.X.(*ir.InstAdd); !ok {
		t.Errorf("inlined add operand %T, want *ir.InstAdd", add.X)
	}
	// The inlined function is outside of scope and left intact.
	if len(inc.Blocks[0].Insts) != 1 {
		t.Error("function outside of scope modified")
	}
	uses := Uses(m)
	if uses[inc] != 0 {
		t.Errorf("Uses(inc) = %d, want 0", uses[inc])
	}
}

func TestOptimizeDeadStores(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("f", types.Void,
		ir.NewParam("p", types.NewPointer(types.I32)),
		ir.NewParam("q", types.NewPointer(types.I32)),
	)
	block := f.NewBlock("")
	p, q := f.Params[0], f.Params[1]
	block.NewStore(constant.NewInt(types.I32, 1), p)
	block.NewStore(constant.NewInt(types.I32, 2), p)
	block.NewStore(block.NewLoad(types.I32, p), q)
	block.NewStore(constant.NewInt(types.I32, 3), p)
	block.NewRet(nil)
	tests := []struct {
		name       string
		dse        bool
		wantStores int
	}{
		{name: "disabled", dse: false, wantStores: 4},
		{name: "enabled", dse: true, wantStores: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Optimize(m, []*ir.Func{f}, Guide{EliminateDeadStores: tt.dse}); err != nil {
				t.Fatalf("Optimize: %+v", err)
			}
			stores := 0
			for _, inst := range block.Insts {
				if _, ok := inst.(*ir.InstStore); ok {
					stores++
				}
			}
			if stores != tt.wantStores {
				t.Errorf("%d stores, want %d", stores, tt.wantStores)
			}
		})
	}
}

// storedValues returns the constant integers stored by f, in order.
func storedValues(f *ir.Func) []int64 {
	var vals []int64
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			store, ok := inst.(*ir.InstStore)
			if !ok {
				continue
			}
			if c, ok := store.Src.(*constant.Int); ok {
				vals = append(vals, c.X.Int64())
			}
		}
	}
	return vals
}

func TestOptimizeDeadStoresAcrossBlocks(t *testing.T) {
	m := ir.NewModule()
	st := types.NewStruct(types.I32, types.I32)
	sideEffect := m.NewFunc("side_effect", types.Void)
	f := m.NewFunc("f", types.Void,
		ir.NewParam("s", types.NewPointer(st)),
		ir.NewParam("c", types.I1),
	)
	s := f.Params[0]
	zero := constant.NewInt(types.I32, 0)
	field := func(block *ir.Block, i int64) *ir.InstGetElementPtr {
		return block.NewGetElementPtr(st, s, zero, constant.NewInt(types.I32, i))
	}
	i32 := func(x int64) *constant.Int {
		return constant.NewInt(types.I32, x)
	}
	entry := f.NewBlock("entry")
	next := f.NewBlock("next")
	last := f.NewBlock("last")
	left := f.NewBlock("left")
	join := f.NewBlock("join")

	// entry and next form straight-line code; field 0 is overwritten after a
	// load of field 1.
	mem := entry.NewAlloca(types.I32)
	entry.NewStore(i32(1), field(entry, 0))
	entry.NewStore(i32(10), mem)
	entry.NewBr(next)
	next.NewLoad(types.I32, field(next, 1))
	next.NewStore(i32(2), field(next, 0))
	next.NewStore(i32(3), field(next, 1))
	// The call may read fields 0 and 1 but not the local.
	next.NewCall(sideEffect)
	next.NewStore(i32(4), field(next, 1))
	next.NewStore(i32(11), mem)
	next.NewBr(last)
	// last has two successors, and join two predecessors.
	last.NewStore(i32(5), field(last, 0))
	last.NewCondBr(f.Params[1], left, join)
	left.NewBr(join)
	join.NewStore(i32(6), field(join, 0))
	join.NewRet(nil)

	if err := Optimize(m, []*ir.Func{f}, Guide{EliminateDeadStores: true}); err != nil {
		t.Fatalf("Optimize: %+v", err)
	}
	want := []int64{2, 3, 4, 11, 5, 6}
	if diff := cmp.Diff(want, storedValues(f)); diff != "" {
		t.Errorf("stored values mismatch (-want +got):\n%s", diff)
	}
}

func TestVerify(t *testing.T) {
	m := ir.NewModule()
	other := ir.NewModule()
	callee := other.NewFunc("callee", types.Void)
	f := m.NewFunc("f", types.Void)
	block := f.NewBlock("")
	block.NewCall(callee)
	block.NewRet(nil)
	if err := Optimize(m, []*ir.Func{f}, Guide{VerifyInput: true}); err == nil {
		t.Error("Optimize: expected error for callee of another module")
	}
	g := m.NewFunc("g", types.Void)
	g.NewBlock("")
	if err := Verify(m, []*ir.Func{g}); err == nil {
		t.Error("Verify: expected error for unterminated basic block")
	}
	if err := Optimize(other, []*ir.Func{f}, Guide{}); err == nil {
		t.Error("Optimize: expected error for function of another module")
	}
}
