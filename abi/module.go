package abi

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/tracelift/arch"
)

// Target describes the host the intrinsics module is compiled for.
type Target struct {
	// Target triple and data layout of the host.
	Triple     string
	DataLayout string
	// Pointer size of the host in number of bits.
	PtrSize int
}

// HostTarget returns the default host target; 64-bit x86 Linux.
func HostTarget() Target {
	return Target{
		Triple:     "x86_64-unknown-linux-gnu",
		DataLayout: "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
		PtrSize:    64,
	}
}

// NewModule returns the default intrinsics module for lifted code of the given
// architecture; every intrinsic is defined, and host symbols are declared.
func NewModule(a *arch.Arch, target Target, syms Symbols, prefix string) *ir.Module {
	m := ir.NewModule()
	m.SourceFilename = "intrinsics"
	m.TargetTriple = target.Triple
	m.DataLayout = target.DataLayout
	// State and Memory are opaque to the runtime; they are only passed by
	// reference.
	state := &types.StructType{Opaque: true}
	m.NewTypeDef(arch.StateName, state)
	mem := &types.StructType{Opaque: true}
	m.NewTypeDef(arch.MemoryName, mem)
	ts := &arch.Types{
		State:     state,
		Memory:    mem,
		StatePtr:  types.NewPointer(state),
		MemoryPtr: types.NewPointer(mem),
		PC:        a.PCType(),
	}
	ts.Lifted = types.NewFunc(ts.MemoryPtr, ts.StatePtr, ts.PC, ts.MemoryPtr)
	g := &gen{
		m:      m,
		ts:     ts,
		intPtr: types.NewInt(uint64(target.PtrSize)),
		hosts:  make(map[string]*ir.Func),
	}
	g.abort = m.NewFunc(syms.Abort, types.Void, ir.NewParam("reason", types.NewPointer(types.I8)))
	g.abort.FuncAttrs = append(g.abort.FuncAttrs, enum.FuncAttrNoReturn)
	for _, name := range []string{syms.Dispatch, syms.Error, syms.AsyncHyperCall, syms.SyncHyperCall} {
		if _, ok := g.hosts[name]; ok {
			continue
		}
		g.hosts[name] = m.NewFunc(name, ts.MemoryPtr, controlParams(ts)...)
	}
	for _, intr := range intrinsics {
		ret, params := signature(intr, ts)
		f := m.NewFunc(prefix+intr.Name, ret, params...)
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrAlwaysInline)
		g.define(f, intr, prefix, syms)
	}
	return m
}

// gen is a generator of intrinsic bodies.
type gen struct {
	m  *ir.Module
	ts *arch.Types
	// Integer type of host pointers.
	intPtr *types.IntType
	// Abort trampoline.
	abort *ir.Func
	// Maps from host symbol name to declaration.
	hosts map[string]*ir.Func
	// Number of diagnostic strings.
	nstrs int
}

// define defines the body of the intrinsic function f.
func (g *gen) define(f *ir.Func, intr Intrinsic, prefix string, syms Symbols) {
	entry := f.NewBlock("")
	if intr.Unsupported {
		entry.NewCall(g.abort, g.str(prefix+intr.Name+" is not implemented"))
		entry.NewUnreachable()
		return
	}
	switch intr.Kind {
	case KindRead:
		ptr := g.addr(entry, f.Params[0], f.Params[1], intr.Type)
		v := entry.NewLoad(intr.Type, ptr)
		entry.NewRet(v)
	case KindWrite:
		ptr := g.addr(entry, f.Params[0], f.Params[1], intr.Type)
		entry.NewStore(f.Params[2], ptr)
		entry.NewRet(f.Params[0])
	case KindAtomic:
		entry.NewRet(f.Params[0])
	case KindUndefined:
		entry.NewRet(constant.NewInt(intr.Type.(*types.IntType), 0))
	case KindControl:
		target := syms.Forward(intr.Name)
		if target == "" {
			entry.NewRet(f.Params[2])
			return
		}
		call := entry.NewCall(g.hosts[target], f.Params[0], f.Params[1], f.Params[2])
		call.Tail = enum.TailTail
		entry.NewRet(call)
	default:
		panic(fmt.Errorf("support for intrinsic %q of kind %d not yet implemented", intr.Name, intr.Kind))
	}
}

// addr returns a pointer to the value of type elemType at the given guest
// address; memory + zext(addr).
func (g *gen) addr(block *ir.Block, memory, addr value.Value, elemType types.Type) value.Value {
	base := block.NewPtrToInt(memory, g.intPtr)
	var off value.Value = addr
	if g.ts.PC.BitSize < g.intPtr.BitSize {
		off = block.NewZExt(addr, g.intPtr)
	}
	sum := block.NewAdd(base, off)
	return block.NewIntToPtr(sum, types.NewPointer(elemType))
}

// str returns a pointer to a NUL-terminated private string constant.
func (g *gen) str(s string) constant.Constant {
	arr := constant.NewCharArrayFromString(s + "\x00")
	glob := g.m.NewGlobalDef(fmt.Sprintf(".str.%d", g.nstrs), arr)
	g.nstrs++
	glob.Linkage = enum.LinkagePrivate
	glob.Immutable = true
	return constant.NewBitCast(glob, types.NewPointer(types.I8))
}

// controlParams returns the parameters of control transfer functions.
func controlParams(ts *arch.Types) []*ir.Param {
	return []*ir.Param{
		ir.NewParam("state", ts.StatePtr),
		ir.NewParam("pc", ts.PC),
		ir.NewParam("memory", ts.MemoryPtr),
	}
}
