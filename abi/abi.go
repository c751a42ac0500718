// Package abi defines the runtime contract of lifted code; the intrinsics every
// lifted trace calls through, the host symbols they resolve to, and a
// generator for the default module implementing them.
//
// Memory is flat and sandbox-free: a memory handle is a base pointer, and a
// sized access at address addr touches base + addr without bounds checks. The
// caller provides a valid mapped region. Atomic region markers are no-ops,
// as lifted code executes on exactly one thread. Operations which cannot be
// implemented faithfully (80-bit floating point access, FPU exception queries)
// abort with a diagnostic rather than return a fabricated value.
package abi

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/arch"
)

// DefaultPrefix is the reserved symbol prefix of intrinsics.
const DefaultPrefix = "__remill_"

// Kind is the kind of an intrinsic, which determines its signature.
type Kind uint8

// Intrinsic kinds.
const (
	// (Memory*, addr) -> T
	KindRead Kind = iota
	// (Memory*, addr, T) -> Memory*
	KindWrite
	// (Memory*) -> Memory*
	KindAtomic
	// () -> T
	KindUndefined
	// (State*, pc, Memory*) -> Memory*
	KindControl
	// (i32 read_mask, i32 clear_mask) -> i32
	KindFPU
)

// Intrinsic is a runtime operation lifted code assumes exists.
type Intrinsic struct {
	// Name without the reserved prefix.
	Name string
	// Kind of intrinsic.
	Kind Kind
	// Value type of memory accesses and undefined values.
	Type types.Type
	// Reports whether the intrinsic aborts instead of returning.
	Unsupported bool
}

// Names of intrinsics, without the reserved prefix.
const (
	FunctionCall             = "function_call"
	FunctionReturn           = "function_return"
	Jump                     = "jump"
	MissingBlock             = "missing_block"
	AsyncHyperCall           = "async_hyper_call"
	SyncHyperCall            = "sync_hyper_call"
	Error                    = "error"
	AtomicBegin              = "atomic_begin"
	AtomicEnd                = "atomic_end"
	FPUExceptionTestAndClear = "fpu_exception_test_and_clear"
)

// intrinsics is the set of intrinsics of lifted code.
var intrinsics = []Intrinsic{
	{Name: "read_memory_8", Kind: KindRead, Type: types.I8},
	{Name: "read_memory_16", Kind: KindRead, Type: types.I16},
	{Name: "read_memory_32", Kind: KindRead, Type: types.I32},
	{Name: "read_memory_64", Kind: KindRead, Type: types.I64},
	{Name: "write_memory_8", Kind: KindWrite, Type: types.I8},
	{Name: "write_memory_16", Kind: KindWrite, Type: types.I16},
	{Name: "write_memory_32", Kind: KindWrite, Type: types.I32},
	{Name: "write_memory_64", Kind: KindWrite, Type: types.I64},
	{Name: "read_memory_f32", Kind: KindRead, Type: types.Float},
	{Name: "read_memory_f64", Kind: KindRead, Type: types.Double},
	{Name: "read_memory_f80", Kind: KindRead, Type: types.Double, Unsupported: true},
	{Name: "write_memory_f32", Kind: KindWrite, Type: types.Float},
	{Name: "write_memory_f64", Kind: KindWrite, Type: types.Double},
	{Name: "write_memory_f80", Kind: KindWrite, Type: types.Double, Unsupported: true},
	{Name: AtomicBegin, Kind: KindAtomic},
	{Name: AtomicEnd, Kind: KindAtomic},
	{Name: "undefined_8", Kind: KindUndefined, Type: types.I8},
	{Name: "undefined_16", Kind: KindUndefined, Type: types.I16},
	{Name: "undefined_32", Kind: KindUndefined, Type: types.I32},
	{Name: "undefined_64", Kind: KindUndefined, Type: types.I64},
	{Name: FunctionCall, Kind: KindControl},
	{Name: FunctionReturn, Kind: KindControl},
	{Name: Jump, Kind: KindControl},
	{Name: MissingBlock, Kind: KindControl},
	{Name: AsyncHyperCall, Kind: KindControl},
	{Name: SyncHyperCall, Kind: KindControl},
	{Name: Error, Kind: KindControl},
	{Name: FPUExceptionTestAndClear, Kind: KindFPU, Unsupported: true},
}

// List returns the intrinsics of lifted code.
func List() []Intrinsic {
	return append([]Intrinsic(nil), intrinsics...)
}

// Lookup returns the intrinsic with the given name (without prefix).
func Lookup(name string) (Intrinsic, bool) {
	for _, in := range intrinsics {
		if in.Name == name {
			return in, true
		}
	}
	return Intrinsic{}, false
}

// ReadMemory returns the name of the integer memory read intrinsic of the
// given size in number of bits.
func ReadMemory(bits int) string {
	return fmt.Sprintf("read_memory_%d", bits)
}

// WriteMemory returns the name of the integer memory write intrinsic of the
// given size in number of bits.
func WriteMemory(bits int) string {
	return fmt.Sprintf("write_memory_%d", bits)
}

// Undefined returns the name of the undefined value intrinsic of the given
// size in number of bits.
func Undefined(bits int) string {
	return fmt.Sprintf("undefined_%d", bits)
}

// Symbols holds the names of host symbols the runtime resolves intrinsics to.
type Symbols struct {
	// Dispatcher; selects the lifted trace of a program counter value.
	Dispatch string
	// Error trampoline; invoked for unknown program counter values and
	// instructions which could not be lifted.
	Error string
	// Abort trampoline; takes a NUL-terminated diagnostic and does not return.
	Abort string
	// Hyper call trampolines.
	AsyncHyperCall string
	SyncHyperCall  string
}

// DefaultSymbols returns the default host symbol names.
func DefaultSymbols() Symbols {
	return Symbols{
		Dispatch:       "tracelift_dispatch",
		Error:          "tracelift_error",
		Abort:          "tracelift_abort",
		AsyncHyperCall: "tracelift_async_hyper_call",
		SyncHyperCall:  "tracelift_sync_hyper_call",
	}
}

// Forward returns the host symbol the given control intrinsic forwards to, or
// the empty string if it does not forward (function_return returns the memory
// handle to the native caller).
func (syms Symbols) Forward(name string) string {
	switch name {
	case FunctionCall, Jump, MissingBlock:
		return syms.Dispatch
	case AsyncHyperCall:
		return syms.AsyncHyperCall
	case SyncHyperCall:
		return syms.SyncHyperCall
	case Error:
		return syms.Error
	}
	return ""
}

// Intrinsics holds the intrinsic functions of a module.
type Intrinsics struct {
	// Reserved symbol prefix.
	Prefix string
	// Maps from intrinsic name (without prefix) to function.
	funcs map[string]*ir.Func
}

// Func returns the intrinsic function of the given name (without prefix), or
// nil if not present.
func (in *Intrinsics) Func(name string) *ir.Func {
	return in.funcs[name]
}

// Declare declares the intrinsics of lifted code in m, reusing functions
// already present in m by name.
func Declare(m *ir.Module, ts *arch.Types, prefix string) *Intrinsics {
	in := &Intrinsics{
		Prefix: prefix,
		funcs:  make(map[string]*ir.Func),
	}
	existing := make(map[string]*ir.Func)
	for _, f := range m.Funcs {
		existing[f.Name()] = f
	}
	for _, intr := range intrinsics {
		name := prefix + intr.Name
		f, ok := existing[name]
		if !ok {
			ret, params := signature(intr, ts)
			f = m.NewFunc(name, ret, params...)
			if intr.Kind == KindUndefined {
				f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrReadNone)
			}
		}
		in.funcs[intr.Name] = f
	}
	return in
}

// signature returns the return type and parameters of the given intrinsic.
func signature(intr Intrinsic, ts *arch.Types) (types.Type, []*ir.Param) {
	switch intr.Kind {
	case KindRead:
		return intr.Type, []*ir.Param{
			ir.NewParam("memory", ts.MemoryPtr),
			ir.NewParam("addr", ts.PC),
		}
	case KindWrite:
		return ts.MemoryPtr, []*ir.Param{
			ir.NewParam("memory", ts.MemoryPtr),
			ir.NewParam("addr", ts.PC),
			ir.NewParam("value", intr.Type),
		}
	case KindAtomic:
		return ts.MemoryPtr, []*ir.Param{
			ir.NewParam("memory", ts.MemoryPtr),
		}
	case KindUndefined:
		return intr.Type, nil
	case KindControl:
		return ts.MemoryPtr, []*ir.Param{
			ir.NewParam("state", ts.StatePtr),
			ir.NewParam("pc", ts.PC),
			ir.NewParam("memory", ts.MemoryPtr),
		}
	case KindFPU:
		return types.I32, []*ir.Param{
			ir.NewParam("read_mask", types.I32),
			ir.NewParam("clear_mask", types.I32),
		}
	}
	panic(fmt.Errorf("support for intrinsic kind %d not yet implemented", intr.Kind))
}
