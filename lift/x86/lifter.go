// Package x86 lifts x86 traces to LLVM IR.
//
// Lifted traces operate on the State structure of the x86 architecture and
// access guest memory, transfer control and raise traps exclusively through
// the intrinsics of lifted code.
package x86

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kr/pretty"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
	disasm "github.com/mewmew/tracelift/disasm/x86"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "lift:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("lift:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// TraceLifter lifts x86 traces into the functions declared by a trace manager.
type TraceLifter struct {
	// Architecture of lifted code.
	Arch *arch.Arch
	// Trace manager of the module holding lifted traces.
	Manager trace.Manager
	// Memory image of the executable code.
	Memory disasm.ByteSource
	// Intrinsics declared in the module holding lifted traces.
	Intrinsics *abi.Intrinsics
}

// Lift lifts the trace at addr and every trace reachable from it through
// direct calls and jumps to declared trace heads. Traces already lifted are
// skipped. A trace whose first instruction cannot be decoded is left declared
// but undefined.
func (l *TraceLifter) Lift(addr bin.Addr) error {
	d := disasm.NewDecoder(l.Memory, l.Arch.Mode)
	queue := []bin.Addr{addr}
	seen := make(map[bin.Addr]bool)
	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]
		if seen[entry] {
			continue
		}
		seen[entry] = true
		if _, ok := l.Manager.Definition(entry); ok {
			continue
		}
		f := l.Manager.Declare(entry)
		t, err := d.DecodeTrace(entry, l.isHead)
		if err != nil {
			warn.Printf("unable to lift trace %s; %v", f.Name(), errors.Cause(err))
			continue
		}
		dbg.Printf("lifting trace %s\n%v", f.Name(), t)
		tl := newTraceLifter(l, f, t)
		if err := tl.lift(); err != nil {
			return errors.WithStack(err)
		}
		if err := l.Manager.Define(entry, f); err != nil {
			return errors.WithStack(err)
		}
		queue = append(queue, t.Calls...)
		queue = append(queue, t.Exits...)
	}
	return nil
}

// isHead reports whether addr is the address of a declared trace.
func (l *TraceLifter) isHead(addr bin.Addr) bool {
	_, ok := l.Manager.Declaration(addr)
	return ok
}

// traceLifter lifts a single decoded trace.
type traceLifter struct {
	*TraceLifter
	// Function of the trace.
	f *ir.Func
	// Decoded trace.
	t *disasm.Trace
	// Parameters of f.
	state, pc, memory *ir.Param
	// State structure type.
	stateType types.Type
	// Entry basic block.
	entry *ir.Block
	// Local holding the current memory handle.
	mem *ir.InstAlloca
	// Maps from State field index to pointer into the State structure.
	fields map[int]value.Value
	// Maps from instruction address to basic block.
	blocks map[bin.Addr]*ir.Block
	// Maps from target address to basic block leaving the trace.
	exits map[bin.Addr]*ir.Block
	// Current basic block and instruction.
	cur  *ir.Block
	inst *disasm.Instruction
}

// newTraceLifter returns a new lifter of the trace t into f.
func newTraceLifter(l *TraceLifter, f *ir.Func, t *disasm.Trace) *traceLifter {
	tl := &traceLifter{
		TraceLifter: l,
		f:           f,
		t:           t,
		state:       f.Params[0],
		pc:          f.Params[1],
		memory:      f.Params[2],
		fields:      make(map[int]value.Value),
		blocks:      make(map[bin.Addr]*ir.Block),
		exits:       make(map[bin.Addr]*ir.Block),
	}
	tl.stateType = tl.state.Type().(*types.PointerType).ElemType
	return tl
}

// lift lifts the trace, attaching the body to the trace function.
func (tl *traceLifter) lift() error {
	if len(tl.f.Blocks) != 0 {
		return errors.Errorf("unable to lift trace %s; function already has a body", tl.f.Name())
	}
	tl.entry = tl.f.NewBlock("")
	tl.mem = tl.entry.NewAlloca(tl.memory.Type())
	tl.entry.NewStore(tl.memory, tl.mem)
	addrs := tl.t.Addrs()
	for _, addr := range addrs {
		tl.blocks[addr] = tl.f.NewBlock(fmt.Sprintf("inst_%x", uint64(addr)))
	}
	tl.entry.NewBr(tl.blocks[tl.t.Entry])
	for _, addr := range addrs {
		inst := tl.t.Insts[addr]
		tl.cur = tl.blocks[addr]
		tl.inst = inst
		if err := tl.liftInst(inst); err != nil {
			if !isUnsupported(err) {
				return errors.WithStack(err)
			}
			warn.Printf("unable to lift instruction %v of %s; %v", inst, tl.f.Name(), err)
			dbg.Printf("unsupported instruction:\n%# v", pretty.Formatter(inst.Inst))
			// Discard the partial lowering of the instruction.
			tl.cur.Insts = nil
			tl.cur.Term = nil
			tl.trap(abi.Error, inst.Addr)
		}
		if tl.cur.Term == nil {
			return errors.Errorf("unable to lift instruction %v of %s; missing terminator", inst, tl.f.Name())
		}
	}
	return nil
}

// ### [ Control flow ] ########################################################

// next terminates the current basic block with a transfer of control to the
// instruction following the current instruction.
func (tl *traceLifter) next() {
	tl.cur.NewBr(tl.target(tl.inst.Next()))
}

// target returns the basic block transferring control to the given address;
// the block of an instruction of the trace, or a block leaving the trace.
func (tl *traceLifter) target(addr bin.Addr) *ir.Block {
	if block, ok := tl.blocks[addr]; ok {
		return block
	}
	if block, ok := tl.exits[addr]; ok {
		return block
	}
	block := tl.f.NewBlock(fmt.Sprintf("exit_%x", uint64(addr)))
	tl.exits[addr] = block
	prev := tl.cur
	tl.cur = block
	if callee, ok := tl.Manager.Declaration(addr); ok {
		tl.tailCall(callee, tl.pcConst(addr))
	} else {
		if err, ok := tl.t.Invalid[addr]; ok {
			warn.Printf("missing block at %v in %s; %v", addr, tl.f.Name(), errors.Cause(err))
		}
		tl.storeField(arch.EIP, tl.pcConst(addr))
		tl.tailCall(tl.intrinsic(abi.MissingBlock), tl.pcConst(addr))
	}
	tl.cur = prev
	return block
}

// trap terminates the current basic block with a tail call to the given
// control intrinsic.
func (tl *traceLifter) trap(name string, pc bin.Addr) {
	tl.storeField(arch.EIP, tl.pcConst(pc))
	tl.tailCall(tl.intrinsic(name), tl.pcConst(pc))
}

// tailCall terminates the current basic block with a tail call to the lifted
// function callee, returning its memory handle.
func (tl *traceLifter) tailCall(callee *ir.Func, pc value.Value) {
	call := tl.cur.NewCall(callee, tl.state, pc, tl.loadMemory())
	call.Tail = enum.TailTail
	tl.cur.NewRet(call)
}

// call calls the lifted function callee and updates the memory handle.
func (tl *traceLifter) call(callee *ir.Func, pc value.Value) {
	call := tl.cur.NewCall(callee, tl.state, pc, tl.loadMemory())
	tl.storeMemory(call)
}

// ### [ Memory ] ##############################################################

// loadMemory returns the current memory handle.
func (tl *traceLifter) loadMemory() value.Value {
	return tl.cur.NewLoad(tl.memory.Type(), tl.mem)
}

// storeMemory sets the current memory handle.
func (tl *traceLifter) storeMemory(mem value.Value) {
	tl.cur.NewStore(mem, tl.mem)
}

// readMemory reads a value of the given size in number of bits from guest
// memory at addr.
func (tl *traceLifter) readMemory(addr value.Value, size int) value.Value {
	return tl.cur.NewCall(tl.intrinsic(abi.ReadMemory(size)), tl.loadMemory(), addr)
}

// writeMemory writes the value v of the given size in number of bits to guest
// memory at addr.
func (tl *traceLifter) writeMemory(addr, v value.Value, size int) {
	mem := tl.cur.NewCall(tl.intrinsic(abi.WriteMemory(size)), tl.loadMemory(), addr, v)
	tl.storeMemory(mem)
}

// ### [ State ] ###############################################################

// field returns a pointer to the i:th field of the State structure.
func (tl *traceLifter) field(i int) value.Value {
	if ptr, ok := tl.fields[i]; ok {
		return ptr
	}
	zero := constant.NewInt(types.I32, 0)
	idx := constant.NewInt(types.I32, int64(i))
	ptr := tl.entry.NewGetElementPtr(tl.stateType, tl.state, zero, idx)
	tl.fields[i] = ptr
	return ptr
}

// loadField returns the value of the i:th field of the State structure.
func (tl *traceLifter) loadField(i int) value.Value {
	return tl.cur.NewLoad(fieldType(tl.Arch, i), tl.field(i))
}

// storeField sets the value of the i:th field of the State structure.
func (tl *traceLifter) storeField(i int, v value.Value) {
	tl.cur.NewStore(v, tl.field(i))
}

// ### [ Helper functions ] ####################################################

// intrinsic returns the intrinsic function of the given name.
func (tl *traceLifter) intrinsic(name string) *ir.Func {
	f := tl.Intrinsics.Func(name)
	if f == nil {
		panic(fmt.Errorf("intrinsic %q not declared", name))
	}
	return f
}

// pcConst returns the program counter constant of the given address.
func (tl *traceLifter) pcConst(addr bin.Addr) constant.Constant {
	return arch.Int(tl.Arch.PCType(), uint64(tl.Arch.Mask(addr)))
}

// fieldType returns the type of the i:th field of the State structure.
func fieldType(a *arch.Arch, i int) *types.IntType {
	return types.NewInt(uint64(a.Regs[i].Size))
}

// unsupportedError is an instruction or operand the lifter does not support.
type unsupportedError struct {
	msg string
}

// Error returns the error message of the unsupported instruction.
func (e *unsupportedError) Error() string {
	return e.msg
}

// unsupported returns an error reporting an unsupported instruction or operand.
func unsupported(format string, args ...interface{}) error {
	return &unsupportedError{msg: fmt.Sprintf(format, args...)}
}

// isUnsupported reports whether err reports an unsupported instruction or
// operand.
func isUnsupported(err error) bool {
	_, ok := errors.Cause(err).(*unsupportedError)
	return ok
}
