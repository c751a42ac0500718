// Package x86 implements a trace decoder for the x86 architecture.
package x86

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// maxInstLen is the maximum length of an x86 instruction in bytes.
const maxInstLen = 15

// ByteSource provides the executable bytes of a memory image.
type ByteSource interface {
	// ByteAt returns the byte at the given address, and reports whether the
	// address is mapped.
	ByteAt(addr bin.Addr) (byte, bool)
}

// Instruction is an x86 instruction.
type Instruction struct {
	// Address of instruction.
	Addr bin.Addr
	// Instruction.
	x86asm.Inst
}

// Next returns the address of the instruction following inst.
func (inst *Instruction) Next() bin.Addr {
	return inst.Addr + bin.Addr(inst.Len)
}

// String returns the string representation of the instruction.
func (inst *Instruction) String() string {
	return fmt.Sprintf("%v: %v", inst.Addr, x86asm.IntelSyntax(inst.Inst, uint64(inst.Addr), nil))
}

// Target returns the target address of the PC-relative branch instruction
// inst. The boolean return value reports whether inst has a PC-relative
// target.
func (inst *Instruction) Target() (bin.Addr, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	target := bin.Addr(int64(inst.Next()) + int64(rel))
	return target.Truncate(inst.Mode), true
}

// Decoder decodes x86 instructions of a memory image.
type Decoder struct {
	// Memory image.
	mem ByteSource
	// Processor mode (16, 32 or 64-bit execution mode).
	mode int
}

// NewDecoder returns a new decoder of the instructions of mem in the given
// processor mode.
func NewDecoder(mem ByteSource, mode int) *Decoder {
	return &Decoder{
		mem:  mem,
		mode: mode,
	}
}

// DecodeInst decodes the instruction at the given address. An error is
// returned if the bytes of the instruction are not mapped, or do not encode a
// valid instruction.
func (d *Decoder) DecodeInst(addr bin.Addr) (*Instruction, error) {
	src := make([]byte, 0, maxInstLen)
	for i := 0; i < maxInstLen; i++ {
		b, ok := d.mem.ByteAt(addr + bin.Addr(i))
		if !ok {
			break
		}
		src = append(src, b)
	}
	if len(src) == 0 {
		return nil, errors.Errorf("unable to read instruction at address %v; address not mapped", addr)
	}
	inst, err := x86asm.Decode(src, d.mode)
	// A zero opcode marks a lone prefix or truncated instruction.
	if err == nil && inst.Op == 0 {
		err = x86asm.ErrTruncated
	}
	if err != nil {
		dbg.Printf("unable to decode instruction at %v:\n%s", addr, hex.Dump(src))
		return nil, errors.Errorf("unable to parse instruction at address %v; %v", addr, err)
	}
	return &Instruction{
		Addr: addr,
		Inst: inst,
	}, nil
}

// Trace is a decoded trace; the instructions reachable from the entry address
// through control flow internal to the trace.
type Trace struct {
	// Entry address.
	Entry bin.Addr
	// Maps from address to decoded instruction.
	Insts map[bin.Addr]*Instruction
	// Maps from address to the reason why the instruction at that address,
	// reachable from the entry, could not be decoded.
	Invalid map[bin.Addr]error
	// Direct call targets.
	Calls bin.Addrs
	// Direct jump targets leaving the trace for another trace head.
	Exits bin.Addrs
}

// String returns the string representation of the trace.
func (t *Trace) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "trace_%08X:\n", uint64(t.Entry))
	for _, addr := range t.Addrs() {
		fmt.Fprintf(buf, "\t%v\n", t.Insts[addr])
	}
	return buf.String()
}

// Addrs returns the addresses of the decoded instructions in ascending order.
func (t *Trace) Addrs() bin.Addrs {
	var addrs bin.Addrs
	for addr := range t.Insts {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	return addrs
}

// DecodeTrace decodes the trace starting at entry. Direct control flow to an
// address for which isHead reports true (other than entry) leaves the trace.
// An error is returned if the instruction at entry cannot be decoded.
func (d *Decoder) DecodeTrace(entry bin.Addr, isHead func(addr bin.Addr) bool) (*Trace, error) {
	first, err := d.DecodeInst(entry)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	t := &Trace{
		Entry:   entry,
		Insts:   map[bin.Addr]*Instruction{entry: first},
		Invalid: make(map[bin.Addr]error),
	}
	calls := make(map[bin.Addr]bool)
	exits := make(map[bin.Addr]bool)
	queue := []*Instruction{first}
	for len(queue) > 0 {
		inst := queue[0]
		queue = queue[1:]
		if IsCall(inst) {
			if target, ok := inst.Target(); ok {
				calls[target] = true
			}
		}
		for _, succ := range Succs(inst) {
			if succ != entry && isHead(succ) {
				exits[succ] = true
				continue
			}
			if _, ok := t.Insts[succ]; ok {
				continue
			}
			if _, ok := t.Invalid[succ]; ok {
				continue
			}
			next, err := d.DecodeInst(succ)
			if err != nil {
				t.Invalid[succ] = err
				continue
			}
			t.Insts[succ] = next
			queue = append(queue, next)
		}
	}
	t.Calls = sortedAddrs(calls)
	t.Exits = sortedAddrs(exits)
	return t, nil
}

// ### [ Helper functions ] ####################################################

// Succs returns the addresses of the successors of inst, to which control may
// be transferred directly. Returns and indirect branches have no successors;
// calls continue at the next instruction.
func Succs(inst *Instruction) []bin.Addr {
	switch {
	case IsCondJump(inst):
		target, ok := inst.Target()
		if !ok {
			return []bin.Addr{inst.Next()}
		}
		return []bin.Addr{target, inst.Next()}
	case inst.Op == x86asm.JMP:
		if target, ok := inst.Target(); ok {
			return []bin.Addr{target}
		}
		return nil
	case IsTerm(inst):
		return nil
	}
	return []bin.Addr{inst.Next()}
}

// IsCall reports whether the given instruction is a call instruction.
func IsCall(inst *Instruction) bool {
	return inst.Op == x86asm.CALL
}

// IsCondJump reports whether the given instruction is a conditional jump.
func IsCondJump(inst *Instruction) bool {
	switch inst.Op {
	// Loop terminators.
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	// Conditional jump terminators.
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return true
	}
	return false
}

// IsTerm reports whether the given instruction is a terminator instruction;
// after which control does not continue at the next instruction.
func IsTerm(inst *Instruction) bool {
	switch inst.Op {
	// Unconditional jump terminators.
	case x86asm.JMP, x86asm.LJMP:
		return true
	// Return terminators.
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD:
		return true
	// Trap and halt terminators.
	case x86asm.HLT, x86asm.UD1, x86asm.UD2, x86asm.INT, x86asm.INTO:
		return true
	}
	return IsCondJump(inst)
}

// sortedAddrs returns the keys of the given address set in ascending order.
func sortedAddrs(set map[bin.Addr]bool) bin.Addrs {
	var addrs bin.Addrs
	for addr := range set {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	return addrs
}
