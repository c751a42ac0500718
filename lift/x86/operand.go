package x86

import (
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/tracelift/arch"
	"golang.org/x/arch/x86/x86asm"
)

// argSize returns the size in number of bits of the given register or memory
// operand of the current instruction.
func (tl *traceLifter) argSize(arg x86asm.Arg) (int, error) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		_, size, _, ok := gpr(arg)
		if !ok {
			return 0, unsupported("support for register %v not yet implemented", arg)
		}
		return size, nil
	case x86asm.Mem:
		if tl.inst.MemBytes == 0 {
			return 0, unsupported("unknown size of memory operand %v", arg)
		}
		return tl.inst.MemBytes * 8, nil
	}
	return 0, unsupported("support for operand %T (%v) not yet implemented", arg, arg)
}

// readArg returns the value of the given operand of the current instruction.
// Immediate operands have the given size in number of bits; register and
// memory operands have their own size.
func (tl *traceLifter) readArg(arg x86asm.Arg, size int) (value.Value, error) {
	switch arg := arg.(type) {
	case x86asm.Imm:
		return arch.Int(types.NewInt(uint64(size)), uint64(arg)), nil
	case x86asm.Reg:
		idx, rsize, shift, ok := gpr(arg)
		if !ok {
			return nil, unsupported("support for register %v not yet implemented", arg)
		}
		var v value.Value = tl.loadField(idx)
		if shift != 0 {
			v = tl.cur.NewLShr(v, arch.Int(types.I32, uint64(shift)))
		}
		if rsize < 32 {
			v = tl.cur.NewTrunc(v, types.NewInt(uint64(rsize)))
		}
		return v, nil
	case x86asm.Mem:
		msize, err := tl.argSize(arg)
		if err != nil {
			return nil, err
		}
		if !validSize(msize) {
			return nil, unsupported("support for %d-bit memory operands not yet implemented", msize)
		}
		addr, err := tl.addrOf(arg)
		if err != nil {
			return nil, err
		}
		return tl.readMemory(addr, msize), nil
	}
	return nil, unsupported("support for operand %T (%v) not yet implemented", arg, arg)
}

// writeArg stores v of the given size in number of bits to the given register
// or memory operand of the current instruction.
func (tl *traceLifter) writeArg(arg x86asm.Arg, v value.Value, size int) error {
	switch arg := arg.(type) {
	case x86asm.Reg:
		idx, rsize, shift, ok := gpr(arg)
		if !ok {
			return unsupported("support for register %v not yet implemented", arg)
		}
		if rsize == 32 {
			tl.storeField(idx, v)
			return nil
		}
		// Merge v into the bits of the full register.
		mask := ^(uint64(1)<<uint(rsize) - 1) << uint(shift)
		old := tl.cur.NewAnd(tl.loadField(idx), arch.Int(types.I32, mask))
		var ext value.Value = tl.cur.NewZExt(v, types.I32)
		if shift != 0 {
			ext = tl.cur.NewShl(ext, arch.Int(types.I32, uint64(shift)))
		}
		tl.storeField(idx, tl.cur.NewOr(old, ext))
		return nil
	case x86asm.Mem:
		if !validSize(size) {
			return unsupported("support for %d-bit memory operands not yet implemented", size)
		}
		addr, err := tl.addrOf(arg)
		if err != nil {
			return err
		}
		tl.writeMemory(addr, v, size)
		return nil
	}
	return unsupported("unable to write to operand %T (%v)", arg, arg)
}

// addrOf returns the effective address of the given memory operand.
func (tl *traceLifter) addrOf(m x86asm.Mem) (value.Value, error) {
	switch m.Segment {
	case 0, x86asm.ES, x86asm.CS, x86asm.SS, x86asm.DS:
		// flat
	default:
		return nil, unsupported("support for segment %v not yet implemented", m.Segment)
	}
	if tl.inst.AddrSize != 32 {
		return nil, unsupported("support for %d-bit addressing not yet implemented", tl.inst.AddrSize)
	}
	var addr value.Value
	if m.Base != 0 {
		base, err := tl.readArg(m.Base, 32)
		if err != nil {
			return nil, err
		}
		addr = base
	}
	if m.Index != 0 {
		index, err := tl.readArg(m.Index, 32)
		if err != nil {
			return nil, err
		}
		if m.Scale > 1 {
			index = tl.cur.NewMul(index, arch.Int(types.I32, uint64(m.Scale)))
		}
		if addr == nil {
			addr = index
		} else {
			addr = tl.cur.NewAdd(addr, index)
		}
	}
	disp := arch.Int(tl.Arch.PCType(), uint64(m.Disp))
	switch {
	case addr == nil:
		return disp, nil
	case m.Disp == 0:
		return addr, nil
	}
	return tl.cur.NewAdd(addr, disp), nil
}

// ### [ Helper functions ] ####################################################

// gpr returns the State field index, size in number of bits and bit offset
// within the full register of the given general purpose register.
func gpr(r x86asm.Reg) (idx, size, shift int, ok bool) {
	switch {
	case x86asm.EAX <= r && r <= x86asm.EDI:
		return arch.EAX + int(r-x86asm.EAX), 32, 0, true
	case x86asm.AX <= r && r <= x86asm.DI:
		return arch.EAX + int(r-x86asm.AX), 16, 0, true
	case x86asm.AL <= r && r <= x86asm.BL:
		return arch.EAX + int(r-x86asm.AL), 8, 0, true
	case x86asm.AH <= r && r <= x86asm.BH:
		return arch.EAX + int(r-x86asm.AH), 8, 8, true
	}
	return 0, 0, 0, false
}

// validSize reports whether guest memory may be accessed with the given size
// in number of bits.
func validSize(size int) bool {
	switch size {
	case 8, 16, 32, 64:
		return true
	}
	return false
}
