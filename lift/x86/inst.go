package x86

import (
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
	disasm "github.com/mewmew/tracelift/disasm/x86"
	"golang.org/x/arch/x86/x86asm"
)

// CPUIDVector is the hyper call vector stored in the State structure by CPUID
// before the sync hyper call. Software interrupt vectors are below 0x100.
const CPUIDVector = 0x100

// liftInst lifts the given instruction into the current basic block, which
// is terminated by the lowering.
func (tl *traceLifter) liftInst(inst *disasm.Instruction) error {
	// Control flow instructions.
	switch inst.Op {
	case x86asm.CALL:
		return tl.liftInstCALL(inst)
	case x86asm.RET:
		return tl.liftInstRET(inst)
	case x86asm.JMP:
		return tl.liftInstJMP(inst)
	case x86asm.INT:
		return tl.liftInstINT(inst)
	case x86asm.HLT, x86asm.UD1, x86asm.UD2:
		tl.trap(abi.Error, inst.Addr)
		return nil
	}
	if disasm.IsCondJump(inst) {
		return tl.liftInstJcc(inst)
	}
	if disasm.IsTerm(inst) {
		return unsupported("support for terminator %v not yet implemented", inst.Op)
	}
	if inst.Mode != 32 || (inst.DataSize != 0 && inst.DataSize != 32 && inst.DataSize != 16) {
		return unsupported("support for %d-bit operand size not yet implemented", inst.DataSize)
	}
	var err error
	switch inst.Op {
	case x86asm.NOP:
		// nothing to do.
	case x86asm.MOV:
		err = tl.liftInstMOV(inst)
	case x86asm.MOVZX, x86asm.MOVSX:
		err = tl.liftInstMOVX(inst)
	case x86asm.LEA:
		err = tl.liftInstLEA(inst)
	case x86asm.XCHG:
		err = tl.liftInstXCHG(inst)
	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		err = tl.liftBinary(inst)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		err = tl.liftUnary(inst)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		err = tl.liftShift(inst)
	case x86asm.PUSH:
		err = tl.liftInstPUSH(inst)
	case x86asm.POP:
		err = tl.liftInstPOP(inst)
	case x86asm.CPUID:
		tl.storeField(arch.HyperCallVector, constant.NewInt(types.I32, CPUIDVector))
		tl.storeField(arch.EIP, tl.pcConst(inst.Addr))
		tl.call(tl.intrinsic(abi.SyncHyperCall), tl.pcConst(inst.Addr))
	default:
		return unsupported("support for instruction %v not yet implemented", inst.Op)
	}
	if err != nil {
		return err
	}
	tl.next()
	return nil
}

// --- [ Data transfer ] -------------------------------------------------------

// liftInstMOV lifts the given x86 MOV instruction.
func (tl *traceLifter) liftInstMOV(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	v, err := tl.readArg(inst.Args[1], size)
	if err != nil {
		return err
	}
	return tl.writeArg(inst.Args[0], v, size)
}

// liftInstMOVX lifts the given x86 MOVZX or MOVSX instruction.
func (tl *traceLifter) liftInstMOVX(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	v, err := tl.readArg(inst.Args[1], 0)
	if err != nil {
		return err
	}
	typ := types.NewInt(uint64(size))
	var ext value.Value
	if inst.Op == x86asm.MOVSX {
		ext = tl.cur.NewSExt(v, typ)
	} else {
		ext = tl.cur.NewZExt(v, typ)
	}
	return tl.writeArg(inst.Args[0], ext, size)
}

// liftInstLEA lifts the given x86 LEA instruction.
func (tl *traceLifter) liftInstLEA(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	m, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return unsupported("invalid LEA source operand %v", inst.Args[1])
	}
	m.Segment = 0
	addr, err := tl.addrOf(m)
	if err != nil {
		return err
	}
	if size < 32 {
		addr = tl.cur.NewTrunc(addr, types.NewInt(uint64(size)))
	}
	return tl.writeArg(inst.Args[0], addr, size)
}

// liftInstXCHG lifts the given x86 XCHG instruction.
func (tl *traceLifter) liftInstXCHG(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	a, err := tl.readArg(inst.Args[0], size)
	if err != nil {
		return err
	}
	b, err := tl.readArg(inst.Args[1], size)
	if err != nil {
		return err
	}
	if err := tl.writeArg(inst.Args[0], b, size); err != nil {
		return err
	}
	return tl.writeArg(inst.Args[1], a, size)
}

// liftInstPUSH lifts the given x86 PUSH instruction.
func (tl *traceLifter) liftInstPUSH(inst *disasm.Instruction) error {
	if inst.DataSize != 32 {
		return unsupported("support for %d-bit PUSH not yet implemented", inst.DataSize)
	}
	v, err := tl.readArg(inst.Args[0], 32)
	if err != nil {
		return err
	}
	if t, ok := v.Type().(*types.IntType); !ok || t.BitSize != 32 {
		return unsupported("support for PUSH of %v not yet implemented", inst.Args[0])
	}
	tl.push(v)
	return nil
}

// liftInstPOP lifts the given x86 POP instruction.
func (tl *traceLifter) liftInstPOP(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	if size != 32 {
		return unsupported("support for %d-bit POP not yet implemented", size)
	}
	v := tl.pop(0)
	return tl.writeArg(inst.Args[0], v, 32)
}

// push pushes the 32-bit value v onto the guest stack.
func (tl *traceLifter) push(v value.Value) {
	esp := tl.cur.NewSub(tl.loadField(arch.ESP), constant.NewInt(types.I32, 4))
	tl.writeMemory(esp, v, 32)
	tl.storeField(arch.ESP, esp)
}

// pop pops a 32-bit value off the guest stack, releasing extra bytes of stack
// space.
func (tl *traceLifter) pop(extra int64) value.Value {
	esp := tl.loadField(arch.ESP)
	v := tl.readMemory(esp, 32)
	tl.storeField(arch.ESP, tl.cur.NewAdd(esp, constant.NewInt(types.I32, 4+extra)))
	return v
}

// --- [ Arithmetic and logic ] ------------------------------------------------

// liftBinary lifts the given x86 two-operand arithmetic or logic instruction.
func (tl *traceLifter) liftBinary(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	a, err := tl.readArg(inst.Args[0], size)
	if err != nil {
		return err
	}
	b, err := tl.readArg(inst.Args[1], size)
	if err != nil {
		return err
	}
	var res value.Value
	switch inst.Op {
	case x86asm.ADD:
		res = tl.cur.NewAdd(a, b)
		tl.setAddFlags(a, b, res, true)
	case x86asm.SUB, x86asm.CMP:
		res = tl.cur.NewSub(a, b)
		tl.setSubFlags(a, b, res, true)
	case x86asm.AND, x86asm.TEST:
		res = tl.cur.NewAnd(a, b)
		tl.setLogicFlags(res)
	case x86asm.OR:
		res = tl.cur.NewOr(a, b)
		tl.setLogicFlags(res)
	case x86asm.XOR:
		res = tl.cur.NewXor(a, b)
		tl.setLogicFlags(res)
	}
	if inst.Op == x86asm.CMP || inst.Op == x86asm.TEST {
		return nil
	}
	return tl.writeArg(inst.Args[0], res, size)
}

// liftUnary lifts the given x86 one-operand arithmetic or logic instruction.
func (tl *traceLifter) liftUnary(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	a, err := tl.readArg(inst.Args[0], size)
	if err != nil {
		return err
	}
	typ := types.NewInt(uint64(size))
	one := constant.NewInt(typ, 1)
	zero := constant.NewInt(typ, 0)
	var res value.Value
	switch inst.Op {
	case x86asm.INC:
		res = tl.cur.NewAdd(a, one)
		tl.setAddFlags(a, one, res, false)
	case x86asm.DEC:
		res = tl.cur.NewSub(a, one)
		tl.setSubFlags(a, one, res, false)
	case x86asm.NEG:
		res = tl.cur.NewSub(zero, a)
		tl.setSubFlags(zero, a, res, true)
	case x86asm.NOT:
		res = tl.cur.NewXor(a, arch.Int(typ, ^uint64(0)))
	}
	return tl.writeArg(inst.Args[0], res, size)
}

// liftShift lifts the given x86 SHL, SHR or SAR instruction. CF and OF are
// undefined after the shift; ZF and SF reflect the result. Flags are left
// unchanged for a zero shift count.
func (tl *traceLifter) liftShift(inst *disasm.Instruction) error {
	size, err := tl.argSize(inst.Args[0])
	if err != nil {
		return err
	}
	a, err := tl.readArg(inst.Args[0], size)
	if err != nil {
		return err
	}
	n, err := tl.readArg(inst.Args[1], 8)
	if err != nil {
		return err
	}
	// Shift in 32 bits to keep counts up to 31 well-defined.
	count := tl.cur.NewAnd(tl.cur.NewZExt(n, types.I32), constant.NewInt(types.I32, 31))
	var wide, shifted value.Value
	switch inst.Op {
	case x86asm.SHL:
		wide = tl.extend(a, false)
		shifted = tl.cur.NewShl(wide, count)
	case x86asm.SHR:
		wide = tl.extend(a, false)
		shifted = tl.cur.NewLShr(wide, count)
	case x86asm.SAR:
		wide = tl.extend(a, true)
		shifted = tl.cur.NewAShr(wide, count)
	}
	res := shifted
	if size < 32 {
		res = tl.cur.NewTrunc(shifted, types.NewInt(uint64(size)))
	}
	if imm, ok := inst.Args[1].(x86asm.Imm); ok {
		if imm&31 != 0 {
			tl.undefFlag(arch.CF)
			tl.undefFlag(arch.OF)
			tl.setResultFlags(res)
		}
		return tl.writeArg(inst.Args[0], res, size)
	}
	// Dynamic shift count; select between the old and new flags.
	isZero := tl.cur.NewICmp(enum.IPredEQ, count, constant.NewInt(types.I32, 0))
	resZero := constant.NewInt(res.Type().(*types.IntType), 0)
	flags := []struct {
		idx int
		v   value.Value
	}{
		{idx: arch.CF, v: tl.cur.NewCall(tl.intrinsic(abi.Undefined(8)))},
		{idx: arch.OF, v: tl.cur.NewCall(tl.intrinsic(abi.Undefined(8)))},
		{idx: arch.ZF, v: tl.cur.NewZExt(tl.cur.NewICmp(enum.IPredEQ, res, resZero), types.I8)},
		{idx: arch.SF, v: tl.cur.NewZExt(tl.cur.NewICmp(enum.IPredSLT, res, resZero), types.I8)},
	}
	for _, flag := range flags {
		old := tl.loadField(flag.idx)
		tl.storeField(flag.idx, tl.cur.NewSelect(isZero, old, flag.v))
	}
	return tl.writeArg(inst.Args[0], res, size)
}

// extend extends v to 32 bits.
func (tl *traceLifter) extend(v value.Value, signed bool) value.Value {
	if v.Type().(*types.IntType).BitSize == 32 {
		return v
	}
	if signed {
		return tl.cur.NewSExt(v, types.I32)
	}
	return tl.cur.NewZExt(v, types.I32)
}

// --- [ Control flow ] --------------------------------------------------------

// liftInstCALL lifts the given x86 CALL instruction. Direct calls call the
// lifted trace of the callee; indirect calls go through the function call
// intrinsic.
func (tl *traceLifter) liftInstCALL(inst *disasm.Instruction) error {
	ret := tl.pcConst(inst.Next())
	if target, ok := inst.Target(); ok {
		callee := tl.Manager.Declare(target)
		tl.push(ret)
		tl.storeField(arch.EIP, tl.pcConst(target))
		tl.call(callee, tl.pcConst(target))
		tl.next()
		return nil
	}
	target, err := tl.readArg(inst.Args[0], 32)
	if err != nil {
		return err
	}
	if t, ok := target.Type().(*types.IntType); !ok || t.BitSize != 32 {
		return unsupported("support for call through %v not yet implemented", inst.Args[0])
	}
	tl.push(ret)
	tl.storeField(arch.EIP, target)
	tl.call(tl.intrinsic(abi.FunctionCall), target)
	tl.next()
	return nil
}

// liftInstRET lifts the given x86 RET instruction.
func (tl *traceLifter) liftInstRET(inst *disasm.Instruction) error {
	var extra int64
	if len(inst.Args) > 0 && inst.Args[0] != nil {
		imm, ok := inst.Args[0].(x86asm.Imm)
		if !ok {
			return unsupported("invalid RET operand %v", inst.Args[0])
		}
		extra = int64(imm)
	}
	ret := tl.pop(extra)
	tl.storeField(arch.EIP, ret)
	tl.tailCall(tl.intrinsic(abi.FunctionReturn), ret)
	return nil
}

// liftInstJMP lifts the given x86 JMP instruction.
func (tl *traceLifter) liftInstJMP(inst *disasm.Instruction) error {
	if target, ok := inst.Target(); ok {
		tl.cur.NewBr(tl.target(target))
		return nil
	}
	target, err := tl.readArg(inst.Args[0], 32)
	if err != nil {
		return err
	}
	if t, ok := target.Type().(*types.IntType); !ok || t.BitSize != 32 {
		return unsupported("support for jump through %v not yet implemented", inst.Args[0])
	}
	tl.storeField(arch.EIP, target)
	tl.tailCall(tl.intrinsic(abi.Jump), target)
	return nil
}

// liftInstJcc lifts the given x86 conditional jump instruction.
func (tl *traceLifter) liftInstJcc(inst *disasm.Instruction) error {
	target, ok := inst.Target()
	if !ok {
		return unsupported("invalid %v target %v", inst.Op, inst.Args[0])
	}
	cond, err := tl.cond(inst)
	if err != nil {
		return err
	}
	tl.cur.NewCondBr(cond, tl.target(target), tl.target(inst.Next()))
	return nil
}

// liftInstINT lifts the given x86 INT instruction. INT 3 is a trap; other
// interrupts raise an async hyper call with the vector stored in the State
// structure, resuming at the next instruction.
func (tl *traceLifter) liftInstINT(inst *disasm.Instruction) error {
	imm, ok := inst.Args[0].(x86asm.Imm)
	if !ok {
		return unsupported("invalid INT operand %v", inst.Args[0])
	}
	if imm == 3 {
		tl.trap(abi.Error, inst.Addr)
		return nil
	}
	tl.storeField(arch.HyperCallVector, constant.NewInt(types.I32, int64(imm)))
	tl.trap(abi.AsyncHyperCall, inst.Next())
	return nil
}

// cond returns the branch condition of the given conditional jump.
func (tl *traceLifter) cond(inst *disasm.Instruction) (value.Value, error) {
	switch inst.Op {
	case x86asm.JO:
		return tl.flag(arch.OF), nil
	case x86asm.JNO:
		return tl.not(tl.flag(arch.OF)), nil
	case x86asm.JB:
		return tl.flag(arch.CF), nil
	case x86asm.JAE:
		return tl.not(tl.flag(arch.CF)), nil
	case x86asm.JE:
		return tl.flag(arch.ZF), nil
	case x86asm.JNE:
		return tl.not(tl.flag(arch.ZF)), nil
	case x86asm.JBE:
		return tl.cur.NewOr(tl.flag(arch.CF), tl.flag(arch.ZF)), nil
	case x86asm.JA:
		return tl.not(tl.cur.NewOr(tl.flag(arch.CF), tl.flag(arch.ZF))), nil
	case x86asm.JS:
		return tl.flag(arch.SF), nil
	case x86asm.JNS:
		return tl.not(tl.flag(arch.SF)), nil
	case x86asm.JL:
		return tl.lessFlag(), nil
	case x86asm.JGE:
		return tl.not(tl.lessFlag()), nil
	case x86asm.JLE:
		return tl.cur.NewOr(tl.flag(arch.ZF), tl.lessFlag()), nil
	case x86asm.JG:
		return tl.not(tl.cur.NewOr(tl.flag(arch.ZF), tl.lessFlag())), nil
	}
	if inst.AddrSize != 32 {
		return nil, unsupported("support for %d-bit %v not yet implemented", inst.AddrSize, inst.Op)
	}
	zero := constant.NewInt(types.I32, 0)
	switch inst.Op {
	case x86asm.JECXZ:
		return tl.cur.NewICmp(enum.IPredEQ, tl.loadField(arch.ECX), zero), nil
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		ecx := tl.cur.NewSub(tl.loadField(arch.ECX), constant.NewInt(types.I32, 1))
		tl.storeField(arch.ECX, ecx)
		cond := tl.cur.NewICmp(enum.IPredNE, ecx, zero)
		switch inst.Op {
		case x86asm.LOOPE:
			return tl.cur.NewAnd(cond, tl.flag(arch.ZF)), nil
		case x86asm.LOOPNE:
			return tl.cur.NewAnd(cond, tl.not(tl.flag(arch.ZF))), nil
		}
		return cond, nil
	}
	return nil, unsupported("support for conditional jump %v not yet implemented", inst.Op)
}

// lessFlag returns SF != OF; the signed less-than condition.
func (tl *traceLifter) lessFlag() value.Value {
	return tl.cur.NewICmp(enum.IPredNE, tl.flag(arch.SF), tl.flag(arch.OF))
}
