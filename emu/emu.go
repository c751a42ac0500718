// Package emu executes LLVM IR modules of lifted code on a flat little-endian
// memory arena, with host functions implemented in Go.
//
// Integer values are represented by their bit pattern in a uint64, masked to
// the width of their type, and pointers are addresses into the arena.
package emu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "emu:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("emu:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// DefaultMaxSteps is the default maximum number of executed instructions per
// call.
const DefaultMaxSteps = 1 << 20

// HostFunc is a function implemented by the host.
type HostFunc func(mc *Machine, args []uint64) (uint64, error)

// AbortError reports a call of the abort trampoline.
type AbortError struct {
	// Diagnostic of the abort.
	Reason string
}

// Error returns the error message of the abort.
func (e *AbortError) Error() string {
	return fmt.Sprintf("abort: %s", e.Reason)
}

// Machine executes the functions of an LLVM IR module.
type Machine struct {
	// Maximum number of executed instructions per call.
	MaxSteps int
	// Module of executed functions.
	m *ir.Module
	// Maps from function name to function of m.
	funcs map[string]*ir.Func
	// Maps from function name to host function, used for functions of m
	// without a body.
	hosts map[string]HostFunc
	// Maps from global variable to address.
	globals map[*ir.Global]uint64
	// Memory arena; address 0 is never allocated.
	mem []byte
	// End of the last allocation of the host in the arena; allocas below it
	// are not released.
	pinned int
	// Number of executed instructions of the current call.
	steps int
}

// New returns a new machine executing the functions of m. The global
// variables of m are allocated and initialized.
func New(m *ir.Module) (*Machine, error) {
	mc := &Machine{
		MaxSteps: DefaultMaxSteps,
		m:        m,
		funcs:    make(map[string]*ir.Func),
		hosts:    make(map[string]HostFunc),
		globals:  make(map[*ir.Global]uint64),
		mem:      make([]byte, 16),
	}
	for _, f := range m.Funcs {
		mc.funcs[f.Name()] = f
	}
	for _, g := range m.Globals {
		addr := mc.Alloc(sizeof(g.ContentType))
		mc.globals[g] = addr
		if g.Init == nil {
			continue
		}
		if err := mc.initGlobal(addr, g.Init); err != nil {
			return nil, errors.Wrapf(err, "unable to initialize global %q", g.Name())
		}
	}
	return mc, nil
}

// Bind binds the host function fn to the function of the given name; used
// when the function has no body.
func (mc *Machine) Bind(name string, fn HostFunc) {
	mc.hosts[name] = fn
}

// Alloc allocates n zero-initialized bytes of the arena, and returns the
// address of the allocated memory. Host allocations are never released, also
// when made by a host function during a call.
func (mc *Machine) Alloc(n int) uint64 {
	addr := mc.alloc(n)
	mc.pinned = len(mc.mem)
	return addr
}

// alloc allocates n zero-initialized bytes of the arena.
func (mc *Machine) alloc(n int) uint64 {
	// 16-byte alignment.
	if r := len(mc.mem) % 16; r != 0 {
		mc.mem = append(mc.mem, make([]byte, 16-r)...)
	}
	addr := uint64(len(mc.mem))
	mc.mem = append(mc.mem, make([]byte, n)...)
	return addr
}

// Load loads a little-endian value of size bytes from addr.
func (mc *Machine) Load(addr uint64, size int) (uint64, error) {
	buf, err := mc.slice(addr, size)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var tmp [8]byte
	copy(tmp[:], buf)
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

// Store stores the value v as a little-endian value of size bytes at addr.
func (mc *Machine) Store(addr uint64, size int, v uint64) error {
	buf, err := mc.slice(addr, size)
	if err != nil {
		return errors.WithStack(err)
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(buf, tmp[:])
	return nil
}

// CString returns the NUL-terminated string at addr.
func (mc *Machine) CString(addr uint64) (string, error) {
	for end := addr; end < uint64(len(mc.mem)); end++ {
		if mc.mem[end] == 0 {
			return string(mc.mem[addr:end]), nil
		}
	}
	return "", errors.Errorf("unterminated string at address 0x%X", addr)
}

// Call calls the function of the given name with the given arguments.
func (mc *Machine) Call(name string, args ...uint64) (uint64, error) {
	f, ok := mc.funcs[name]
	if !ok {
		return 0, errors.Errorf("unable to locate function %q", name)
	}
	mc.steps = 0
	return mc.call(f, args)
}

// slice returns the size bytes of the arena at addr.
func (mc *Machine) slice(addr uint64, size int) ([]byte, error) {
	if size > 8 {
		return nil, errors.Errorf("support for %d-byte memory access not yet implemented", size)
	}
	end := addr + uint64(size)
	if addr == 0 || end < addr || end > uint64(len(mc.mem)) {
		return nil, errors.Errorf("invalid memory access of %d bytes at address 0x%X", size, addr)
	}
	return mc.mem[addr:end], nil
}

// initGlobal stores the initializer of a global variable at addr.
func (mc *Machine) initGlobal(addr uint64, init constant.Constant) error {
	switch init := init.(type) {
	case *constant.CharArray:
		copy(mc.mem[addr:], init.X)
		return nil
	case *constant.Int:
		return mc.Store(addr, sizeof(init.Typ), intValue(init))
	case *constant.ZeroInitializer, *constant.Null:
		return nil
	}
	return errors.Errorf("support for initializer %T not yet implemented", init)
}

// frame is the activation record of a function call.
type frame struct {
	f *ir.Func
	// Maps from local value to its value.
	locals map[value.Value]uint64
}

// call calls f with the given arguments.
func (mc *Machine) call(f *ir.Func, args []uint64) (uint64, error) {
	if len(f.Blocks) == 0 {
		host, ok := mc.hosts[f.Name()]
		if !ok {
			return 0, errors.Errorf("unable to call %q; function has no body and no host binding", f.Name())
		}
		return host(mc, args)
	}
	if len(args) != len(f.Params) {
		return 0, errors.Errorf("unable to call %q; expected %d arguments, got %d", f.Name(), len(f.Params), len(args))
	}
	fr := &frame{
		f:      f,
		locals: make(map[value.Value]uint64),
	}
	for i, param := range f.Params {
		fr.locals[param] = args[i]
	}
	// Allocas are released on return, unless the host allocated memory after
	// them.
	mark := len(mc.mem)
	defer func() {
		mc.mem = mc.mem[:max(mark, mc.pinned)]
	}()
	var prev *ir.Block
	block := f.Blocks[0]
	for {
		for _, inst := range block.Insts {
			mc.steps++
			if mc.MaxSteps > 0 && mc.steps > mc.MaxSteps {
				return 0, errors.Errorf("step budget of %d instructions exhausted in %q", mc.MaxSteps, f.Name())
			}
			if err := mc.exec(fr, inst, prev); err != nil {
				return 0, errors.Wrapf(err, "unable to execute instruction of %q in basic block %s", f.Name(), block.Ident())
			}
		}
		next, ret, done, err := mc.term(fr, block.Term)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to execute terminator of %q in basic block %s", f.Name(), block.Ident())
		}
		if done {
			return ret, nil
		}
		prev, block = block, next
	}
}

// term executes the given terminator, and returns either the successor basic
// block or the returned value.
func (mc *Machine) term(fr *frame, term ir.Terminator) (next *ir.Block, ret uint64, done bool, err error) {
	switch term := term.(type) {
	case *ir.TermRet:
		if term.X == nil {
			return nil, 0, true, nil
		}
		v, err := mc.eval(fr, term.X)
		return nil, v, true, err
	case *ir.TermBr:
		next, err := targetBlock(term.Target)
		return next, 0, false, err
	case *ir.TermCondBr:
		cond, err := mc.eval(fr, term.Cond)
		if err != nil {
			return nil, 0, false, err
		}
		target := term.TargetFalse
		if cond != 0 {
			target = term.TargetTrue
		}
		next, err := targetBlock(target)
		return next, 0, false, err
	case *ir.TermSwitch:
		x, err := mc.eval(fr, term.X)
		if err != nil {
			return nil, 0, false, err
		}
		target := term.TargetDefault
		for _, c := range term.Cases {
			key, err := mc.eval(fr, c.X)
			if err != nil {
				return nil, 0, false, err
			}
			if key == x {
				target = c.Target
				break
			}
		}
		next, err := targetBlock(target)
		return next, 0, false, err
	case *ir.TermUnreachable:
		return nil, 0, false, errors.New("unreachable executed")
	}
	return nil, 0, false, errors.Errorf("support for terminator %T not yet implemented", term)
}

// exec executes the given instruction. prev is the predecessor basic block of
// the current basic block.
func (mc *Machine) exec(fr *frame, inst ir.Instruction, prev *ir.Block) error {
	switch inst := inst.(type) {
	case *ir.InstStore:
		v, err := mc.eval(fr, inst.Src)
		if err != nil {
			return err
		}
		addr, err := mc.eval(fr, inst.Dst)
		if err != nil {
			return err
		}
		return mc.Store(addr, sizeof(inst.Src.Type()), v)
	case *ir.InstAlloca:
		n := uint64(1)
		if inst.NElems != nil {
			var err error
			if n, err = mc.eval(fr, inst.NElems); err != nil {
				return err
			}
		}
		fr.locals[inst] = mc.alloc(sizeof(inst.ElemType) * int(n))
		return nil
	case *ir.InstPhi:
		for _, inc := range inst.Incs {
			if inc.Pred == prev {
				v, err := mc.eval(fr, inc.X)
				if err != nil {
					return err
				}
				fr.locals[inst] = v
				return nil
			}
		}
		return errors.Errorf("no incoming value of phi for predecessor %v", prev)
	case *ir.InstCall:
		callee, ok := inst.Callee.(*ir.Func)
		if !ok {
			return errors.Errorf("support for indirect calls not yet implemented")
		}
		var args []uint64
		for _, arg := range inst.Args {
			v, err := mc.eval(fr, arg)
			if err != nil {
				return err
			}
			args = append(args, v)
		}
		v, err := mc.call(callee, args)
		if err != nil {
			return err
		}
		fr.locals[inst] = mask(v, inst.Type())
		return nil
	}
	v, ok := inst.(value.Value)
	if !ok {
		return errors.Errorf("support for instruction %T not yet implemented", inst)
	}
	x, err := mc.compute(fr, v)
	if err != nil {
		return err
	}
	fr.locals[v] = x
	return nil
}

// compute computes the result of the given value instruction.
func (mc *Machine) compute(fr *frame, inst value.Value) (uint64, error) {
	ops := make([]uint64, 0, 3)
	var opTypes []types.Type
	for _, op := range operands(inst) {
		v, err := mc.eval(fr, op)
		if err != nil {
			return 0, err
		}
		ops = append(ops, v)
		opTypes = append(opTypes, op.Type())
	}
	typ := inst.Type()
	switch inst := inst.(type) {
	case *ir.InstAdd:
		return mask(ops[0]+ops[1], typ), nil
	case *ir.InstSub:
		return mask(ops[0]-ops[1], typ), nil
	case *ir.InstMul:
		return mask(ops[0]*ops[1], typ), nil
	case *ir.InstUDiv:
		if ops[1] == 0 {
			return 0, errors.New("integer division by zero")
		}
		return mask(ops[0]/ops[1], typ), nil
	case *ir.InstURem:
		if ops[1] == 0 {
			return 0, errors.New("integer division by zero")
		}
		return mask(ops[0]%ops[1], typ), nil
	case *ir.InstAnd:
		return ops[0] & ops[1], nil
	case *ir.InstOr:
		return ops[0] | ops[1], nil
	case *ir.InstXor:
		return mask(ops[0]^ops[1], typ), nil
	case *ir.InstShl:
		if ops[1] >= uint64(bits(typ)) {
			return 0, nil
		}
		return mask(ops[0]<<ops[1], typ), nil
	case *ir.InstLShr:
		if ops[1] >= uint64(bits(typ)) {
			return 0, nil
		}
		return ops[0] >> ops[1], nil
	case *ir.InstAShr:
		n := ops[1]
		if n >= uint64(bits(typ)) {
			n = uint64(bits(typ)) - 1
		}
		return mask(uint64(signExtend(ops[0], bits(typ))>>n), typ), nil
	case *ir.InstICmp:
		return icmp(inst.Pred, ops[0], ops[1], bits(opTypes[0]))
	case *ir.InstSelect:
		if ops[0] != 0 {
			return ops[1], nil
		}
		return ops[2], nil
	case *ir.InstTrunc, *ir.InstZExt, *ir.InstPtrToInt, *ir.InstIntToPtr, *ir.InstBitCast:
		return mask(ops[0], typ), nil
	case *ir.InstSExt:
		return mask(uint64(signExtend(ops[0], bits(opTypes[0]))), typ), nil
	case *ir.InstLoad:
		return mc.Load(ops[0], sizeof(inst.ElemType))
	case *ir.InstGetElementPtr:
		return gep(inst.ElemType, ops[0], ops[1:], opTypes[1:])
	}
	return 0, errors.Errorf("support for instruction %T not yet implemented", inst)
}

// eval returns the value of the given operand.
func (mc *Machine) eval(fr *frame, v value.Value) (uint64, error) {
	switch v := v.(type) {
	case *constant.Int:
		return intValue(v), nil
	case *constant.Null, *constant.ZeroInitializer, *constant.Undef:
		return 0, nil
	case *constant.ExprBitCast:
		return mc.eval(fr, v.From)
	case *constant.ExprPtrToInt:
		x, err := mc.eval(fr, v.From)
		return mask(x, v.To), err
	case *constant.ExprIntToPtr:
		return mc.eval(fr, v.From)
	case *ir.Global:
		addr, ok := mc.globals[v]
		if !ok {
			return 0, errors.Errorf("unable to locate global %q", v.Name())
		}
		return addr, nil
	}
	x, ok := fr.locals[v]
	if !ok {
		return 0, errors.Errorf("unable to locate value %v", v.Ident())
	}
	return x, nil
}

// ### [ Helper functions ] ####################################################

// operands returns the operands of the given value instruction, except for
// those handled by exec.
func operands(inst value.Value) []value.Value {
	switch inst := inst.(type) {
	case *ir.InstAdd:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstSub:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstMul:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstUDiv:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstURem:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstAnd:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstOr:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstXor:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstShl:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstLShr:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstAShr:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstICmp:
		return []value.Value{inst.X, inst.Y}
	case *ir.InstSelect:
		return []value.Value{inst.Cond, inst.ValueTrue, inst.ValueFalse}
	case *ir.InstTrunc:
		return []value.Value{inst.From}
	case *ir.InstZExt:
		return []value.Value{inst.From}
	case *ir.InstSExt:
		return []value.Value{inst.From}
	case *ir.InstPtrToInt:
		return []value.Value{inst.From}
	case *ir.InstIntToPtr:
		return []value.Value{inst.From}
	case *ir.InstBitCast:
		return []value.Value{inst.From}
	case *ir.InstLoad:
		return []value.Value{inst.Src}
	case *ir.InstGetElementPtr:
		return append([]value.Value{inst.Src}, inst.Indices...)
	}
	return nil
}

// targetBlock returns the basic block of a branch target.
func targetBlock(target value.Value) (*ir.Block, error) {
	block, ok := target.(*ir.Block)
	if !ok {
		return nil, errors.Errorf("invalid branch target %T", target)
	}
	return block, nil
}

// icmp returns the result of the integer comparison x pred y of n-bit
// integers.
func icmp(pred enum.IPred, x, y uint64, n int) (uint64, error) {
	sx, sy := signExtend(x, n), signExtend(y, n)
	var b bool
	switch pred {
	case enum.IPredEQ:
		b = x == y
	case enum.IPredNE:
		b = x != y
	case enum.IPredUGT:
		b = x > y
	case enum.IPredUGE:
		b = x >= y
	case enum.IPredULT:
		b = x < y
	case enum.IPredULE:
		b = x <= y
	case enum.IPredSGT:
		b = sx > sy
	case enum.IPredSGE:
		b = sx >= sy
	case enum.IPredSLT:
		b = sx < sy
	case enum.IPredSLE:
		b = sx <= sy
	default:
		return 0, errors.Errorf("support for integer predicate %v not yet implemented", pred)
	}
	if b {
		return 1, nil
	}
	return 0, nil
}

// gep returns the address computed by a getelementptr instruction on the base
// address with the given indices.
func gep(elemType types.Type, base uint64, indices []uint64, indexTypes []types.Type) (uint64, error) {
	if len(indices) == 0 {
		return base, nil
	}
	addr := base + uint64(signExtend(indices[0], bits(indexTypes[0]))*int64(sizeof(elemType)))
	t := elemType
	for i, idx := range indices[1:] {
		n := signExtend(idx, bits(indexTypes[i+1]))
		switch tt := t.(type) {
		case *types.StructType:
			if n < 0 || int(n) >= len(tt.Fields) {
				return 0, errors.Errorf("invalid field index %d of %v", n, tt)
			}
			addr += uint64(fieldOffset(tt, int(n)))
			t = tt.Fields[n]
		case *types.ArrayType:
			addr += uint64(n * int64(sizeof(tt.ElemType)))
			t = tt.ElemType
		default:
			return 0, errors.Errorf("support for getelementptr into %v not yet implemented", t)
		}
	}
	return addr, nil
}

// intValue returns the bit pattern of the given integer constant.
func intValue(c *constant.Int) uint64 {
	x := c.X
	if x.Sign() < 0 {
		return mask(uint64(x.Int64()), c.Typ)
	}
	if x.IsUint64() {
		return mask(x.Uint64(), c.Typ)
	}
	m := new(big.Int).And(x, new(big.Int).SetUint64(^uint64(0)))
	return mask(m.Uint64(), c.Typ)
}

// bits returns the size in number of bits of values of type t.
func bits(t types.Type) int {
	switch t := t.(type) {
	case *types.IntType:
		return int(t.BitSize)
	case *types.FloatType:
		return sizeof(t) * 8
	}
	return 64
}

// mask returns v truncated to the size of type t.
func mask(v uint64, t types.Type) uint64 {
	n := bits(t)
	if n >= 64 {
		return v
	}
	return v & (uint64(1)<<uint(n) - 1)
}

// signExtend returns the n-bit integer v sign-extended to 64 bits.
func signExtend(v uint64, n int) int64 {
	if n <= 0 || n >= 64 {
		return int64(v)
	}
	shift := uint(64 - n)
	return int64(v<<shift) >> shift
}

// sizeof returns the size in bytes of values of type t, using natural
// alignment of structure fields and 64-bit pointers.
func sizeof(t types.Type) int {
	switch t := t.(type) {
	case *types.IntType:
		return (int(t.BitSize) + 7) / 8
	case *types.PointerType:
		return 8
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindFloat:
			return 4
		case types.FloatKindDouble:
			return 8
		}
		return 16
	case *types.ArrayType:
		return int(t.Len) * sizeof(t.ElemType)
	case *types.StructType:
		if len(t.Fields) == 0 {
			return 0
		}
		end := fieldOffset(t, len(t.Fields)-1) + sizeof(t.Fields[len(t.Fields)-1])
		return align(end, alignof(t))
	}
	return 8
}

// alignof returns the alignment in bytes of values of type t.
func alignof(t types.Type) int {
	switch t := t.(type) {
	case *types.StructType:
		a := 1
		for _, field := range t.Fields {
			if fa := alignof(field); fa > a {
				a = fa
			}
		}
		return a
	case *types.ArrayType:
		return alignof(t.ElemType)
	}
	a := 1
	for a < sizeof(t) && a < 8 {
		a *= 2
	}
	return a
}

// fieldOffset returns the byte offset of the i:th field of the structure type
// t.
func fieldOffset(t *types.StructType, i int) int {
	off := 0
	for j, field := range t.Fields {
		if !t.Packed {
			off = align(off, alignof(field))
		}
		if j == i {
			return off
		}
		off += sizeof(field)
	}
	return off
}

// align returns n rounded up to a multiple of a.
func align(n, a int) int {
	if r := n % a; r != 0 {
		return n + a - r
	}
	return n
}
