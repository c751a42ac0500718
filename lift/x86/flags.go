package x86

import (
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
)

// flag returns the i:th status flag as a boolean.
func (tl *traceLifter) flag(i int) value.Value {
	return tl.cur.NewICmp(enum.IPredNE, tl.loadField(i), constant.NewInt(types.I8, 0))
}

// setFlag sets the i:th status flag to the given boolean.
func (tl *traceLifter) setFlag(i int, cond value.Value) {
	tl.storeField(i, tl.cur.NewZExt(cond, types.I8))
}

// clearFlag clears the i:th status flag.
func (tl *traceLifter) clearFlag(i int) {
	tl.storeField(i, constant.NewInt(types.I8, 0))
}

// undefFlag sets the i:th status flag to an undefined value.
func (tl *traceLifter) undefFlag(i int) {
	tl.storeField(i, tl.cur.NewCall(tl.intrinsic(abi.Undefined(8))))
}

// setResultFlags sets ZF and SF based on the result of an operation.
func (tl *traceLifter) setResultFlags(res value.Value) {
	zero := constant.NewInt(res.Type().(*types.IntType), 0)
	tl.setFlag(arch.ZF, tl.cur.NewICmp(enum.IPredEQ, res, zero))
	tl.setFlag(arch.SF, tl.cur.NewICmp(enum.IPredSLT, res, zero))
}

// setLogicFlags sets the status flags of a bitwise logic operation.
func (tl *traceLifter) setLogicFlags(res value.Value) {
	tl.clearFlag(arch.CF)
	tl.clearFlag(arch.OF)
	tl.setResultFlags(res)
}

// setAddFlags sets the status flags of res = a + b. CF is left unchanged
// unless carry is set.
func (tl *traceLifter) setAddFlags(a, b, res value.Value, carry bool) {
	if carry {
		tl.setFlag(arch.CF, tl.cur.NewICmp(enum.IPredULT, res, a))
	}
	// Overflow if both operands have a sign different from the result.
	ov := tl.cur.NewAnd(tl.cur.NewXor(a, res), tl.cur.NewXor(b, res))
	tl.setFlag(arch.OF, tl.isNeg(ov))
	tl.setResultFlags(res)
}

// setSubFlags sets the status flags of res = a - b. CF is left unchanged
// unless borrow is set.
func (tl *traceLifter) setSubFlags(a, b, res value.Value, borrow bool) {
	if borrow {
		tl.setFlag(arch.CF, tl.cur.NewICmp(enum.IPredULT, a, b))
	}
	// Overflow if the operands differ in sign and the result has the sign of
	// the subtrahend.
	ov := tl.cur.NewAnd(tl.cur.NewXor(a, b), tl.cur.NewXor(a, res))
	tl.setFlag(arch.OF, tl.isNeg(ov))
	tl.setResultFlags(res)
}

// isNeg reports whether the sign bit of v is set.
func (tl *traceLifter) isNeg(v value.Value) value.Value {
	zero := constant.NewInt(v.Type().(*types.IntType), 0)
	return tl.cur.NewICmp(enum.IPredSLT, v, zero)
}

// not returns the negation of the boolean cond.
func (tl *traceLifter) not(cond value.Value) value.Value {
	return tl.cur.NewXor(cond, constant.True)
}
