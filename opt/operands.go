package opt

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
)

// Operands returns pointers to the operands of the given instruction or
// terminator, which may be used to replace operands in place.
func Operands(v interface{}) []*value.Value {
	switch v := v.(type) {
	// Binary instructions.
	case *ir.InstAdd:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstSub:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstMul:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstUDiv:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstSDiv:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstURem:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstSRem:
		return []*value.Value{&v.X, &v.Y}
	// Bitwise instructions.
	case *ir.InstShl:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstLShr:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstAShr:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstAnd:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstOr:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstXor:
		return []*value.Value{&v.X, &v.Y}
	// Memory instructions.
	case *ir.InstAlloca:
		if v.NElems == nil {
			return nil
		}
		return []*value.Value{&v.NElems}
	case *ir.InstLoad:
		return []*value.Value{&v.Src}
	case *ir.InstStore:
		return []*value.Value{&v.Src, &v.Dst}
	case *ir.InstGetElementPtr:
		ops := []*value.Value{&v.Src}
		for i := range v.Indices {
			ops = append(ops, &v.Indices[i])
		}
		return ops
	// Conversion instructions.
	case *ir.InstTrunc:
		return []*value.Value{&v.From}
	case *ir.InstZExt:
		return []*value.Value{&v.From}
	case *ir.InstSExt:
		return []*value.Value{&v.From}
	case *ir.InstPtrToInt:
		return []*value.Value{&v.From}
	case *ir.InstIntToPtr:
		return []*value.Value{&v.From}
	case *ir.InstBitCast:
		return []*value.Value{&v.From}
	// Other instructions.
	case *ir.InstICmp:
		return []*value.Value{&v.X, &v.Y}
	case *ir.InstSelect:
		return []*value.Value{&v.Cond, &v.ValueTrue, &v.ValueFalse}
	case *ir.InstCall:
		ops := []*value.Value{&v.Callee}
		for i := range v.Args {
			ops = append(ops, &v.Args[i])
		}
		return ops
	// Terminators.
	case *ir.TermRet:
		if v.X == nil {
			return nil
		}
		return []*value.Value{&v.X}
	case *ir.TermBr:
		return []*value.Value{&v.Target}
	case *ir.TermCondBr:
		return []*value.Value{&v.Cond, &v.TargetTrue, &v.TargetFalse}
	case *ir.TermSwitch:
		ops := []*value.Value{&v.X, &v.TargetDefault}
		for _, c := range v.Cases {
			ops = append(ops, &c.X, &c.Target)
		}
		return ops
	case *ir.TermUnreachable:
		return nil
	}
	if v, ok := v.(interface{ Operands() []*value.Value }); ok {
		return v.Operands()
	}
	return nil
}

// Uses returns the number of uses of each value used as an operand by the
// functions of m.
func Uses(m *ir.Module) map[value.Value]int {
	uses := make(map[value.Value]int)
	for _, f := range m.Funcs {
		countUses(f, uses)
	}
	for _, g := range m.Globals {
		if g.Init != nil {
			uses[g.Init]++
		}
	}
	return uses
}

// countUses adds the number of uses of each value used as an operand by f to
// uses.
func countUses(f *ir.Func, uses map[value.Value]int) {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			for _, op := range Operands(inst) {
				if *op != nil {
					uses[*op]++
				}
			}
		}
		if block.Term == nil {
			continue
		}
		for _, op := range Operands(block.Term) {
			if *op != nil {
				uses[*op]++
			}
		}
	}
}

// ReplaceUses replaces every use of old in f with new.
func ReplaceUses(f *ir.Func, old, new value.Value) {
	replace := func(ops []*value.Value) {
		for _, op := range ops {
			if *op == old {
				*op = new
			}
		}
	}
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			replace(Operands(inst))
		}
		if block.Term != nil {
			replace(Operands(block.Term))
		}
	}
}
