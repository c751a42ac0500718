package opt

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"
)

// --- [ Inlining ] ------------------------------------------------------------

// inlineCalls inlines the calls of f to alwaysinline functions with a single
// basic block terminated by a return. The number of inlined calls is
// returned.
func inlineCalls(f *ir.Func) int {
	n := 0
	for _, block := range f.Blocks {
		var insts []ir.Instruction
		for _, inst := range block.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				insts = append(insts, inst)
				continue
			}
			body, ret, ok := inlineCall(call)
			if !ok {
				insts = append(insts, inst)
				continue
			}
			insts = append(insts, body...)
			if ret != nil {
				ReplaceUses(f, call, ret)
			}
			n++
		}
		block.Insts = insts
	}
	return n
}

// inlineCall returns a copy of the body of the function called by call, with
// parameters replaced by arguments, and the returned value. The boolean return
// value reports whether the call may be inlined.
func inlineCall(call *ir.InstCall) ([]ir.Instruction, value.Value, bool) {
	callee, ok := call.Callee.(*ir.Func)
	if !ok || !isAlwaysInline(callee) || len(callee.Blocks) != 1 {
		return nil, nil, false
	}
	if len(call.Args) != len(callee.Params) {
		return nil, nil, false
	}
	ret, ok := callee.Blocks[0].Term.(*ir.TermRet)
	if !ok {
		return nil, nil, false
	}
	vals := make(map[value.Value]value.Value)
	for i, param := range callee.Params {
		vals[param] = call.Args[i]
	}
	var body []ir.Instruction
	for _, inst := range callee.Blocks[0].Insts {
		c, ok := cloneInst(inst)
		if !ok {
			return nil, nil, false
		}
		for _, op := range Operands(c) {
			if v, ok := vals[*op]; ok {
				*op = v
			}
		}
		// The tail marker only holds when the call being inlined is itself a
		// tail call.
		if inner, ok := c.(*ir.InstCall); ok && call.Tail == enum.TailNone {
			inner.Tail = enum.TailNone
		}
		if v, ok := inst.(value.Value); ok {
			vals[v] = c.(value.Value)
		}
		body = append(body, c)
	}
	if ret.X == nil {
		return body, nil, true
	}
	if v, ok := vals[ret.X]; ok {
		return body, v, true
	}
	return body, ret.X, true
}

// cloneInst returns an unnamed copy of the given instruction. The boolean
// return value reports whether the instruction could be copied.
func cloneInst(inst ir.Instruction) (ir.Instruction, bool) {
	switch inst := inst.(type) {
	case *ir.InstAdd:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstSub:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstMul:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstShl:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstLShr:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstAShr:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstAnd:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstOr:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstXor:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstICmp:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstSelect:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstTrunc:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstZExt:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstSExt:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstPtrToInt:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstIntToPtr:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstBitCast:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstLoad:
		c := *inst
		c.SetName("")
		return &c, true
	case *ir.InstStore:
		c := *inst
		return &c, true
	case *ir.InstGetElementPtr:
		c := *inst
		c.SetName("")
		c.Indices = append([]value.Value(nil), inst.Indices...)
		return &c, true
	case *ir.InstCall:
		c := *inst
		c.SetName("")
		c.Args = append([]value.Value(nil), inst.Args...)
		return &c, true
	}
	return nil, false
}

// --- [ Dead store elimination ] ----------------------------------------------

// eliminateDeadStores removes the stores of f which are overwritten by a later
// store to the same location, with no instruction in between that may read
// the location. Straight-line code is followed across unconditional branches
// to basic blocks with a single predecessor. The number of removed stores is
// returned.
func eliminateDeadStores(f *ir.Func) int {
	preds := predecessors(f)
	local := localAllocas(f)
	dead := make(map[*ir.InstStore]bool)
	for _, block := range f.Blocks {
		// Chained blocks are visited from the head of their chain.
		if len(preds[block]) == 1 && chainSucc(preds[block][0], preds) == block {
			continue
		}
		findDeadStores(block, preds, local, dead)
	}
	if len(dead) == 0 {
		return 0
	}
	for _, block := range f.Blocks {
		var insts []ir.Instruction
		for _, inst := range block.Insts {
			if store, ok := inst.(*ir.InstStore); ok && dead[store] {
				continue
			}
			insts = append(insts, inst)
		}
		block.Insts = insts
	}
	return len(dead)
}

// findDeadStores adds the dead stores of the chain of basic blocks starting at
// head to dead.
func findDeadStores(head *ir.Block, preds map[*ir.Block][]*ir.Block, local map[value.Value]bool, dead map[*ir.InstStore]bool) {
	// Stores not yet read or overwritten.
	var pending []*ir.InstStore
	// keep removes the pending stores not satisfying pred.
	keep := func(pred func(s *ir.InstStore) bool) {
		var rest []*ir.InstStore
		for _, s := range pending {
			if pred(s) {
				rest = append(rest, s)
			}
		}
		pending = rest
	}
	visited := make(map[*ir.Block]bool)
	for block := head; block != nil && !visited[block]; block = chainSucc(block, preds) {
		visited[block] = true
		for _, inst := range block.Insts {
			switch inst := inst.(type) {
			case *ir.InstStore:
				if inst.Volatile {
					pending = nil
					continue
				}
				keep(func(s *ir.InstStore) bool {
					if mustAlias(s.Dst, inst.Dst) {
						dead[s] = true
						return false
					}
					return true
				})
				pending = append(pending, inst)
			case *ir.InstLoad:
				keep(func(s *ir.InstStore) bool {
					return !mayAlias(s.Dst, inst.Src, local)
				})
			case *ir.InstCall:
				if callee, ok := inst.Callee.(*ir.Func); ok && hasAttr(callee, enum.FuncAttrReadNone) {
					continue
				}
				// Callees may read any memory but non-escaping locals.
				keep(func(s *ir.InstStore) bool {
					return local[s.Dst]
				})
			}
		}
	}
}

// predecessors returns the predecessors of each basic block of f.
func predecessors(f *ir.Func) map[*ir.Block][]*ir.Block {
	preds := make(map[*ir.Block][]*ir.Block)
	for _, block := range f.Blocks {
		if block.Term == nil {
			continue
		}
		for _, op := range Operands(block.Term) {
			if target, ok := (*op).(*ir.Block); ok {
				preds[target] = append(preds[target], block)
			}
		}
	}
	return preds
}

// chainSucc returns the successor of block if block ends with an
// unconditional branch to a basic block with a single predecessor, and nil
// otherwise.
func chainSucc(block *ir.Block, preds map[*ir.Block][]*ir.Block) *ir.Block {
	br, ok := block.Term.(*ir.TermBr)
	if !ok {
		return nil
	}
	target, ok := br.Target.(*ir.Block)
	if !ok || len(preds[target]) != 1 {
		return nil
	}
	return target
}

// localAllocas returns the allocas of f which are only used as the source of
// loads and the destination of stores.
func localAllocas(f *ir.Func) map[value.Value]bool {
	local := make(map[value.Value]bool)
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			if alloca, ok := inst.(*ir.InstAlloca); ok {
				local[alloca] = true
			}
		}
	}
	escape := func(ops []*value.Value) {
		for _, op := range ops {
			delete(local, *op)
		}
	}
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			switch inst := inst.(type) {
			case *ir.InstLoad:
			case *ir.InstStore:
				escape([]*value.Value{&inst.Src})
			default:
				escape(Operands(inst))
			}
		}
		if block.Term != nil {
			escape(Operands(block.Term))
		}
	}
	return local
}

// mustAlias reports whether the pointers a and b refer to the same location.
func mustAlias(a, b value.Value) bool {
	if a == b {
		return true
	}
	src, ai, ok := constGEP(a)
	if !ok {
		return false
	}
	bsrc, bi, ok := constGEP(b)
	if !ok || src != bsrc || !sameElemType(a, b) || len(ai) != len(bi) {
		return false
	}
	return isPrefix(ai, bi)
}

// mayAlias reports whether the locations of the pointers a and b may overlap.
// Non-escaping locals of f are given by local.
func mayAlias(a, b value.Value, local map[value.Value]bool) bool {
	if a == b {
		return true
	}
	if local[a] || local[b] {
		return false
	}
	src, ai, ok := constGEP(a)
	if !ok {
		return true
	}
	bsrc, bi, ok := constGEP(b)
	if !ok || src != bsrc || !sameElemType(a, b) {
		return true
	}
	// Distinct index paths into the same aggregate only overlap if one
	// contains the other.
	return isPrefix(ai, bi) || isPrefix(bi, ai)
}

// constGEP returns the source pointer and constant indices of the given
// getelementptr instruction. The boolean return value reports whether v is a
// getelementptr instruction with constant indices.
func constGEP(v value.Value) (value.Value, []*constant.Int, bool) {
	gep, ok := v.(*ir.InstGetElementPtr)
	if !ok {
		return nil, nil, false
	}
	var indices []*constant.Int
	for _, index := range gep.Indices {
		c, ok := index.(*constant.Int)
		if !ok {
			return nil, nil, false
		}
		indices = append(indices, c)
	}
	return gep.Src, indices, true
}

// sameElemType reports whether the getelementptr instructions a and b index
// into the same element type.
func sameElemType(a, b value.Value) bool {
	return a.(*ir.InstGetElementPtr).ElemType.Equal(b.(*ir.InstGetElementPtr).ElemType)
}

// isPrefix reports whether the indices of a are a prefix of the indices of b.
func isPrefix(a, b []*constant.Int) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i].X.Cmp(b[i].X) != 0 {
			return false
		}
	}
	return true
}

// --- [ Dead code elimination ] -----------------------------------------------

// eliminateDeadCode removes the unused instructions of f without side effects,
// and returns the number of removed instructions.
func eliminateDeadCode(f *ir.Func) int {
	total := 0
	for {
		uses := make(map[value.Value]int)
		countUses(f, uses)
		n := 0
		for _, block := range f.Blocks {
			var insts []ir.Instruction
			for _, inst := range block.Insts {
				if v, ok := inst.(value.Value); ok && uses[v] == 0 && isPure(inst) {
					n++
					continue
				}
				insts = append(insts, inst)
			}
			block.Insts = insts
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// isPure reports whether the given instruction is free of side effects.
func isPure(inst ir.Instruction) bool {
	switch inst := inst.(type) {
	case *ir.InstStore:
		return false
	case *ir.InstLoad:
		return !inst.Volatile
	case *ir.InstCall:
		callee, ok := inst.Callee.(*ir.Func)
		return ok && hasAttr(callee, enum.FuncAttrReadNone)
	}
	return isKnown(inst)
}

// isKnown reports whether the given instruction is a value computation known
// to the optimizer.
func isKnown(inst ir.Instruction) bool {
	switch inst.(type) {
	case *ir.InstAdd, *ir.InstSub, *ir.InstMul, *ir.InstShl, *ir.InstLShr, *ir.InstAShr, *ir.InstAnd, *ir.InstOr, *ir.InstXor:
		return true
	case *ir.InstICmp, *ir.InstSelect, *ir.InstGetElementPtr, *ir.InstAlloca:
		return true
	case *ir.InstTrunc, *ir.InstZExt, *ir.InstSExt, *ir.InstPtrToInt, *ir.InstIntToPtr, *ir.InstBitCast:
		return true
	}
	return false
}

// ### [ Helper functions ] ####################################################

// isAlwaysInline reports whether f has the alwaysinline attribute.
func isAlwaysInline(f *ir.Func) bool {
	return hasAttr(f, enum.FuncAttrAlwaysInline)
}

// hasAttr reports whether f has the given function attribute.
func hasAttr(f *ir.Func, attr enum.FuncAttr) bool {
	for _, a := range f.FuncAttrs {
		if a == attr {
			return true
		}
	}
	return false
}
