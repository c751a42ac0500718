package arch

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
)

// Types holds the LLVM IR types of lifted code in a given module.
type Types struct {
	// State structure; the register file of the architecture.
	State *types.StructType
	// Opaque memory handle.
	Memory *types.StructType
	// Pointers to State and Memory; the only pointers crossing the boundary
	// between lifted code and the runtime.
	StatePtr  *types.PointerType
	MemoryPtr *types.PointerType
	// Program counter type.
	PC *types.IntType
	// Signature of lifted traces and the dispatcher;
	//
	//    %struct.Memory* (%struct.State*, iN, %struct.Memory*)
	Lifted *types.FuncType
}

// DefineTypes defines the types of lifted code in m, reusing type definitions
// already present in m by name. An opaque State definition is completed with
// the register file of the architecture.
func (a *Arch) DefineTypes(m *ir.Module) *Types {
	state := lookupStruct(m, StateName)
	if state == nil {
		state = types.NewStruct()
		m.NewTypeDef(StateName, state)
	}
	if state.Opaque || len(state.Fields) == 0 {
		state.Opaque = false
		state.Fields = a.stateFields()
	}
	mem := lookupStruct(m, MemoryName)
	if mem == nil {
		mem = &types.StructType{Opaque: true}
		m.NewTypeDef(MemoryName, mem)
	}
	ts := &Types{
		State:     state,
		Memory:    mem,
		StatePtr:  types.NewPointer(state),
		MemoryPtr: types.NewPointer(mem),
		PC:        a.PCType(),
	}
	ts.Lifted = types.NewFunc(ts.MemoryPtr, ts.StatePtr, ts.PC, ts.MemoryPtr)
	return ts
}

// stateFields returns the field types of the State structure.
func (a *Arch) stateFields() []types.Type {
	var fields []types.Type
	for _, reg := range a.Regs {
		fields = append(fields, types.NewInt(uint64(reg.Size)))
	}
	return fields
}

// Int returns an integer constant of type t with the bit pattern of the low
// bits of x. The constant is represented in signed form, so that the textual
// representation is valid for every integer width.
func Int(t *types.IntType, x uint64) *constant.Int {
	bits := t.BitSize
	if bits == 0 || bits >= 64 {
		return constant.NewInt(t, int64(x))
	}
	shift := 64 - bits
	return constant.NewInt(t, int64(x<<shift)>>shift)
}

// ### [ Helper functions ] ####################################################

// lookupStruct returns the structure type definition of the given name in m,
// or nil if not present.
func lookupStruct(m *ir.Module, name string) *types.StructType {
	for _, def := range m.TypeDefs {
		if def.Name() != name {
			continue
		}
		if st, ok := def.(*types.StructType); ok {
			return st
		}
	}
	return nil
}
