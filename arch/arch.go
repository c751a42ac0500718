// Package arch describes the architecture of lifted code; its program counter
// width, register file and the target descriptors of modules holding lifted
// code.
package arch

import (
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

// Names of the opaque handle types shared by lifted code and the runtime.
const (
	StateName  = "struct.State"
	MemoryName = "struct.Memory"
)

// Arch is an architecture of lifted code.
type Arch struct {
	// Architecture name.
	Name string
	// Program counter width in number of bits; dispatch keys and address
	// operands of intrinsics have this width.
	AddrSize int
	// Processor mode of the instruction decoder (16, 32 or 64).
	Mode int
	// Target triple and data layout of modules prepared for the architecture.
	Triple     string
	DataLayout string
	// Register file of the State structure, in field order.
	Regs []Reg
}

// Reg is a field of the State structure.
type Reg struct {
	// Register name.
	Name string
	// Register size in number of bits.
	Size int
}

// archs maps from architecture name to architecture.
var archs = map[string]*Arch{
	X86.Name: X86,
}

// Lookup returns the architecture with the given name.
func Lookup(name string) (*Arch, error) {
	a, ok := archs[name]
	if !ok {
		var names []string
		for key := range archs {
			names = append(names, key)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unsupported architecture %q; expected one of %q", name, names)
	}
	return a, nil
}

// String returns the name of the architecture.
func (a *Arch) String() string {
	return a.Name
}

// PCType returns the integer type of program counter values.
func (a *Arch) PCType() *types.IntType {
	switch a.AddrSize {
	case 32:
		return types.I32
	case 64:
		return types.I64
	}
	return types.NewInt(uint64(a.AddrSize))
}

// Fits reports whether addr is representable as a program counter value.
func (a *Arch) Fits(addr bin.Addr) bool {
	return addr.Fits(a.AddrSize)
}

// Mask returns addr truncated to the program counter width.
func (a *Arch) Mask(addr bin.Addr) bin.Addr {
	return addr.Truncate(a.AddrSize)
}

// NewModule returns a new LLVM IR module prepared for code of the
// architecture; with its data layout and target triple set.
func (a *Arch) NewModule(name string) *ir.Module {
	m := ir.NewModule()
	m.SourceFilename = name
	m.DataLayout = a.DataLayout
	m.TargetTriple = a.Triple
	return m
}

// RegOffset returns the byte offset of the i:th register of the State
// structure, using natural alignment of fields.
func (a *Arch) RegOffset(i int) int {
	off := 0
	for j, reg := range a.Regs {
		size := reg.Size / 8
		if r := off % size; r != 0 {
			off += size - r
		}
		if j == i {
			return off
		}
		off += size
	}
	panic(errors.Errorf("invalid register index %d of architecture %v", i, a.Name))
}
