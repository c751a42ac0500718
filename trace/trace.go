// Package trace keeps track of lifted traces; code regions starting at a trace
// head address, which are declared before they are lifted and defined once the
// lifter has attached a body to them.
package trace

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/llir/llvm/ir"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "trace:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("trace:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// Manager tracks the declarations and definitions of lifted traces on behalf
// of a trace lifter.
type Manager interface {
	// Declare returns the declaration of the trace at addr, declaring it if not
	// yet declared.
	Declare(addr bin.Addr) *ir.Func
	// Declaration returns the declaration of the trace at addr, if any.
	Declaration(addr bin.Addr) (*ir.Func, bool)
	// Definition returns the trace at addr if it has been lifted.
	Definition(addr bin.Addr) (*ir.Func, bool)
	// Define records that the declaration f of the trace at addr has been
	// given a body.
	Define(addr bin.Addr, f *ir.Func) error
	// Defined returns the lifted traces, sorted by address.
	Defined() []*Trace
}

// Trace is a code region with an entry address.
type Trace struct {
	// Entry address.
	Addr bin.Addr
	// Function of the lifted trace; owned by the module it was declared in.
	Func *ir.Func
	// Reports whether a body has been attached to Func.
	Lifted bool
	// Symbol name of Func.
	Name string
}

// String returns the string representation of the trace.
func (t *Trace) String() string {
	status := "declared"
	if t.Lifted {
		status = "defined"
	}
	return fmt.Sprintf("%s (%v, %s)", t.Name, t.Addr, status)
}

// Registry is a trace manager declaring lifted traces in a given module.
type Registry struct {
	// Module holding declared traces.
	m *ir.Module
	// Types of lifted code in m.
	ts *arch.Types
	// Optional symbol names of trace heads.
	names bin.NameMap
	// Maps from trace head address to trace.
	traces map[bin.Addr]*Trace
}

// NewRegistry returns a new trace registry declaring traces of the given
// architecture in m. names may be nil.
func NewRegistry(m *ir.Module, a *arch.Arch, names bin.NameMap) *Registry {
	return &Registry{
		m:      m,
		ts:     a.DefineTypes(m),
		names:  names,
		traces: make(map[bin.Addr]*Trace),
	}
}

// NameOf returns the symbol name of the trace at addr;
//
//    lifted_<name>_<hex address>
//
// where the "<name>_" part is present if the name map has an entry for addr,
// and the address is in lowercase hexadecimal without leading zeros.
func (r *Registry) NameOf(addr bin.Addr) string {
	return NameOf(addr, r.names)
}

// NameOf returns the symbol name of the trace at addr based on the given name
// map, which may be nil.
func NameOf(addr bin.Addr, names bin.NameMap) string {
	hex := strconv.FormatUint(uint64(addr), 16)
	if name, ok := names[addr]; ok && len(name) > 0 {
		return "lifted_" + name + "_" + hex
	}
	return "lifted_" + hex
}

// Declare returns the declaration of the trace at addr, declaring it if not
// yet declared.
func (r *Registry) Declare(addr bin.Addr) *ir.Func {
	if t, ok := r.traces[addr]; ok {
		return t.Func
	}
	name := r.NameOf(addr)
	params := []*ir.Param{
		ir.NewParam("state", r.ts.StatePtr),
		ir.NewParam("pc", r.ts.PC),
		ir.NewParam("memory", r.ts.MemoryPtr),
	}
	f := r.m.NewFunc(name, r.ts.MemoryPtr, params...)
	r.traces[addr] = &Trace{
		Addr: addr,
		Func: f,
		Name: name,
	}
	dbg.Printf("declare %s at %v", name, addr)
	return f
}

// Declaration returns the declaration of the trace at addr, if any.
func (r *Registry) Declaration(addr bin.Addr) (*ir.Func, bool) {
	t, ok := r.traces[addr]
	if !ok {
		return nil, false
	}
	return t.Func, true
}

// Definition returns the trace at addr if it has been lifted.
func (r *Registry) Definition(addr bin.Addr) (*ir.Func, bool) {
	t, ok := r.traces[addr]
	if !ok || !t.Lifted {
		return nil, false
	}
	return t.Func, true
}

// Define records that the declaration f of the trace at addr has been given a
// body. f must be the function returned by Declare for addr.
func (r *Registry) Define(addr bin.Addr, f *ir.Func) error {
	t, ok := r.traces[addr]
	if !ok {
		return errors.Errorf("unable to define trace at %v; trace not declared", addr)
	}
	if t.Func != f {
		return errors.Errorf("unable to define trace %s at %v; definition %q does not match declaration", t.Name, addr, f.Name())
	}
	if len(f.Blocks) == 0 {
		return errors.Errorf("unable to define trace %s at %v; function has no body", t.Name, addr)
	}
	if !t.Lifted {
		dbg.Printf("define %s at %v", t.Name, addr)
	}
	t.Lifted = true
	return nil
}

// Defined returns the lifted traces, sorted by address. Declared traces which
// have not been lifted are excluded.
func (r *Registry) Defined() []*Trace {
	var ts []*Trace
	for _, t := range r.Traces() {
		if t.Lifted {
			ts = append(ts, t)
		}
	}
	return ts
}

// Traces returns every declared trace, sorted by address.
func (r *Registry) Traces() []*Trace {
	ts := make([]*Trace, 0, len(r.traces))
	for _, t := range r.traces {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].Addr < ts[j].Addr
	})
	return ts
}
