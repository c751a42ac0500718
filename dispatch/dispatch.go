// Package dispatch synthesizes the dispatcher of lifted code; the function
// which transfers control to the lifted trace of a given program counter.
package dispatch

import (
	"io"
	"log"
	"os"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "dispatch:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("dispatch:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// Config specifies the dispatcher to synthesize.
type Config struct {
	// Symbol name of the dispatcher.
	Name string
	// Error path of unknown program counter values; a function with the
	// signature of lifted traces (typically the error intrinsic).
	Error *ir.Func
}

// Synthesize defines the dispatcher in m, which switches on the program
// counter and tail calls the lifted trace of the matching address. Unknown
// program counter values are passed to the error path.
//
// Case keys have the program counter width of the architecture; addresses are
// truncated to that width, and two traces with the same truncated address is
// an error. Each dispatched trace is given internal linkage, leaving the
// dispatcher as the only externally visible lifted function.
func Synthesize(m *ir.Module, a *arch.Arch, traces []*trace.Trace, cfg Config) (*ir.Func, error) {
	if cfg.Error == nil {
		return nil, errors.Errorf("unable to synthesize dispatcher %q; missing error path", cfg.Name)
	}
	for _, f := range m.Funcs {
		if f.Name() == cfg.Name {
			return nil, errors.Errorf("unable to synthesize dispatcher %q; function already present in module", cfg.Name)
		}
	}
	ts := a.DefineTypes(m)
	f := m.NewFunc(cfg.Name, ts.MemoryPtr,
		ir.NewParam("state", ts.StatePtr),
		ir.NewParam("pc", ts.PC),
		ir.NewParam("memory", ts.MemoryPtr),
	)
	state, pc, memory := f.Params[0], f.Params[1], f.Params[2]
	entry := f.NewBlock("")
	fail := f.NewBlock("unknown")
	call := fail.NewCall(cfg.Error, state, pc, memory)
	call.Tail = enum.TailTail
	fail.NewRet(call)
	keys := make(map[bin.Addr]*trace.Trace)
	var cases []*ir.Case
	for _, t := range traces {
		if !t.Lifted || len(t.Func.Blocks) == 0 {
			return nil, errors.Errorf("unable to dispatch to trace %s; trace not defined", t.Name)
		}
		key := a.Mask(t.Addr)
		if !a.Fits(t.Addr) {
			warn.Printf("address %v of trace %s truncated to %d-bit dispatch key %v", t.Addr, t.Name, a.AddrSize, key)
		}
		if prev, ok := keys[key]; ok {
			return nil, errors.Errorf("unable to dispatch to trace %s; dispatch key %v already used by trace %s", t.Name, key, prev.Name)
		}
		keys[key] = t
		block := f.NewBlock("")
		tail := block.NewCall(t.Func, state, pc, memory)
		tail.Tail = enum.TailTail
		block.NewRet(tail)
		cases = append(cases, ir.NewCase(arch.Int(ts.PC, uint64(key)), block))
		t.Func.Linkage = enum.LinkageInternal
	}
	entry.NewSwitch(pc, fail, cases...)
	dbg.Printf("dispatcher %s with %d cases", cfg.Name, len(cases))
	return f, nil
}

// Cases returns the dispatch table of the given dispatcher; a map from
// dispatch key to lifted trace.
func Cases(f *ir.Func) (map[bin.Addr]*ir.Func, error) {
	if len(f.Blocks) == 0 {
		return nil, errors.Errorf("invalid dispatcher %q; missing body", f.Name())
	}
	sw, ok := f.Blocks[0].Term.(*ir.TermSwitch)
	if !ok {
		return nil, errors.Errorf("invalid dispatcher %q; expected switch terminator, got %T", f.Name(), f.Blocks[0].Term)
	}
	table := make(map[bin.Addr]*ir.Func)
	for _, c := range sw.Cases {
		key, ok := c.X.(*constant.Int)
		if !ok {
			return nil, errors.Errorf("invalid dispatcher %q; non-integer case key %v", f.Name(), c.X)
		}
		target, ok := c.Target.(*ir.Block)
		if !ok {
			return nil, errors.Errorf("invalid dispatcher %q; invalid case target %v", f.Name(), c.Target)
		}
		callee, err := tailCallee(target)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dispatcher %q", f.Name())
		}
		// Keys are stored in signed form.
		x := key.X.Uint64()
		if key.X.Sign() < 0 {
			x = uint64(key.X.Int64())
		}
		table[bin.Addr(x).Truncate(int(key.Typ.BitSize))] = callee
	}
	return table, nil
}

// ### [ Helper functions ] ####################################################

// tailCallee returns the function tail called by the given dispatch case.
func tailCallee(block *ir.Block) (*ir.Func, error) {
	for _, inst := range block.Insts {
		call, ok := inst.(*ir.InstCall)
		if !ok {
			continue
		}
		callee, ok := call.Callee.(*ir.Func)
		if !ok {
			return nil, errors.Errorf("indirect call in dispatch case %s", block.Ident())
		}
		return callee, nil
	}
	return nil, errors.Errorf("missing call in dispatch case %s", block.Ident())
}
