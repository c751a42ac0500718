// Package opt implements a scoped optimizer of LLVM IR modules, which only
// mutates a given set of functions and leaves the rest of the module intact.
package opt

import (
	"io"
	"log"
	"os"

	"github.com/llir/llvm/ir"
	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "opt:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("opt:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// Guide selects the optimizations to run.
type Guide struct {
	// Eliminate stores overwritten later in straight-line code.
	EliminateDeadStores bool
	// Vectorization of straight-line code and loops; not supported by this
	// optimizer.
	SLPVectorize  bool
	LoopVectorize bool
	// Verify the functions in scope before optimizing.
	VerifyInput bool
}

// maxRounds is the maximum number of inlining rounds.
const maxRounds = 16

// Optimize optimizes the functions of scope, which are functions of m. Other
// functions of m are not modified. Function declarations in scope are
// ignored.
func Optimize(m *ir.Module, scope []*ir.Func, g Guide) error {
	if g.SLPVectorize || g.LoopVectorize {
		warn.Printf("vectorization not supported; ignoring SLPVectorize=%v LoopVectorize=%v", g.SLPVectorize, g.LoopVectorize)
	}
	var funcs []*ir.Func
	for _, f := range scope {
		if f.Parent != m {
			return errors.Errorf("unable to optimize function %q; not part of module %q", f.Name(), m.SourceFilename)
		}
		if len(f.Blocks) > 0 {
			funcs = append(funcs, f)
		}
	}
	if g.VerifyInput {
		if err := Verify(m, funcs); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, f := range funcs {
		for round := 0; round < maxRounds; round++ {
			if inlineCalls(f) == 0 {
				break
			}
		}
		stores := 0
		if g.EliminateDeadStores {
			stores = eliminateDeadStores(f)
		}
		n := eliminateDeadCode(f)
		dbg.Printf("optimized %s; removed %d dead stores and %d dead instructions", f.Name(), stores, n)
	}
	return nil
}

// Verify verifies the given function definitions of m; every basic block is
// terminated, branch targets are basic blocks of the same function, and
// called functions are part of m with a matching number of arguments.
func Verify(m *ir.Module, funcs []*ir.Func) error {
	inModule := make(map[*ir.Func]bool)
	for _, f := range m.Funcs {
		inModule[f] = true
	}
	for _, f := range funcs {
		blocks := make(map[*ir.Block]bool)
		for _, block := range f.Blocks {
			blocks[block] = true
		}
		for _, block := range f.Blocks {
			if block.Term == nil {
				return errors.Errorf("invalid function %q; basic block %s not terminated", f.Name(), block.Ident())
			}
			for _, inst := range block.Insts {
				call, ok := inst.(*ir.InstCall)
				if !ok {
					continue
				}
				callee, ok := call.Callee.(*ir.Func)
				if !ok {
					continue
				}
				if !inModule[callee] {
					return errors.Errorf("invalid function %q; callee %q not part of module", f.Name(), callee.Name())
				}
				if !callee.Sig.Variadic && len(call.Args) != len(callee.Params) {
					return errors.Errorf("invalid function %q; call to %q with %d arguments, expected %d", f.Name(), callee.Name(), len(call.Args), len(callee.Params))
				}
			}
			for _, op := range Operands(block.Term) {
				target, ok := (*op).(*ir.Block)
				if ok && !blocks[target] {
					return errors.Errorf("invalid function %q; branch to basic block %s of another function", f.Name(), target.Ident())
				}
			}
		}
	}
	return nil
}
