package link

import (
	"fmt"
	"sort"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/opt"
	"github.com/pkg/errors"
)

// LiftedCodeName is the name of the intermediate module of lifted code.
const LiftedCodeName = "lifted_code"

// Assembler assembles lifted code and the intrinsics module into the final
// module.
type Assembler struct {
	// Architecture of lifted code.
	Arch *arch.Arch
	// Reserved symbol prefix of intrinsics.
	Prefix string
	// Remove intrinsics without uses from the final module.
	Prune bool
	// Optimizations of lifted code. Vectorization is always disabled, and the
	// input is always verified.
	Guide opt.Guide
}

// MissingIntrinsicsError reports intrinsics used by lifted code that the
// intrinsics module does not implement.
type MissingIntrinsicsError struct {
	// Symbol names of missing intrinsics, in alphabetical order.
	Names []string
}

// Error returns the error message of the missing intrinsics.
func (e *MissingIntrinsicsError) Error() string {
	return fmt.Sprintf("missing implementation of intrinsics %s", strings.Join(e.Names, ", "))
}

// Assemble moves the lifted functions (traces and dispatcher) of sem into a
// new module of lifted code, links it into the intrinsics module, optimizes
// the lifted functions and prunes intrinsics. The intrinsics module is
// returned as the final module.
//
// If lifted code still uses intrinsics without a body after optimization, the
// final module is returned together with a *MissingIntrinsicsError.
func (a *Assembler) Assemble(sem *ir.Module, lifted []*ir.Func, intrinsics *ir.Module) (*ir.Module, error) {
	code := a.Arch.NewModule(LiftedCodeName)
	a.Arch.DefineTypes(code)
	for _, f := range lifted {
		if f.Parent != sem {
			return nil, errors.Errorf("unable to move function %q; not part of module %q", f.Name(), sem.SourceFilename)
		}
		if err := MoveFunc(f, code); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if err := Link(intrinsics, code); err != nil {
		return nil, errors.WithStack(err)
	}
	m := intrinsics
	g := a.Guide
	g.SLPVectorize = false
	g.LoopVectorize = false
	g.VerifyInput = true
	if err := opt.Optimize(m, lifted, g); err != nil {
		return nil, errors.WithStack(err)
	}
	missing := a.prune(m)
	for _, f := range m.Funcs {
		if !hasAttr(f, enum.FuncAttrUwtable) {
			f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrUwtable)
		}
	}
	if len(missing) > 0 {
		for _, name := range missing {
			warn.Printf("intrinsic %q used by lifted code but not implemented", name)
		}
		return m, &MissingIntrinsicsError{Names: missing}
	}
	return m, nil
}

// prune removes the intrinsics of m without uses if pruning is enabled, and
// returns the names of intrinsics with uses but without a body.
func (a *Assembler) prune(m *ir.Module) []string {
	for {
		uses := opt.Uses(m)
		var keep []*ir.Func
		removed := 0
		for _, f := range m.Funcs {
			if a.Prune && a.isIntrinsic(f) && uses[f] == 0 {
				dbg.Printf("pruning unused intrinsic %s", f.Name())
				removed++
				continue
			}
			keep = append(keep, f)
		}
		m.Funcs = keep
		if removed == 0 {
			break
		}
	}
	uses := opt.Uses(m)
	var missing []string
	for _, f := range m.Funcs {
		if a.isIntrinsic(f) && len(f.Blocks) == 0 && uses[f] > 0 {
			missing = append(missing, f.Name())
		}
	}
	sort.Strings(missing)
	return missing
}

// isIntrinsic reports whether f is an intrinsic.
func (a *Assembler) isIntrinsic(f *ir.Func) bool {
	return len(a.Prefix) > 0 && strings.HasPrefix(f.Name(), a.Prefix)
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
