// Package lifter implements the lifting pipeline; it declares the trace heads
// of a memory image, lifts the traces reachable from them, synthesizes the
// dispatcher and assembles the final module together with the intrinsics
// module.
package lifter

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/dispatch"
	lift "github.com/mewmew/tracelift/lift/x86"
	"github.com/mewmew/tracelift/link"
	"github.com/mewmew/tracelift/opt"
	"github.com/mewmew/tracelift/trace"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "lifter:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("lifter:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// SemanticsName is the name of the module holding traces while being lifted.
const SemanticsName = "semantics"

// Lifter is a lifting pipeline with loaded inputs.
type Lifter struct {
	cfg Config
	// Memory image of the executable code.
	img *bin.Image
	// Trace head addresses, in input order.
	heads bin.Addrs
	// Optional symbol names of trace heads.
	names bin.NameMap
}

// New returns a new lifting pipeline of the given configuration. Inputs are
// loaded once; configuration errors are reported as *ConfigError.
func New(cfg Config) (*Lifter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	inputs := []struct {
		role string
		path string
	}{
		{role: "code", path: cfg.CodePath},
		{role: "executable", path: cfg.ExePath},
		{role: "basic blocks", path: cfg.BlocksPath},
		{role: "name map", path: cfg.NameMapPath},
		{role: "intrinsics", path: cfg.IntrinsicsPath},
	}
	for _, input := range inputs {
		if len(input.path) > 0 && !osutil.Exists(input.path) {
			return nil, &ConfigError{Field: input.role + " file", Msg: fmt.Sprintf("unable to locate %s file %q", input.role, input.path)}
		}
	}
	l := &Lifter{cfg: cfg}
	var err error
	if len(cfg.ExePath) > 0 {
		if l.img, l.heads, err = bin.LoadPE(cfg.ExePath); err != nil {
			return nil, errors.WithStack(err)
		}
	} else {
		if l.img, err = bin.LoadImage(cfg.CodePath, cfg.CodeAddr); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if len(cfg.BlocksPath) > 0 {
		heads, err := bin.LoadAddrs(cfg.BlocksPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		l.heads = append(l.heads, heads...)
	}
	if len(cfg.NameMapPath) > 0 {
		if l.names, err = bin.LoadNameMap(cfg.NameMapPath); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, head := range l.heads {
		if !cfg.Arch.Fits(head) {
			warn.Printf("trace head %v exceeds the %d-bit program counter of %v", head, cfg.Arch.AddrSize, cfg.Arch)
		}
	}
	return l, nil
}

// Lift lifts the traces reachable from the trace heads and returns the final
// module. Each invocation lifts from scratch.
//
// If the final module uses intrinsics not implemented by the intrinsics
// module, it is returned together with a *link.MissingIntrinsicsError.
func (l *Lifter) Lift() (*ir.Module, error) {
	a := l.cfg.Arch
	sem := a.NewModule(SemanticsName)
	reg := trace.NewRegistry(sem, a, l.names)
	ts := a.DefineTypes(sem)
	in := abi.Declare(sem, ts, l.cfg.Prefix)
	// Declare every trace head before lifting, so that control transfers
	// between traces resolve to declarations.
	for _, head := range l.heads {
		reg.Declare(head)
	}
	tl := &lift.TraceLifter{
		Arch:       a,
		Manager:    reg,
		Memory:     l.img,
		Intrinsics: in,
	}
	for _, head := range l.heads {
		if err := tl.Lift(head); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	traces := reg.Defined()
	dbg.Printf("lifted %d of %d declared traces", len(traces), len(reg.Traces()))
	var lifted []*ir.Func
	for _, t := range traces {
		lifted = append(lifted, t.Func)
	}
	// Remove overwritten stores of the State structure before the traces
	// leave the semantics module.
	if err := opt.Optimize(sem, lifted, opt.Guide{EliminateDeadStores: true}); err != nil {
		return nil, errors.WithStack(err)
	}
	stubs := stubTraces(sem, reg, in)
	d, err := dispatch.Synthesize(sem, a, traces, dispatch.Config{
		Name:  l.cfg.Symbols.Dispatch,
		Error: in.Func(abi.Error),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	lifted = append(lifted, stubs...)
	lifted = append(lifted, d)
	intrinsics, err := l.loadIntrinsics()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	assembler := &link.Assembler{
		Arch:   a,
		Prefix: l.cfg.Prefix,
		Prune:  l.cfg.PruneIntrinsics,
	}
	m, err := assembler.Assemble(sem, lifted, intrinsics)
	if m == nil {
		return nil, errors.WithStack(err)
	}
	m.SourceFilename = l.sourceName()
	return m, err
}

// stubTraces defines the declared traces which were never lifted but are
// referenced by lifted code; the stubs report a missing block for the trace
// address. Stubs are not part of the dispatch table.
func stubTraces(sem *ir.Module, reg *trace.Registry, in *abi.Intrinsics) []*ir.Func {
	uses := opt.Uses(sem)
	var stubs []*ir.Func
	for _, t := range reg.Traces() {
		if t.Lifted || uses[t.Func] == 0 {
			continue
		}
		warn.Printf("trace %s referenced by lifted code but not lifted", t.Name)
		f := t.Func
		entry := f.NewBlock("")
		call := entry.NewCall(in.Func(abi.MissingBlock), f.Params[0], f.Params[1], f.Params[2])
		call.Tail = enum.TailTail
		entry.NewRet(call)
		f.Linkage = enum.LinkageInternal
		stubs = append(stubs, f)
	}
	return stubs
}

// loadIntrinsics loads the intrinsics module; LLVM IR assembly is parsed
// directly, and bitcode is first converted using llvm-dis. The default
// intrinsics module is returned if no intrinsics file is configured.
func (l *Lifter) loadIntrinsics() (*ir.Module, error) {
	path := l.cfg.IntrinsicsPath
	if len(path) == 0 {
		dbg.Printf("using default intrinsics module")
		return abi.NewModule(l.cfg.Arch, abi.HostTarget(), l.cfg.Symbols, l.cfg.Prefix), nil
	}
	dbg.Printf("loadIntrinsics(path = %q)", path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bc":
		src, err := disassemble(l.cfg.LLVMDis, path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to disassemble intrinsics file %q", path)
		}
		m, err := asm.ParseString(path, src)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse intrinsics file %q", path)
		}
		return m, nil
	default:
		m, err := asm.ParseFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse intrinsics file %q", path)
		}
		return m, nil
	}
}

// sourceName returns the source file name of the final module; the name of
// the code input.
func (l *Lifter) sourceName() string {
	if len(l.cfg.ExePath) > 0 {
		return filepath.Base(l.cfg.ExePath)
	}
	return filepath.Base(l.cfg.CodePath)
}
