package emu

import (
	"fmt"

	"github.com/mewmew/tracelift/abi"
	"github.com/pkg/errors"
)

// Trampoline is a host implementation of a control transfer symbol.
type Trampoline func(mc *Machine, state, pc, memory uint64) (uint64, error)

// Trampolines holds the host implementations of control transfer symbols. A
// nil trampoline aborts when invoked.
type Trampolines struct {
	// Error trampoline; invoked for unknown program counter values and
	// instructions which could not be lifted.
	Error Trampoline
	// Hyper call trampolines.
	AsyncHyperCall Trampoline
	SyncHyperCall  Trampoline
	// Dispatcher; only used if the module does not define the dispatcher.
	Dispatch Trampoline
}

// BindRuntime binds the host symbols of syms and Go implementations of the
// intrinsics with the given prefix. The bindings are only used by functions
// without a body; intrinsics defined by the module execute as IR.
func (mc *Machine) BindRuntime(syms abi.Symbols, prefix string, tr Trampolines) {
	mc.Bind(syms.Abort, func(mc *Machine, args []uint64) (uint64, error) {
		reason, err := mc.CString(args[0])
		if err != nil {
			reason = fmt.Sprintf("abort at 0x%X", args[0])
		}
		return 0, &AbortError{Reason: reason}
	})
	hosts := []struct {
		name string
		t    Trampoline
	}{
		{name: syms.Dispatch, t: tr.Dispatch},
		{name: syms.Error, t: tr.Error},
		{name: syms.AsyncHyperCall, t: tr.AsyncHyperCall},
		{name: syms.SyncHyperCall, t: tr.SyncHyperCall},
	}
	for _, host := range hosts {
		mc.Bind(host.name, trampoline(host.name, host.t))
	}
	for _, intr := range abi.List() {
		name := prefix + intr.Name
		if intr.Unsupported {
			mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
				return 0, &AbortError{Reason: name + " is not implemented"}
			})
			continue
		}
		switch intr.Kind {
		case abi.KindRead:
			size := sizeof(intr.Type)
			mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
				return mc.Load(args[0]+args[1], size)
			})
		case abi.KindWrite:
			size := sizeof(intr.Type)
			mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
				return args[0], mc.Store(args[0]+args[1], size, args[2])
			})
		case abi.KindAtomic:
			mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
				return args[0], nil
			})
		case abi.KindUndefined:
			mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
				return 0, nil
			})
		case abi.KindControl:
			target := syms.Forward(intr.Name)
			if target == "" {
				mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
					return args[2], nil
				})
				continue
			}
			mc.Bind(name, func(mc *Machine, args []uint64) (uint64, error) {
				f, ok := mc.funcs[target]
				if !ok {
					return 0, errors.Errorf("unable to locate host symbol %q forwarded to by %q", target, name)
				}
				return mc.call(f, args)
			})
		}
	}
}

// trampoline returns a host function invoking t, or aborting if t is nil.
func trampoline(name string, t Trampoline) HostFunc {
	return func(mc *Machine, args []uint64) (uint64, error) {
		if len(args) != 3 {
			return 0, errors.Errorf("invalid number of arguments to %q; expected 3, got %d", name, len(args))
		}
		dbg.Printf("%s invoked at pc 0x%X", name, args[1])
		if t == nil {
			return 0, &AbortError{Reason: fmt.Sprintf("%s invoked at pc 0x%X", name, args[1])}
		}
		return t(mc, args[0], args[1], args[2])
	}
}

// IsAbort reports whether err was caused by the abort trampoline.
func IsAbort(err error) bool {
	_, ok := errors.Cause(err).(*AbortError)
	return ok
}
