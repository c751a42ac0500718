package lifter

import (
	"bytes"
	"io/ioutil"
	"os"
	"os/exec"

	"github.com/llir/llvm/ir"
	"github.com/mewmew/tracelift/link"
	"github.com/pkg/errors"
)

// Write writes the final module to the configured output paths; as LLVM IR
// assembly to IROut and as bitcode to BCOut.
func (l *Lifter) Write(m *ir.Module) error {
	src := m.String()
	if len(l.cfg.IROut) > 0 {
		dbg.Printf("writing LLVM IR assembly to %q", l.cfg.IROut)
		if err := ioutil.WriteFile(l.cfg.IROut, []byte(src), 0644); err != nil {
			return errors.Wrapf(err, "unable to write LLVM IR assembly file %q", l.cfg.IROut)
		}
	}
	if len(l.cfg.BCOut) > 0 {
		dbg.Printf("writing LLVM IR bitcode to %q", l.cfg.BCOut)
		if err := assemble(l.cfg.LLVMAs, src, l.cfg.BCOut); err != nil {
			return errors.Wrapf(err, "unable to write LLVM IR bitcode file %q", l.cfg.BCOut)
		}
	}
	return nil
}

// Run lifts the inputs of the given configuration and writes the final module
// to the configured output paths.
//
// If the final module uses intrinsics not implemented by the intrinsics
// module, the outputs are still written before the *link.MissingIntrinsicsError
// is returned.
func Run(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	m, err := l.Lift()
	if err != nil {
		if _, ok := err.(*link.MissingIntrinsicsError); !ok || m == nil {
			return errors.WithStack(err)
		}
		// Write partial output for inspection.
		if werr := l.Write(m); werr != nil {
			warn.Printf("unable to write partial output; %v", werr)
		}
		return err
	}
	if err := l.Write(m); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// assemble converts the given LLVM IR assembly to bitcode using llvm-as, and
// writes it to the given output path.
func assemble(llvmAs, src, out string) error {
	cmd := exec.Command(llvmAs, "-o", out, "-")
	cmd.Stdin = bytes.NewBufferString(src)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return errors.Wrapf(err, "%s failed: %s", llvmAs, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// disassemble converts the given bitcode file to LLVM IR assembly using
// llvm-dis.
func disassemble(llvmDis, path string) (string, error) {
	cmd := exec.Command(llvmDis, "-o", "-", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "%s failed: %s", llvmDis, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}
