// The intrinsics tool writes the default intrinsics module of lifted code; an
// LLVM IR module implementing every intrinsic on a flat memory model and
// declaring the host symbols of the runtime.
//
// Usage:
//
//	intrinsics [OPTION]...
//
// Flags:
//
//	-arch string
//	      architecture of lifted code (default "x86")
//	-datalayout string
//	      data layout of the host
//	-o string
//	      output path (default standard output)
//	-prefix string
//	      reserved symbol prefix of intrinsics (default "__remill_")
//	-triple string
//	      target triple of the host
package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "intrinsics:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("intrinsics:")+" ", 0)
)

func usage() {
	const use = `
Usage:

	intrinsics [OPTION]...

Flags:
`
	fmt.Fprint(os.Stderr, use[1:])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments.
	host := abi.HostTarget()
	var (
		// archName specifies the architecture of lifted code.
		archName string
		// output specifies the output path.
		output string
		// prefix specifies the reserved symbol prefix of intrinsics.
		prefix string
		// quiet specifies whether to suppress non-error messages.
		quiet bool
	)
	flag.StringVar(&archName, "arch", arch.X86.Name, "architecture of lifted code")
	flag.StringVar(&host.DataLayout, "datalayout", host.DataLayout, "data layout of the host")
	flag.StringVar(&output, "o", "", "output path (default standard output)")
	flag.StringVar(&prefix, "prefix", abi.DefaultPrefix, "reserved symbol prefix of intrinsics")
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.StringVar(&host.Triple, "triple", host.Triple, "target triple of the host")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}
	if quiet {
		dbg.SetOutput(ioutil.Discard)
	}
	if err := writeIntrinsics(output, archName, prefix, host); err != nil {
		log.Fatalf("%+v", err)
	}
}

// writeIntrinsics writes the default intrinsics module of the given
// architecture to output, or to standard output if output is empty.
func writeIntrinsics(output, archName, prefix string, host abi.Target) error {
	a, err := arch.Lookup(archName)
	if err != nil {
		return errors.WithStack(err)
	}
	m := abi.NewModule(a, host, abi.DefaultSymbols(), prefix)
	var w io.Writer = os.Stdout
	if len(output) > 0 {
		f, err := os.Create(output)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		w = f
	}
	dbg.Printf("writing intrinsics of %v to %q", a, output)
	if _, err := io.WriteString(w, m.String()); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
