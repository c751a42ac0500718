// The tracelift tool lifts traces of raw x86 machine code to a self-contained
// LLVM IR module, in which control transfers between traces go through a
// single dispatcher function.
//
// Separation of concern is handled through reliance on oracles, which provide
// the addresses of trace heads and optionally their symbol names.
//
// Usage:
//
//	tracelift [OPTION]...
//
// Flags:
//
//	-arch string
//	      architecture of lifted code (default "x86")
//	-basic_blocks_filename string
//	      file listing trace head addresses
//	-bc_out string
//	      output path of LLVM IR bitcode
//	-code_address value
//	      address of the first byte of the code file
//	-code_filename string
//	      raw code file
//	-exe string
//	      PE executable (alternative to -code_filename)
//	-intrinsics_filename string
//	      intrinsics module (.ll or .bc); default intrinsics if empty
//	-ir_out string
//	      output path of LLVM IR assembly
//	-name_map_filename string
//	      file mapping trace head addresses to symbol names
//	-prefix string
//	      reserved symbol prefix of intrinsics (default "__remill_")
//	-prune_intrinsics
//	      remove unused intrinsics from the output (default true)
//	-q    suppress non-error messages
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/dispatch"
	disasm "github.com/mewmew/tracelift/disasm/x86"
	lift "github.com/mewmew/tracelift/lift/x86"
	"github.com/mewmew/tracelift/lifter"
	"github.com/mewmew/tracelift/link"
	"github.com/mewmew/tracelift/opt"
	"github.com/mewmew/tracelift/trace"
)

var (
	// dbg is a logger which logs debug messages with "tracelift:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("tracelift:")+" ", 0)
)

func usage() {
	const use = `
Usage:

	tracelift [OPTION]...

Flags:
`
	fmt.Fprint(os.Stderr, use[1:])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments.
	cfg := lifter.DefaultConfig()
	var (
		// archName specifies the architecture of lifted code.
		archName string
		// quiet specifies whether to suppress non-error messages.
		quiet bool
	)
	flag.StringVar(&archName, "arch", cfg.Arch.Name, "architecture of lifted code")
	flag.StringVar(&cfg.BlocksPath, "basic_blocks_filename", "", "file listing trace head addresses")
	flag.StringVar(&cfg.BCOut, "bc_out", "", "output path of LLVM IR bitcode")
	flag.Var(&cfg.CodeAddr, "code_address", "address of the first byte of the code file")
	flag.StringVar(&cfg.CodePath, "code_filename", "", "raw code file")
	flag.StringVar(&cfg.ExePath, "exe", "", "PE executable (alternative to -code_filename)")
	flag.StringVar(&cfg.IntrinsicsPath, "intrinsics_filename", "", "intrinsics module (.ll or .bc); default intrinsics if empty")
	flag.StringVar(&cfg.IROut, "ir_out", "", "output path of LLVM IR assembly")
	flag.StringVar(&cfg.NameMapPath, "name_map_filename", "", "file mapping trace head addresses to symbol names")
	flag.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "reserved symbol prefix of intrinsics")
	flag.BoolVar(&cfg.PruneIntrinsics, "prune_intrinsics", cfg.PruneIntrinsics, "remove unused intrinsics from the output")
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(ioutil.Discard)
		bin.SetDebugOutput(ioutil.Discard)
		trace.SetDebugOutput(ioutil.Discard)
		disasm.SetDebugOutput(ioutil.Discard)
		lift.SetDebugOutput(ioutil.Discard)
		dispatch.SetDebugOutput(ioutil.Discard)
		opt.SetDebugOutput(ioutil.Discard)
		link.SetDebugOutput(ioutil.Discard)
		lifter.SetDebugOutput(ioutil.Discard)
	}
	a, err := arch.Lookup(archName)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	cfg.Arch = a

	// Lift traces.
	dbg.Printf("lifting traces of %s", inputName(cfg))
	if err := lifter.Run(cfg); err != nil {
		log.Fatalf("%+v", err)
	}
}

// inputName returns the path of the code input of the given configuration.
func inputName(cfg lifter.Config) string {
	if len(cfg.ExePath) > 0 {
		return cfg.ExePath
	}
	return cfg.CodePath
}
