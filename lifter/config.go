package lifter

import (
	"fmt"

	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
)

// Config is the configuration of a lifting pipeline.
type Config struct {
	// Architecture of lifted code.
	Arch *arch.Arch
	// Raw code file, mapped at CodeAddr. Mutually exclusive with ExePath.
	CodePath string
	CodeAddr bin.Addr
	// PE executable; its executable section is mapped at its virtual address,
	// and its entry point is a trace head. Mutually exclusive with CodePath.
	ExePath string
	// File listing trace head addresses; required unless ExePath is set.
	BlocksPath string
	// Optional file mapping trace head addresses to symbol names.
	NameMapPath string
	// Optional intrinsics module (".ll" or ".bc"); the default intrinsics
	// module is used if empty.
	IntrinsicsPath string
	// Output paths of the final module in LLVM IR assembly and bitcode form.
	// At least one is required.
	IROut string
	BCOut string
	// Reserved symbol prefix of intrinsics.
	Prefix string
	// Host symbols of the runtime.
	Symbols abi.Symbols
	// Remove intrinsics without uses from the final module.
	PruneIntrinsics bool
	// LLVM tools used to convert between LLVM IR assembly and bitcode.
	LLVMAs  string
	LLVMDis string
}

// DefaultConfig returns the default configuration, without input and output
// paths.
func DefaultConfig() Config {
	return Config{
		Arch:            arch.X86,
		Prefix:          abi.DefaultPrefix,
		Symbols:         abi.DefaultSymbols(),
		PruneIntrinsics: true,
		LLVMAs:          "llvm-as",
		LLVMDis:         "llvm-dis",
	}
}

// ConfigError is an invalid pipeline configuration, reported before any
// lifting work begins.
type ConfigError struct {
	// Configuration field name.
	Field string
	// Description of the error.
	Msg string
}

// Error returns the error message of the configuration error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration of %s; %s", e.Field, e.Msg)
}

// validate validates the configuration.
func (cfg *Config) validate() error {
	if cfg.Arch == nil {
		return &ConfigError{Field: "Arch", Msg: "architecture not specified"}
	}
	switch {
	case len(cfg.CodePath) == 0 && len(cfg.ExePath) == 0:
		return &ConfigError{Field: "CodePath", Msg: "code file or executable required"}
	case len(cfg.CodePath) > 0 && len(cfg.ExePath) > 0:
		return &ConfigError{Field: "ExePath", Msg: "code file and executable are mutually exclusive"}
	}
	if len(cfg.CodePath) > 0 && !cfg.Arch.Fits(cfg.CodeAddr) {
		return &ConfigError{Field: "CodeAddr", Msg: fmt.Sprintf("code address %v exceeds the %d-bit address space of %v", cfg.CodeAddr, cfg.Arch.AddrSize, cfg.Arch)}
	}
	if len(cfg.BlocksPath) == 0 && len(cfg.ExePath) == 0 {
		return &ConfigError{Field: "BlocksPath", Msg: "basic blocks file required"}
	}
	if len(cfg.IROut) == 0 && len(cfg.BCOut) == 0 {
		return &ConfigError{Field: "IROut", Msg: "at least one output path required"}
	}
	if len(cfg.Prefix) == 0 {
		return &ConfigError{Field: "Prefix", Msg: "empty intrinsic prefix"}
	}
	syms := []struct {
		field string
		name  string
	}{
		{field: "Symbols.Dispatch", name: cfg.Symbols.Dispatch},
		{field: "Symbols.Error", name: cfg.Symbols.Error},
		{field: "Symbols.Abort", name: cfg.Symbols.Abort},
		{field: "Symbols.AsyncHyperCall", name: cfg.Symbols.AsyncHyperCall},
		{field: "Symbols.SyncHyperCall", name: cfg.Symbols.SyncHyperCall},
	}
	seen := make(map[string]string)
	for _, sym := range syms {
		if len(sym.name) == 0 {
			return &ConfigError{Field: sym.field, Msg: "empty symbol name"}
		}
		if prev, ok := seen[sym.name]; ok {
			return &ConfigError{Field: sym.field, Msg: fmt.Sprintf("symbol name %q already used by %s", sym.name, prev)}
		}
		seen[sym.name] = sym.field
	}
	if len(cfg.BCOut) > 0 && len(cfg.LLVMAs) == 0 {
		return &ConfigError{Field: "LLVMAs", Msg: "llvm-as required for bitcode output"}
	}
	return nil
}
