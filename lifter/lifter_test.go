package lifter

import (
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/mewmew/tracelift/abi"
	"github.com/mewmew/tracelift/arch"
	"github.com/mewmew/tracelift/bin"
	"github.com/mewmew/tracelift/dispatch"
	"github.com/mewmew/tracelift/emu"
	"github.com/mewmew/tracelift/internal/petest"
	lift "github.com/mewmew/tracelift/lift/x86"
	"github.com/mewmew/tracelift/link"
	"github.com/mewmew/tracelift/opt"
	"github.com/mewmew/tracelift/trace"
)

func init() {
	SetDebugOutput(ioutil.Discard)
	warn.SetOutput(ioutil.Discard)
	bin.SetDebugOutput(ioutil.Discard)
	trace.SetDebugOutput(ioutil.Discard)
	lift.SetDebugOutput(ioutil.Discard)
	dispatch.SetDebugOutput(ioutil.Discard)
	opt.SetDebugOutput(ioutil.Discard)
	link.SetDebugOutput(ioutil.Discard)
	emu.SetDebugOutput(ioutil.Discard)
}

// writeFile writes the given contents to name in dir, and returns its path.
func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("unable to write %q: %v", path, err)
	}
	return path
}

// newTestConfig returns a configuration lifting code mapped at 0x1000 with the
// given trace heads.
func newTestConfig(t *testing.T, code []byte, heads string) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CodePath = writeFile(t, dir, "code.bin", string(code))
	cfg.CodeAddr = 0x1000
	cfg.BlocksPath = writeFile(t, dir, "blocks.txt", heads)
	cfg.IROut = filepath.Join(dir, "out.ll")
	return cfg
}

// liftConfig lifts the given configuration, and returns the final module and its
// dispatch table.
func liftConfig(t *testing.T, cfg Config) (*ir.Module, map[bin.Addr]*ir.Func) {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	m, err := l.Lift()
	if err != nil {
		t.Fatalf("Lift: %+v", err)
	}
	return m, dispatchTable(t, m, cfg.Symbols.Dispatch)
}

// dispatchTable returns the dispatch table of the dispatcher of m.
func dispatchTable(t *testing.T, m *ir.Module, name string) map[bin.Addr]*ir.Func {
	t.Helper()
	f := lookupFunc(m, name)
	if f == nil {
		t.Fatalf("dispatcher %q not present in final module", name)
	}
	table, err := dispatch.Cases(f)
	if err != nil {
		t.Fatalf("Cases: %+v", err)
	}
	return table
}

// lookupFunc returns the function of the given name in m, or nil if not
// present.
func lookupFunc(m *ir.Module, name string) *ir.Func {
	for _, f := range m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// tableNames returns the symbol names of the given dispatch table.
func tableNames(table map[bin.Addr]*ir.Func) map[bin.Addr]string {
	names := make(map[bin.Addr]string)
	for addr, f := range table {
		names[addr] = f.Name()
	}
	return names
}

func TestNewConfigErrors(t *testing.T) {
	dir := t.TempDir()
	code := writeFile(t, dir, "code.bin", "\xC3")
	blocks := writeFile(t, dir, "blocks.txt", "0x1000")
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.CodePath = code
		cfg.CodeAddr = 0x1000
		cfg.BlocksPath = blocks
		cfg.IROut = filepath.Join(dir, "out.ll")
		return cfg
	}
	tests := []struct {
		name   string
		modify func(cfg *Config)
		field  string
	}{
		{name: "no architecture", modify: func(cfg *Config) { cfg.Arch = nil }, field: "Arch"},
		{name: "no code", modify: func(cfg *Config) { cfg.CodePath = "" }, field: "CodePath"},
		{name: "code and executable", modify: func(cfg *Config) { cfg.ExePath = code }, field: "ExePath"},
		{name: "wide code address", modify: func(cfg *Config) { cfg.CodeAddr = 0x100000000 }, field: "CodeAddr"},
		{name: "no basic blocks", modify: func(cfg *Config) { cfg.BlocksPath = "" }, field: "BlocksPath"},
		{name: "no output", modify: func(cfg *Config) { cfg.IROut = "" }, field: "IROut"},
		{name: "empty prefix", modify: func(cfg *Config) { cfg.Prefix = "" }, field: "Prefix"},
		{name: "duplicate symbol", modify: func(cfg *Config) { cfg.Symbols.Error = cfg.Symbols.Dispatch }, field: "Symbols.Error"},
		{name: "missing code file", modify: func(cfg *Config) { cfg.CodePath = filepath.Join(dir, "missing.bin") }, field: "code file"},
		{name: "missing name map", modify: func(cfg *Config) { cfg.NameMapPath = filepath.Join(dir, "missing.txt") }, field: "name map file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			_, err := New(cfg)
			cerr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("New: expected *ConfigError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("config error field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}
	if _, err := New(valid()); err != nil {
		t.Errorf("New: %+v", err)
	}
}

func TestLiftRet(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000")
	m, table := liftConfig(t, cfg)
	if diff := cmp.Diff(map[bin.Addr]string{0x1000: "lifted_1000"}, tableNames(table)); diff != "" {
		t.Fatalf("dispatch table mismatch (-want +got):\n%s", diff)
	}

	mc, err := emu.New(m)
	if err != nil {
		t.Fatalf("emu.New: %+v", err)
	}
	var errorPCs []uint64
	mc.BindRuntime(cfg.Symbols, cfg.Prefix, emu.Trampolines{
		Error: func(mc *emu.Machine, state, pc, memory uint64) (uint64, error) {
			errorPCs = append(errorPCs, pc)
			return memory, nil
		},
	})
	state := mc.Alloc(64)
	mem := mc.Alloc(0x100)
	esp := state + uint64(arch.X86.RegOffset(arch.ESP))
	eip := state + uint64(arch.X86.RegOffset(arch.EIP))
	if err := mc.Store(esp, 4, 0x10); err != nil {
		t.Fatalf("Store: %+v", err)
	}
	// Return address.
	if err := mc.Store(mem+0x10, 4, 0xDEAD); err != nil {
		t.Fatalf("Store: %+v", err)
	}

	got, err := mc.Call(cfg.Symbols.Dispatch, state, 0x1000, mem)
	if err != nil {
		t.Fatalf("dispatch(0x1000): %+v", err)
	}
	if got != mem {
		t.Errorf("dispatch(0x1000) = %#x, want memory handle %#x", got, mem)
	}
	if len(errorPCs) != 0 {
		t.Errorf("error trampoline invoked for pc %#x", errorPCs)
	}
	if v, _ := mc.Load(esp, 4); v != 0x14 {
		t.Errorf("esp = %#x, want 0x14", v)
	}
	if v, _ := mc.Load(eip, 4); v != 0xDEAD {
		t.Errorf("eip = %#x, want 0xDEAD", v)
	}

	// One past the highest trace.
	got, err = mc.Call(cfg.Symbols.Dispatch, state, 0x1001, mem)
	if err != nil {
		t.Fatalf("dispatch(0x1001): %+v", err)
	}
	if got != mem {
		t.Errorf("dispatch(0x1001) = %#x, want memory handle %#x", got, mem)
	}
	if diff := cmp.Diff([]uint64{0x1001}, errorPCs); diff != "" {
		t.Errorf("error trampoline invocations mismatch (-want +got):\n%s", diff)
	}
}

func TestLiftExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := petest.Build(petest.File{
		ImageBase: 0x400000,
		Entry:     0x1000,
		Sections: []petest.Section{
			// 0x401000: ret
			// 0x401001: ret
			petest.Text(0x1000, []byte{0xC3, 0xC3}),
			petest.Data(0x2000, []byte{0xFF}),
		},
	})
	cfg := DefaultConfig()
	cfg.ExePath = writeFile(t, dir, "test.exe", string(exe))
	cfg.IROut = filepath.Join(dir, "out.ll")
	tests := []struct {
		name   string
		blocks string
		want   map[bin.Addr]string
	}{
		{
			name: "entry point",
			want: map[bin.Addr]string{0x401000: "lifted_401000"},
		},
		{
			name:   "entry point and basic blocks",
			blocks: "0x401001\n",
			want: map[bin.Addr]string{
				0x401000: "lifted_401000",
				0x401001: "lifted_401001",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cfg
			if len(tt.blocks) > 0 {
				cfg.BlocksPath = writeFile(t, dir, "blocks.txt", tt.blocks)
			}
			m, table := liftConfig(t, cfg)
			if diff := cmp.Diff(tt.want, tableNames(table)); diff != "" {
				t.Errorf("dispatch table mismatch (-want +got):\n%s", diff)
			}
			if got, want := m.SourceFilename, "test.exe"; got != want {
				t.Errorf("source filename = %q, want %q", got, want)
			}
		})
	}
}

func TestLiftUnknownPCAborts(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000")
	m, _ := liftConfig(t, cfg)
	mc, err := emu.New(m)
	if err != nil {
		t.Fatalf("emu.New: %+v", err)
	}
	// No error trampoline; the default trampoline aborts.
	mc.BindRuntime(cfg.Symbols, cfg.Prefix, emu.Trampolines{})
	state := mc.Alloc(64)
	mem := mc.Alloc(0x10)
	_, err = mc.Call(cfg.Symbols.Dispatch, state, 0x1001, mem)
	if !emu.IsAbort(err) {
		t.Errorf("dispatch(0x1001): expected abort, got %v", err)
	}
}

func TestLiftUnreadableHead(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000 0x5000")
	m, table := liftConfig(t, cfg)
	if diff := cmp.Diff(map[bin.Addr]string{0x1000: "lifted_1000"}, tableNames(table)); diff != "" {
		t.Errorf("dispatch table mismatch (-want +got):\n%s", diff)
	}
	if f := lookupFunc(m, "lifted_5000"); f != nil {
		t.Errorf("undefined trace %q present in final module", f.Name())
	}
}

func TestLiftMissingTarget(t *testing.T) {
	// 0x1000: jmp 0x5000
	// 0x1005: ret
	code := []byte{0xE9, 0xFB, 0x3F, 0x00, 0x00, 0xC3}
	cfg := newTestConfig(t, code, "0x1000 0x5000")
	m, table := liftConfig(t, cfg)
	if diff := cmp.Diff(map[bin.Addr]string{0x1000: "lifted_1000"}, tableNames(table)); diff != "" {
		t.Errorf("dispatch table mismatch (-want +got):\n%s", diff)
	}
	stub := lookupFunc(m, "lifted_5000")
	if stub == nil {
		t.Fatal("referenced trace lifted_5000 not present in final module")
	}
	if len(stub.Blocks) == 0 {
		t.Error("referenced trace lifted_5000 has no body")
	}
	mc, err := emu.New(m)
	if err != nil {
		t.Fatalf("emu.New: %+v", err)
	}
	var errorPCs []uint64
	mc.BindRuntime(cfg.Symbols, cfg.Prefix, emu.Trampolines{
		Error: func(mc *emu.Machine, state, pc, memory uint64) (uint64, error) {
			errorPCs = append(errorPCs, pc)
			return memory, nil
		},
	})
	state := mc.Alloc(64)
	mem := mc.Alloc(0x10)
	if _, err := mc.Call(cfg.Symbols.Dispatch, state, 0x1000, mem); err != nil {
		t.Fatalf("dispatch(0x1000): %+v", err)
	}
	// The missing block re-enters the dispatcher, which does not know 0x5000.
	if diff := cmp.Diff([]uint64{0x5000}, errorPCs); diff != "" {
		t.Errorf("error trampoline invocations mismatch (-want +got):\n%s", diff)
	}
}

func TestLiftDeterminism(t *testing.T) {
	// 0x1000: call 0x1006
	// 0x1005: ret
	// 0x1006: ret
	code := []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0xC3}
	cfg := newTestConfig(t, code, "0x1000")
	cfg.NameMapPath = writeFile(t, filepath.Dir(cfg.BlocksPath), "names.txt", "0x1006 callee\n")
	names, err := bin.LoadNameMap(cfg.NameMapPath)
	if err != nil {
		t.Fatalf("LoadNameMap: %+v", err)
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	var tables []map[bin.Addr]string
	for i := 0; i < 2; i++ {
		m, err := l.Lift()
		if err != nil {
			t.Fatalf("Lift: %+v", err)
		}
		table := tableNames(dispatchTable(t, m, cfg.Symbols.Dispatch))
		// The symbol of each case agrees with the naming scheme.
		for addr, name := range table {
			if want := trace.NameOf(addr, names); name != want {
				t.Errorf("case %v calls %q, want %q", addr, name, want)
			}
		}
		tables = append(tables, table)
	}
	want := map[bin.Addr]string{
		0x1000: "lifted_1000",
		0x1006: "lifted_callee_1006",
	}
	if diff := cmp.Diff(want, tables[0]); diff != "" {
		t.Errorf("dispatch table mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tables[0], tables[1]); diff != "" {
		t.Errorf("dispatch tables of two runs differ (-first +second):\n%s", diff)
	}
}

// fieldStores returns the constant integers stored to the i:th field of the
// State structure by f, in order.
func fieldStores(f *ir.Func, i int) []int64 {
	var vals []int64
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			store, ok := inst.(*ir.InstStore)
			if !ok {
				continue
			}
			gep, ok := store.Dst.(*ir.InstGetElementPtr)
			if !ok || len(gep.Indices) == 0 {
				continue
			}
			idx, ok := gep.Indices[len(gep.Indices)-1].(*constant.Int)
			if !ok || idx.X.Int64() != int64(i) {
				continue
			}
			if c, ok := store.Src.(*constant.Int); ok {
				vals = append(vals, c.X.Int64())
			}
		}
	}
	return vals
}

func TestLiftDeadRegisterStore(t *testing.T) {
	// 0x1000: mov eax, 1
	// 0x1005: mov eax, 2
	// 0x100A: ret
	code := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xB8, 0x02, 0x00, 0x00, 0x00, 0xC3}
	cfg := newTestConfig(t, code, "0x1000")
	m, _ := liftConfig(t, cfg)
	f := lookupFunc(m, "lifted_1000")
	if f == nil {
		t.Fatal("trace lifted_1000 not present in final module")
	}
	if diff := cmp.Diff([]int64{2}, fieldStores(f, arch.EAX)); diff != "" {
		t.Errorf("stores to eax mismatch (-want +got):\n%s", diff)
	}

	mc, err := emu.New(m)
	if err != nil {
		t.Fatalf("emu.New: %+v", err)
	}
	mc.BindRuntime(cfg.Symbols, cfg.Prefix, emu.Trampolines{})
	state := mc.Alloc(64)
	mem := mc.Alloc(0x100)
	esp := state + uint64(arch.X86.RegOffset(arch.ESP))
	eax := state + uint64(arch.X86.RegOffset(arch.EAX))
	if err := mc.Store(esp, 4, 0x10); err != nil {
		t.Fatalf("Store: %+v", err)
	}
	if _, err := mc.Call(cfg.Symbols.Dispatch, state, 0x1000, mem); err != nil {
		t.Fatalf("dispatch(0x1000): %+v", err)
	}
	if v, _ := mc.Load(eax, 4); v != 2 {
		t.Errorf("eax = %#x, want 0x2", v)
	}
}

// writeIntrinsics writes the default intrinsics module without the given
// intrinsics to dir, and returns its path.
func writeIntrinsics(t *testing.T, dir string, omit ...string) string {
	t.Helper()
	m := abi.NewModule(arch.X86, abi.HostTarget(), abi.DefaultSymbols(), abi.DefaultPrefix)
	skip := make(map[string]bool)
	for _, name := range omit {
		skip[abi.DefaultPrefix+name] = true
	}
	var funcs []*ir.Func
	for _, f := range m.Funcs {
		if !skip[f.Name()] {
			funcs = append(funcs, f)
		}
	}
	m.Funcs = funcs
	return writeFile(t, dir, "intrinsics.ll", m.String())
}

func TestRun(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000")
	cfg.IntrinsicsPath = writeIntrinsics(t, filepath.Dir(cfg.IROut))
	if err := Run(cfg); err != nil {
		t.Fatalf("Run: %+v", err)
	}
	buf, err := ioutil.ReadFile(cfg.IROut)
	if err != nil {
		t.Fatalf("unable to read output: %v", err)
	}
	out := string(buf)
	for _, want := range []string{"@lifted_1000(", "@tracelift_dispatch(", "uwtable"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q", want)
		}
	}
	if strings.Contains(out, "@__remill_read_memory_f80(") {
		t.Error("output contains unused intrinsic __remill_read_memory_f80")
	}
}

func TestRunMissingIntrinsic(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000")
	cfg.IntrinsicsPath = writeIntrinsics(t, filepath.Dir(cfg.IROut), abi.ReadMemory(32))
	err := Run(cfg)
	merr, ok := err.(*link.MissingIntrinsicsError)
	if !ok {
		t.Fatalf("Run: expected *link.MissingIntrinsicsError, got %v", err)
	}
	if diff := cmp.Diff([]string{"__remill_read_memory_32"}, merr.Names); diff != "" {
		t.Errorf("missing intrinsics mismatch (-want +got):\n%s", diff)
	}
	// Output is still written.
	if _, err := os.Stat(cfg.IROut); err != nil {
		t.Errorf("output not written: %v", err)
	}
}

func TestRunBitcode(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000")
	for _, tool := range []string{cfg.LLVMAs, cfg.LLVMDis} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found", tool)
		}
	}
	dir := filepath.Dir(cfg.IROut)
	intrinsics := abi.NewModule(arch.X86, abi.HostTarget(), cfg.Symbols, cfg.Prefix)
	cfg.IntrinsicsPath = filepath.Join(dir, "intrinsics.bc")
	if err := assemble(cfg.LLVMAs, intrinsics.String(), cfg.IntrinsicsPath); err != nil {
		t.Fatalf("assemble: %+v", err)
	}
	cfg.IROut = ""
	cfg.BCOut = filepath.Join(dir, "out.bc")
	if err := Run(cfg); err != nil {
		t.Fatalf("Run: %+v", err)
	}
	out, err := disassemble(cfg.LLVMDis, cfg.BCOut)
	if err != nil {
		t.Fatalf("disassemble: %+v", err)
	}
	for _, want := range []string{"@lifted_1000(", "@tracelift_dispatch(", "uwtable"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q", want)
		}
	}
}

func TestRunBitcodeFailure(t *testing.T) {
	cfg := newTestConfig(t, []byte{0xC3}, "0x1000")
	cfg.BCOut = filepath.Join(filepath.Dir(cfg.IROut), "out.bc")
	cfg.LLVMAs = filepath.Join(filepath.Dir(cfg.IROut), "missing-llvm-as")
	if err := Run(cfg); err == nil {
		t.Fatal("Run: expected error for missing llvm-as")
	}
	if _, err := os.Stat(cfg.BCOut); !os.IsNotExist(err) {
		t.Errorf("bitcode output left behind: %v", err)
	}
}
