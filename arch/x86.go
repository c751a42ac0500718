package arch

// X86 is the 32-bit x86 architecture.
var X86 = &Arch{
	Name:       "x86",
	AddrSize:   32,
	Mode:       32,
	Triple:     "i386-unknown-linux-gnu",
	DataLayout: "e-m:e-p:32:32-p270:32:32-p271:32:32-p272:64:64-f64:32:64-f80:32-n8:16:32-S128",
	Regs: []Reg{
		{Name: "eax", Size: 32},
		{Name: "ecx", Size: 32},
		{Name: "edx", Size: 32},
		{Name: "ebx", Size: 32},
		{Name: "esp", Size: 32},
		{Name: "ebp", Size: 32},
		{Name: "esi", Size: 32},
		{Name: "edi", Size: 32},
		{Name: "eip", Size: 32},
		{Name: "hyper_call_vector", Size: 32},
		{Name: "cf", Size: 8},
		{Name: "zf", Size: 8},
		{Name: "sf", Size: 8},
		{Name: "of", Size: 8},
	},
}

// Field indices of the x86 State structure. The general purpose registers are
// in x86asm encoding order.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP
	HyperCallVector
	CF
	ZF
	SF
	OF
)
