package vmx

// MaxExtendedRegisterSize is the size of an XSAVE area.
const MaxExtendedRegisterSize = 4096

// XCR0 bits.
const (
	XCR0X87 = 1 << 0
	XCR0SSE = 1 << 1
	XCR0AVX = 1 << 2
)

// GuestState holds the guest registers that are not part of the VMCS.
// RSP, RIP and RFLAGS live in the page.
type GuestState struct {
	RAX uint64
	RCX uint64
	RDX uint64
	RBX uint64
	RBP uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	CR2  uint64
	XCR0 uint64
}

// ExtendedEnabled reports whether the guest uses XSAVE state beyond x87.
func (gs *GuestState) ExtendedEnabled() bool { return gs.XCR0 != XCR0X87 }

// CPUIDResult is the output of one CPUID leaf.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// Processor is the hardware contract the VCPU engine runs on. Pages are
// bound to logical CPUs with Load and released with Clear; a page must be
// resident on exactly one CPU while it is entered.
type Processor interface {
	// AllocPage allocates a VMCS page.
	AllocPage() (*Page, error)
	// FreePage releases a page that is not resident.
	FreePage(p *Page)

	// Load makes p the current VMCS on cpu.
	Load(p *Page, cpu int)
	// Clear flushes p from cpu.
	Clear(p *Page, cpu int)

	// Enter runs the guest until the next exit. The exit is recorded in
	// the page's exit fields. A non-nil error is an entry failure; the
	// VM-instruction error field holds the cause.
	Enter(p *Page, gs *GuestState, launched bool) error
	// Interrupt forces a guest running p on cpu to exit.
	Interrupt(p *Page, cpu int)

	// ReadMSR and WriteMSR access guest MSR state held by the processor.
	ReadMSR(p *Page, msr uint32) (uint64, error)
	WriteMSR(p *Page, msr uint32, v uint64) error

	// SaveExtended and RestoreExtended move the guest XSAVE area.
	SaveExtended(p *Page, buf []byte) error
	RestoreExtended(p *Page, buf []byte) error

	// CPUID returns the host's values for a leaf.
	CPUID(leaf, subleaf uint32) CPUIDResult

	// InvalidateVPID drops cached translations tagged with vpid.
	InvalidateVPID(vpid uint16)
	// InvalidateEPT drops cached translations derived from the EPT.
	InvalidateEPT(eptp uint64) error

	// TSCFrequency returns the TSC frequency in Hz.
	TSCFrequency() uint64
	// ReadTSC returns the current TSC value.
	ReadTSC() uint64
}
