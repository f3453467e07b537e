// Package vmx models the Intel VMX hardware contract used by the hypervisor
// core: VMCS fields, exit reasons, control bits and the Processor interface
// implemented by the execution backends.
package vmx

// Field is a VMCS field encoding.
type Field uint32

// 16-bit fields.
const (
	VPID              Field = 0x0000
	GuestESSelector   Field = 0x0800
	GuestCSSelector   Field = 0x0802
	GuestSSSelector   Field = 0x0804
	GuestDSSelector   Field = 0x0806
	GuestFSSelector   Field = 0x0808
	GuestGSSelector   Field = 0x080a
	GuestLDTRSelector Field = 0x080c
	GuestTRSelector   Field = 0x080e
)

// 64-bit fields.
const (
	MSRBitmapsAddress    Field = 0x2004
	EPTPointerField      Field = 0x201a
	GuestPhysicalAddress Field = 0x2400
	VMCSLinkPointer      Field = 0x2800
	GuestIA32PAT         Field = 0x2804
	GuestIA32EFER        Field = 0x2806
)

// 32-bit fields.
const (
	PinbasedCtls               Field = 0x4000
	ProcbasedCtls              Field = 0x4002
	ExceptionBitmap            Field = 0x4004
	ExitCtls                   Field = 0x400c
	EntryCtls                  Field = 0x4012
	EntryInterruptionInfo      Field = 0x4016
	EntryExceptionErrorCode    Field = 0x4018
	EntryInstructionLength     Field = 0x401a
	ProcbasedCtls2             Field = 0x401e
	VMInstructionError         Field = 0x4400
	ExitReasonField            Field = 0x4402
	ExitInterruptionInfo       Field = 0x4404
	ExitInterruptionErrorCode  Field = 0x4406
	ExitInstructionLength      Field = 0x440c
	ExitInstructionInfo        Field = 0x440e
	GuestESLimit               Field = 0x4800
	GuestCSLimit               Field = 0x4802
	GuestSSLimit               Field = 0x4804
	GuestDSLimit               Field = 0x4806
	GuestFSLimit               Field = 0x4808
	GuestGSLimit               Field = 0x480a
	GuestLDTRLimit             Field = 0x480c
	GuestTRLimit               Field = 0x480e
	GuestGDTRLimit             Field = 0x4810
	GuestIDTRLimit             Field = 0x4812
	GuestESAccessRights        Field = 0x4814
	GuestCSAccessRights        Field = 0x4816
	GuestSSAccessRights        Field = 0x4818
	GuestDSAccessRights        Field = 0x481a
	GuestFSAccessRights        Field = 0x481c
	GuestGSAccessRights        Field = 0x481e
	GuestLDTRAccessRights      Field = 0x4820
	GuestTRAccessRights        Field = 0x4822
	GuestInterruptibilityState Field = 0x4824
	GuestActivityState         Field = 0x4826
	GuestIA32SysenterCS        Field = 0x482a
	PreemptionTimerValue       Field = 0x482e
)

// Natural-width fields.
const (
	CR0GuestHostMask     Field = 0x6000
	CR4GuestHostMask     Field = 0x6002
	CR0ReadShadow        Field = 0x6004
	CR4ReadShadow        Field = 0x6006
	ExitQualification    Field = 0x6400
	GuestLinearAddress   Field = 0x640a
	GuestCR0             Field = 0x6800
	GuestCR3             Field = 0x6802
	GuestCR4             Field = 0x6804
	GuestESBase          Field = 0x6806
	GuestCSBase          Field = 0x6808
	GuestSSBase          Field = 0x680a
	GuestDSBase          Field = 0x680c
	GuestFSBase          Field = 0x680e
	GuestGSBase          Field = 0x6810
	GuestLDTRBase        Field = 0x6812
	GuestTRBase          Field = 0x6814
	GuestGDTRBase        Field = 0x6816
	GuestIDTRBase        Field = 0x6818
	GuestDR7             Field = 0x681a
	GuestRSP             Field = 0x681c
	GuestRIP             Field = 0x681e
	GuestRFLAGS          Field = 0x6820
	GuestIA32SysenterESP Field = 0x6824
	GuestIA32SysenterEIP Field = 0x6826
)

// Page is a VMCS region. Fields are held in a software store that the
// backend synchronizes with hardware around Enter. Only the thread the page
// belongs to may touch the fields.
type Page struct {
	phys   uint64
	fields map[Field]uint64

	// Backend is private state of the Processor that allocated the page.
	Backend any
}

// NewPage returns an empty page identified by phys.
func NewPage(phys uint64) *Page {
	return &Page{phys: phys, fields: make(map[Field]uint64)}
}

// Phys returns the physical address of the page.
func (p *Page) Phys() uint64 { return p.phys }

// Read returns the value of f, zero if never written.
func (p *Page) Read(f Field) uint64 { return p.fields[f] }

// Write sets f to v.
func (p *Page) Write(f Field, v uint64) { p.fields[f] = v }

// Read32 returns the low 32 bits of f.
func (p *Page) Read32(f Field) uint32 { return uint32(p.fields[f]) }

// SetControl sets and clears bits in a control field.
func (p *Page) SetControl(f Field, set, clear uint32) {
	p.fields[f] = uint64((uint32(p.fields[f]) | set) &^ clear)
}

// Has reports whether all bits of mask are set in f.
func (p *Page) Has(f Field, mask uint32) bool { return uint32(p.fields[f])&mask == mask }
