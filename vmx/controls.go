package vmx

// Pin-based controls.
const (
	PinExternalInterruptExiting = 1 << 0
	PinNMIExiting               = 1 << 3
	PinPreemptionTimer          = 1 << 6
)

// Primary processor-based controls.
const (
	ProcInterruptWindowExiting = 1 << 2
	ProcHLTExiting             = 1 << 7
	ProcCR3LoadExiting         = 1 << 15
	ProcCR3StoreExiting        = 1 << 16
	ProcCR8LoadExiting         = 1 << 19
	ProcCR8StoreExiting        = 1 << 20
	ProcIOExiting              = 1 << 24
	ProcMSRBitmaps             = 1 << 28
	ProcPauseExiting           = 1 << 30
	ProcSecondaryControls      = 1 << 31
)

// Secondary processor-based controls.
const (
	Proc2EPT               = 1 << 1
	Proc2RDTSCP            = 1 << 3
	Proc2VPID              = 1 << 5
	Proc2UnrestrictedGuest = 1 << 7
	Proc2INVPCID           = 1 << 12
	Proc2XSAVES            = 1 << 20
)

// VM-exit controls.
const (
	ExitHostAddressSpaceSize = 1 << 9
	ExitAckInterrupt         = 1 << 15
	ExitSavePAT              = 1 << 18
	ExitLoadPAT              = 1 << 19
	ExitSaveEFER             = 1 << 20
	ExitLoadEFER             = 1 << 21
)

// VM-entry controls.
const (
	EntryIA32eMode = 1 << 9
	EntryLoadPAT   = 1 << 14
	EntryLoadEFER  = 1 << 15
)

// Guest interruptibility state.
const (
	BlockingSTI   = 1 << 0
	BlockingMovSS = 1 << 1
)

// Guest activity state.
const (
	ActivityActive = 0
	ActivityHLT    = 1
)

// Interruption information (entry and exit).
const (
	InterruptionValid        = 1 << 31
	InterruptionDeliverError = 1 << 11
	InterruptionTypeShift    = 8
	InterruptionTypeMask     = 7 << InterruptionTypeShift
)

// InterruptionType is the type in an interruption information field.
type InterruptionType uint32

const (
	TypeExternalInterrupt InterruptionType = 0
	TypeNMI               InterruptionType = 2
	TypeHardwareException InterruptionType = 3
	TypeSoftwareInterrupt InterruptionType = 4
	TypeSoftwareException InterruptionType = 6
)

// Architectural vectors.
const (
	VectorDivideError       = 0
	VectorNMI               = 2
	VectorBreakpoint        = 3
	VectorDoubleFault       = 8
	VectorInvalidTSS        = 10
	VectorSegmentNotPresent = 11
	VectorStackFault        = 12
	VectorGeneralProtection = 13
	VectorPageFault         = 14
	VectorAlignmentCheck    = 17
	MaxExceptionVector      = 31
)

// Control register and flag bits.
const (
	CR0PE = 1 << 0
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0PG = 1 << 31

	CR4PAE     = 1 << 5
	CR4VMXE    = 1 << 13
	CR4OSXSAVE = 1 << 18

	RFLAGSReserved = 1 << 1
	RFLAGSIF       = 1 << 9

	EFERLME = 1 << 8
	EFERLMA = 1 << 10
)

// Segment access rights.
const (
	AccessRightsUnusable = 1 << 16
	AccessRightsL        = 1 << 13
	AccessRightsDB       = 1 << 14
)

func hasErrorCode(vector uint8) bool {
	switch vector {
	case VectorDoubleFault, VectorInvalidTSS, VectorSegmentNotPresent, VectorStackFault,
		VectorGeneralProtection, VectorPageFault, VectorAlignmentCheck:
		return true
	default:
		return false
	}
}

// IssueInterrupt programs the entry interruption information for vector.
// Vectors below 32 other than NMI are hardware exceptions and carry an error
// code of zero where the architecture defines one.
func IssueInterrupt(p *Page, vector uint8) {
	info := uint32(vector) | InterruptionValid

	switch {
	case vector == VectorNMI:
		info |= uint32(TypeNMI) << InterruptionTypeShift
	case vector <= MaxExceptionVector:
		info |= uint32(TypeHardwareException) << InterruptionTypeShift
		if hasErrorCode(vector) {
			info |= InterruptionDeliverError
			p.Write(EntryExceptionErrorCode, 0)
		}
	default:
		info |= uint32(TypeExternalInterrupt) << InterruptionTypeShift
	}

	p.Write(EntryInterruptionInfo, uint64(info))
}

// InterruptPending reports whether an event is already programmed for the
// next entry.
func InterruptPending(p *Page) bool {
	return p.Read32(EntryInterruptionInfo)&InterruptionValid != 0
}

// CanInjectExternal reports whether the guest can take an external
// interrupt on the next entry.
func CanInjectExternal(p *Page) bool {
	return p.Read(GuestRFLAGS)&RFLAGSIF != 0 &&
		p.Read32(GuestInterruptibilityState)&(BlockingSTI|BlockingMovSS) == 0
}

// SetInterruptWindowExiting toggles exits on an open interrupt window.
func SetInterruptWindowExiting(p *Page, enable bool) {
	if enable {
		p.SetControl(ProcbasedCtls, ProcInterruptWindowExiting, 0)
	} else {
		p.SetControl(ProcbasedCtls, 0, ProcInterruptWindowExiting)
	}
}

// EPT pointer encoding.
const (
	eptMemoryTypeWB = 6
	eptWalkLength4  = 3 << 3
)

// EPTPointer encodes the EPT root with write-back memory type and a
// four-level walk.
func EPTPointer(pml4 uint64) uint64 {
	return pml4&^0xfff | eptMemoryTypeWB | eptWalkLength4
}
