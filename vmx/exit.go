package vmx

import "fmt"

// ExitReason is the basic exit reason of a VM exit.
type ExitReason uint16

const (
	ExitExceptionOrNMI         ExitReason = 0
	ExitExternalInterrupt      ExitReason = 1
	ExitTripleFault            ExitReason = 2
	ExitInitSignal             ExitReason = 3
	ExitStartupIPI             ExitReason = 4
	ExitInterruptWindow        ExitReason = 7
	ExitCPUID                  ExitReason = 10
	ExitHLT                    ExitReason = 12
	ExitINVLPG                 ExitReason = 14
	ExitRDTSC                  ExitReason = 16
	ExitVMCALL                 ExitReason = 18
	ExitCRAccess               ExitReason = 28
	ExitIOInstruction          ExitReason = 30
	ExitRDMSR                  ExitReason = 31
	ExitWRMSR                  ExitReason = 32
	ExitEntryFailGuestState    ExitReason = 33
	ExitEntryFailMSRLoading    ExitReason = 34
	ExitMWAIT                  ExitReason = 36
	ExitMonitorTrap            ExitReason = 37
	ExitMONITOR                ExitReason = 39
	ExitPause                  ExitReason = 40
	ExitEntryFailMachineCheck  ExitReason = 41
	ExitEPTViolation           ExitReason = 48
	ExitEPTMisconfiguration    ExitReason = 49
	ExitINVEPT                 ExitReason = 50
	ExitPreemptionTimerExpired ExitReason = 52
	ExitINVVPID                ExitReason = 53
	ExitXSETBV                 ExitReason = 55
)

var exitNames = map[ExitReason]string{
	ExitExceptionOrNMI:         "EXCEPTION_OR_NMI",
	ExitExternalInterrupt:      "EXTERNAL_INTERRUPT",
	ExitTripleFault:            "TRIPLE_FAULT",
	ExitInitSignal:             "INIT_SIGNAL",
	ExitStartupIPI:             "STARTUP_IPI",
	ExitInterruptWindow:        "INTERRUPT_WINDOW",
	ExitCPUID:                  "CPUID",
	ExitHLT:                    "HLT",
	ExitINVLPG:                 "INVLPG",
	ExitRDTSC:                  "RDTSC",
	ExitVMCALL:                 "VMCALL",
	ExitCRAccess:               "CONTROL_REGISTER_ACCESS",
	ExitIOInstruction:          "IO_INSTRUCTION",
	ExitRDMSR:                  "RDMSR",
	ExitWRMSR:                  "WRMSR",
	ExitEntryFailGuestState:    "ENTRY_FAILURE_GUEST_STATE",
	ExitEntryFailMSRLoading:    "ENTRY_FAILURE_MSR_LOADING",
	ExitMWAIT:                  "MWAIT",
	ExitMonitorTrap:            "MONITOR_TRAP_FLAG",
	ExitMONITOR:                "MONITOR",
	ExitPause:                  "PAUSE",
	ExitEntryFailMachineCheck:  "ENTRY_FAILURE_MACHINE_CHECK",
	ExitEPTViolation:           "EPT_VIOLATION",
	ExitEPTMisconfiguration:    "EPT_MISCONFIGURATION",
	ExitINVEPT:                 "INVEPT",
	ExitPreemptionTimerExpired: "VMX_PREEMPTION_TIMER_EXPIRED",
	ExitINVVPID:                "INVVPID",
	ExitXSETBV:                 "XSETBV",
}

func (r ExitReason) String() string {
	if s, ok := exitNames[r]; ok {
		return s
	}

	return fmt.Sprintf("EXIT_REASON_%d", uint16(r))
}

// exitEntryFailure is bit 31 of the exit reason field.
const exitEntryFailure = 1 << 31

// ExitInfo is the exit state read back from a page after an exit.
type ExitInfo struct {
	Reason               ExitReason
	EntryFailure         bool
	Qualification        uint64
	InstructionLength    uint32
	InterruptionInfo     uint32
	GuestPhysicalAddress uint64
	GuestRIP             uint64
}

// ReadExitInfo decodes the exit fields of p.
func ReadExitInfo(p *Page) ExitInfo {
	raw := p.Read32(ExitReasonField)

	return ExitInfo{
		Reason:               ExitReason(raw & 0xffff),
		EntryFailure:         raw&exitEntryFailure != 0,
		Qualification:        p.Read(ExitQualification),
		InstructionLength:    p.Read32(ExitInstructionLength),
		InterruptionInfo:     p.Read32(ExitInterruptionInfo),
		GuestPhysicalAddress: p.Read(GuestPhysicalAddress),
		GuestRIP:             p.Read(GuestRIP),
	}
}

// WriteExit stores an exit into p the way hardware does on a VM exit.
func WriteExit(p *Page, e ExitInfo) {
	raw := uint64(e.Reason)
	if e.EntryFailure {
		raw |= exitEntryFailure
	}

	p.Write(ExitReasonField, raw)
	p.Write(ExitQualification, e.Qualification)
	p.Write(ExitInstructionLength, uint64(e.InstructionLength))
	p.Write(ExitInterruptionInfo, uint64(e.InterruptionInfo))
	p.Write(GuestPhysicalAddress, e.GuestPhysicalAddress)
}

// InterruptionType returns the type of an exit interruption.
func (e *ExitInfo) InterruptionType() InterruptionType {
	return InterruptionType((e.InterruptionInfo & InterruptionTypeMask) >> InterruptionTypeShift)
}

// IOInfo is the exit qualification of an I/O instruction exit.
type IOInfo struct {
	AccessSize uint8
	Input      bool
	String     bool
	Repeat     bool
	Port       uint16
}

// DecodeIO decodes an I/O instruction exit qualification.
func DecodeIO(q uint64) IOInfo {
	return IOInfo{
		AccessSize: uint8(q&7) + 1,
		Input:      q&(1<<3) != 0,
		String:     q&(1<<4) != 0,
		Repeat:     q&(1<<5) != 0,
		Port:       uint16(q >> 16),
	}
}

// Encode is the inverse of DecodeIO.
func (io IOInfo) Encode() uint64 {
	q := uint64(io.AccessSize-1)&7 | uint64(io.Port)<<16
	if io.Input {
		q |= 1 << 3
	}

	if io.String {
		q |= 1 << 4
	}

	if io.Repeat {
		q |= 1 << 5
	}

	return q
}

// EPT violation qualification bits.
const (
	EPTRead        = 1 << 0
	EPTWrite       = 1 << 1
	EPTInstruction = 1 << 2
)
