package vcpu

import (
	"errors"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/trap"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
)

// hypercallResult is -KVM_ENOSYS, returned to the guest for every
// hypercall.
const hypercallResult = ^uint64(1000 - 1)

// tripleFaultRetcode is reported in the exit packet of a triple fault.
const tripleFaultRetcode = -1

// xcr0Supported bounds the XCR0 bits a guest may set.
const xcr0Supported = vmx.XCR0X87 | vmx.XCR0SSE | vmx.XCR0AVX

func internal(op, format string, args ...any) error {
	return hverror.Errorf(hverror.Internal, op, format, args...)
}

// postExit resolves an exit. It returns true to resume the guest.
func (v *NormalVcpu) postExit(info *vmx.ExitInfo, p *packet.Packet) (bool, error) {
	if info.EntryFailure {
		return false, internal("Enter", "entry failure: %s", info.Reason)
	}

	switch info.Reason {
	case vmx.ExitExceptionOrNMI:
		if info.InterruptionType() == vmx.TypeNMI {
			return true, nil
		}

		return false, internal("Enter", "unexpected exception, interruption info %#x", info.InterruptionInfo)
	case vmx.ExitExternalInterrupt, vmx.ExitPause, vmx.ExitPreemptionTimerExpired:
		return true, nil
	case vmx.ExitTripleFault:
		p.Reset()
		p.Type = packet.TypeGuestVcpu
		p.GuestVcpu.Kind = packet.VcpuExit
		p.GuestVcpu.Exit.Retcode = tripleFaultRetcode
		v.log.WithField("rip", info.GuestRIP).Warn("triple fault")

		return false, nil
	case vmx.ExitInterruptWindow:
		vmx.SetInterruptWindowExiting(v.page, false)

		return true, nil
	case vmx.ExitCPUID:
		v.handleCPUID(info)

		return true, nil
	case vmx.ExitHLT:
		return v.handleHLT(info)
	case vmx.ExitVMCALL:
		v.gs.RAX = hypercallResult
		v.skip(info)

		return true, nil
	case vmx.ExitIOInstruction:
		return v.handleIO(info, p)
	case vmx.ExitRDMSR:
		return v.handleRDMSR(info)
	case vmx.ExitWRMSR:
		return v.handleWRMSR(info, p)
	case vmx.ExitEntryFailGuestState, vmx.ExitEntryFailMSRLoading, vmx.ExitEntryFailMachineCheck:
		return false, internal("Enter", "entry failure: %s", info.Reason)
	case vmx.ExitEPTViolation:
		return v.handleEPTViolation(info, p)
	case vmx.ExitXSETBV:
		v.handleXSETBV(info)

		return true, nil
	default:
		v.log.WithField("exit", info.Reason.String()).Error("unhandled exit reason")

		return false, internal("Enter", "unhandled exit reason %s", info.Reason)
	}
}

// skip advances RIP past the exiting instruction and ends STI and MOV SS
// blocking.
func (v *NormalVcpu) skip(info *vmx.ExitInfo) {
	v.skipN(uint64(info.InstructionLength))
}

func (v *NormalVcpu) skipN(n uint64) {
	p := v.page
	p.Write(vmx.GuestRIP, p.Read(vmx.GuestRIP)+n)
	p.Write(vmx.GuestInterruptibilityState,
		uint64(p.Read32(vmx.GuestInterruptibilityState)&^(vmx.BlockingSTI|vmx.BlockingMovSS)))
}

func (v *NormalVcpu) handleHLT(info *vmx.ExitInfo) (bool, error) {
	v.skip(info)

	t := v.thread.Load()
	if t == nil {
		return false, hverror.Errorf(hverror.BadState, "Enter", "vcpu thread exited")
	}

	// Other threads may read the registers while the guest is halted.
	v.clearBits(stateRunning)
	err := v.tracker.Wait(v.stopWait, t.Switch)

	if aerr := v.acquireRunning(); aerr != nil {
		return false, aerr
	}

	if err != nil && !errors.Is(err, hverror.ErrCanceled) {
		return false, err
	}

	// A kick is consumed by the next entry attempt.
	return true, nil
}

func (v *NormalVcpu) handleIO(info *vmx.ExitInfo, p *packet.Packet) (bool, error) {
	io := vmx.DecodeIO(info.Qualification)
	if io.String || io.Repeat {
		return false, hverror.Errorf(hverror.NotSupported, "Enter", "string io on port %#x", io.Port)
	}

	tr, err := v.guest.Traps().Lookup(trap.IO, uint64(io.Port))
	if err != nil {
		return false, err
	}

	v.skip(info)

	p.Reset()
	p.Key = tr.Key
	p.Type = packet.TypeGuestIO
	p.GuestIO.Port = io.Port
	p.GuestIO.AccessSize = io.AccessSize
	p.GuestIO.Input = io.Input

	if !io.Input {
		for i := 0; i < int(io.AccessSize) && i < len(p.GuestIO.Data); i++ {
			p.GuestIO.Data[i] = byte(v.gs.RAX >> (8 * i))
		}
	}

	return false, nil
}

func (v *NormalVcpu) handleEPTViolation(info *vmx.ExitInfo, p *packet.Packet) (bool, error) {
	gpa := info.GuestPhysicalAddress
	traps := v.guest.Traps()

	if tr, err := traps.Lookup(trap.Bell, gpa); err == nil {
		if err := v.skipFaulting(info); err != nil {
			return false, err
		}

		bell := packet.Packet{Type: packet.TypeGuestBell, GuestBell: packet.GuestBell{Addr: gpa}}
		if err := tr.Queue(&bell); err != nil {
			return false, err
		}

		return true, nil
	}

	if tr, err := traps.Lookup(trap.Mem, gpa); err == nil {
		inst, err := v.decodeAt(v.page.Read(vmx.GuestRIP))
		if err != nil {
			return false, err
		}

		p.Reset()
		p.Key = tr.Key
		p.Type = packet.TypeGuestMem
		p.GuestMem = packet.GuestMem{
			Addr:               gpa,
			CR3:                v.page.Read(vmx.GuestCR3),
			RIP:                v.page.Read(vmx.GuestRIP),
			InstructionSize:    inst.size,
			DefaultOperandSize: inst.defaultOperandSize,
		}

		return false, nil
	}

	if err := v.guest.PhysicalAspace().PageFault(gpa); err != nil {
		return false, hverror.New(hverror.Internal, "Enter", err)
	}

	return true, nil
}

// skipFaulting skips an instruction that caused an EPT violation. The
// exit does not always report a length, so it is decoded if needed.
func (v *NormalVcpu) skipFaulting(info *vmx.ExitInfo) error {
	if info.InstructionLength != 0 {
		v.skip(info)

		return nil
	}

	inst, err := v.decodeAt(v.page.Read(vmx.GuestRIP))
	if err != nil {
		return err
	}

	v.skipN(uint64(inst.size))

	return nil
}

func (v *NormalVcpu) handleXSETBV(info *vmx.ExitInfo) {
	val := v.gs.RDX<<32 | v.gs.RAX&0xffffffff

	switch {
	case v.gs.RCX&0xffffffff != 0,
		val&vmx.XCR0X87 == 0,
		val&vmx.XCR0AVX != 0 && val&vmx.XCR0SSE == 0,
		val&^v.supportedXCR0() != 0:
		v.warnf(logrus.Fields{"xcr0": val}, "rejecting xsetbv")
		vmx.IssueInterrupt(v.page, vmx.VectorGeneralProtection)

		return
	}

	v.gs.XCR0 = val
	v.skip(info)
}

// supportedXCR0 returns the XCR0 bits the processor can save.
func (v *NormalVcpu) supportedXCR0() uint64 {
	r := v.proc.CPUID(leafXSAVE, 0)

	return (uint64(r.EDX)<<32 | uint64(r.EAX)) & xcr0Supported
}
