package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gohv/kvm"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// vectorGP is the general protection fault vector.
const vectorGP = 13

// Enter implements vmx.Processor. Registers are moved between the page
// and KVM around every run, and the KVM exit is recorded as the VMX exit
// the core expects. Port I/O, MSR and HLT exits are retired by KVM, so
// they report an instruction length of zero.
func (m *Machine) Enter(p *vmx.Page, gs *vmx.GuestState, _ bool) error {
	v := backend(p)
	v.tid.Store(int64(unix.Gettid()))

	defer v.tid.Store(0)

	regs := toKVM(p, gs, v.sregs)

	if err := m.complete(v, p, gs, regs); err != nil {
		return err
	}

	if err := kvm.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	if err := kvm.SetSregs(v.fd, v.sregs); err != nil {
		return fmt.Errorf("SetSregs: %w", err)
	}

	if err := v.inject(p); err != nil {
		return err
	}

	v.run.RequestInterruptWindow = 0
	if p.Has(vmx.ProcbasedCtls, vmx.ProcInterruptWindowExiting) {
		v.run.RequestInterruptWindow = 1
	}

	runErr := kvm.Run(v.fd)

	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	if v.sregs, err = kvm.GetSregs(v.fd); err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	fromKVM(p, gs, regs, v.sregs)

	interruptibility := uint64(0)
	if v.run.IfFlag != 0 && v.run.ReadyForInterruptInjection == 0 && regs.RFLAGS&rflagsIF != 0 {
		interruptibility = vmx.BlockingSTI
	}

	p.Write(vmx.GuestInterruptibilityState, interruptibility)

	if errors.Is(runErr, unix.EINTR) {
		v.run.ImmediateExit = 0
		vmx.WriteExit(p, vmx.ExitInfo{Reason: vmx.ExitExternalInterrupt})

		return nil
	}

	if runErr != nil {
		return fmt.Errorf("KVM_RUN: %w", runErr)
	}

	info, err := v.exit(regs)
	if err != nil {
		return err
	}

	if m.trace {
		m.traceExit(v, regs, info)
	}

	vmx.WriteExit(p, info)

	return nil
}

// exit translates the KVM exit into a VMX exit and records what the next
// run completes.
func (v *kvmVcpu) exit(regs *kvm.Regs) (vmx.ExitInfo, error) {
	v.next = pending{}

	switch v.run.ExitReason {
	case kvm.EXITIO:
		direction, size, port, count, offset := v.run.IO()
		in := direction == kvm.EXITIOIN

		if in {
			v.next = pending{kind: pendingIn, offset: offset, size: size}
		}

		return vmx.ExitInfo{
			Reason: vmx.ExitIOInstruction,
			Qualification: vmx.IOInfo{
				AccessSize: uint8(size),
				Input:      in,
				String:     count > 1,
				Port:       uint16(port),
			}.Encode(),
		}, nil
	case kvm.EXITMMIO:
		addr, _, length, write := v.run.MMIO()
		v.next = pending{kind: pendingMMIO, rip: regs.RIP, gpa: addr, size: uint64(length), write: write}

		q := uint64(vmx.EPTRead)
		if write {
			q = vmx.EPTWrite
		}

		return vmx.ExitInfo{Reason: vmx.ExitEPTViolation, Qualification: q, GuestPhysicalAddress: addr}, nil
	case kvm.EXITX86RDMSR, kvm.EXITX86WRMSR:
		rdmsr := v.run.ExitReason == kvm.EXITX86RDMSR
		v.next = pending{kind: pendingMSR, rdmsr: rdmsr}

		if rdmsr {
			return vmx.ExitInfo{Reason: vmx.ExitRDMSR}, nil
		}

		return vmx.ExitInfo{Reason: vmx.ExitWRMSR}, nil
	case kvm.EXITHLT:
		return vmx.ExitInfo{Reason: vmx.ExitHLT}, nil
	case kvm.EXITIRQWINDOWOPEN:
		return vmx.ExitInfo{Reason: vmx.ExitInterruptWindow}, nil
	case kvm.EXITINTR:
		return vmx.ExitInfo{Reason: vmx.ExitExternalInterrupt}, nil
	case kvm.EXITHYPERCALL:
		return vmx.ExitInfo{Reason: vmx.ExitVMCALL}, nil
	case kvm.EXITSHUTDOWN, kvm.EXITSYSTEMEVENT:
		return vmx.ExitInfo{Reason: vmx.ExitTripleFault}, nil
	case kvm.EXITDEBUG:
		return vmx.ExitInfo{
			Reason: vmx.ExitExceptionOrNMI,
			InterruptionInfo: vmx.InterruptionValid |
				uint32(vmx.TypeHardwareException)<<vmx.InterruptionTypeShift | 1,
		}, nil
	case kvm.EXITFAILENTRY:
		return vmx.ExitInfo{
			Reason:        vmx.ExitEntryFailGuestState,
			EntryFailure:  true,
			Qualification: v.run.FailEntry(),
		}, nil
	case kvm.EXITINTERNALERROR:
		return vmx.ExitInfo{}, fmt.Errorf("%w: internal error, suberror %d",
			kvm.ErrUnexpectedExitReason, v.run.InternalError())
	default:
		return vmx.ExitInfo{}, fmt.Errorf("%w: %v", kvm.ErrUnexpectedExitReason, v.run.ExitReason)
	}
}

// complete hands KVM the result of the previous exit before the run that
// retires it.
func (m *Machine) complete(v *kvmVcpu, p *vmx.Page, gs *vmx.GuestState, regs *kvm.Regs) error {
	next := v.next
	v.next = pending{}

	switch next.kind {
	case pendingIn:
		kvm.SetIOData(v.runBuf, next.offset, next.size, gs.RAX)
	case pendingMSR:
		info := p.Read32(vmx.EntryInterruptionInfo)
		if info&vmx.InterruptionValid != 0 && info&0xff == vectorGP {
			p.Write(vmx.EntryInterruptionInfo, 0)
			v.run.CompleteMSR(0, true)

			break
		}

		var data uint64
		if next.rdmsr {
			data = gs.RDX<<32 | gs.RAX&0xffffffff
		}

		v.run.CompleteMSR(data, false)
	case pendingMMIO:
		// KVM finishes the instruction itself, wherever the core moved RIP.
		regs.RIP = next.rip

		return m.completeMMIO(v, next)
	}

	return nil
}

// completeMMIO finishes an access to memory KVM had no slot for. Trapped
// pages read as zero and drop writes; pages the core faulted in are
// accessed directly and the slots are rebuilt.
func (m *Machine) completeMMIO(v *kvmVcpu, next pending) error {
	_, data, _, _ := v.run.MMIO()
	data = data[:next.size]

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aspace == nil || !m.aspace.Present(next.gpa) {
		if !next.write {
			clear(data)
		}

		return nil
	}

	var err error
	if next.write {
		_, err = m.aspace.WriteAt(data, int64(next.gpa))
	} else {
		_, err = m.aspace.ReadAt(data, int64(next.gpa))
	}

	if err != nil {
		return fmt.Errorf("mmio at %#x: %w", next.gpa, err)
	}

	v.log.WithFields(logrus.Fields{"gpa": next.gpa, "write": next.write}).Trace("mmio on faulted-in page")

	return m.syncSlots()
}

// inject delivers the event in the entry interruption field through KVM.
func (v *kvmVcpu) inject(p *vmx.Page) error {
	info := p.Read32(vmx.EntryInterruptionInfo)
	if info&vmx.InterruptionValid == 0 {
		return nil
	}

	p.Write(vmx.EntryInterruptionInfo, 0)

	vector := uint8(info)
	typ := vmx.InterruptionType((info & vmx.InterruptionTypeMask) >> vmx.InterruptionTypeShift)

	switch typ {
	case vmx.TypeExternalInterrupt:
		if err := kvm.Interrupt(v.fd, vector); err != nil {
			return fmt.Errorf("KVM_INTERRUPT %d: %w", vector, err)
		}
	case vmx.TypeNMI:
		if err := kvm.NMI(v.fd); err != nil {
			return fmt.Errorf("KVM_NMI: %w", err)
		}
	default:
		ev, err := kvm.GetVCPUEvents(v.fd)
		if err != nil {
			return fmt.Errorf("GetVCPUEvents: %w", err)
		}

		ev.Exception.Injected = 1
		ev.Exception.Nr = vector
		ev.Exception.HasErrorCode = 0
		ev.Exception.ErrorCode = 0

		if info&vmx.InterruptionDeliverError != 0 {
			ev.Exception.HasErrorCode = 1
			ev.Exception.ErrorCode = p.Read32(vmx.EntryExceptionErrorCode)
		}

		ev.Flags = 0

		if err := kvm.SetVCPUEvents(v.fd, ev); err != nil {
			return fmt.Errorf("SetVCPUEvents: %w", err)
		}
	}

	v.log.WithFields(logrus.Fields{"vector": vector, "type": typ}).Trace("injected")

	return nil
}
