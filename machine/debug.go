package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gohv/kvm"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
)

// mode returns the x86asm decoding mode of the vcpu's code segment.
func mode(sregs *kvm.Sregs) int {
	switch {
	case sregs.CS.L != 0:
		return 64
	case sregs.CS.DB != 0:
		return 32
	default:
		return 16
	}
}

// readGuest reads guest memory at a linear address, walking the guest page
// tables when paging is on.
func (m *Machine) readGuest(sregs *kvm.Sregs, b []byte, va uint64) (int, error) {
	m.mu.Lock()
	a := m.aspace
	m.mu.Unlock()

	if a == nil {
		return 0, errors.New("no address space attached")
	}

	pa := va
	if sregs.CR0&vmx.CR0PG != 0 {
		var err error
		if pa, err = a.Translate(sregs.CR3, va); err != nil {
			return 0, err
		}
	}

	return a.ReadAt(b, int64(pa))
}

// Inst decodes the instruction at the vcpu's RIP. It returns the
// instruction and its GNU syntax.
func (m *Machine) Inst(sregs *kvm.Sregs, regs *kvm.Regs) (*x86asm.Inst, string, error) {
	pc := sregs.CS.Base + regs.RIP

	insn := make([]byte, maxInstructionLength)
	if _, err := m.readGuest(sregs, insn, pc); err != nil {
		return nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, mode(sregs))
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, regs.RIP, nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

func (m *Machine) traceExit(v *kvmVcpu, regs *kvm.Regs, info vmx.ExitInfo) {
	fields := logrus.Fields{
		"kvm_exit": v.run.ExitReason,
		"exit":     info.Reason,
		"rip":      fmt.Sprintf("%#x", regs.RIP),
		"rax":      fmt.Sprintf("%#x", regs.RAX),
	}

	if d, _, err := m.Inst(v.sregs, regs); err == nil {
		fields["inst"] = Asm(d, regs.RIP)
	} else {
		fields["inst_err"] = err
	}

	v.log.WithFields(fields).Info("exit")
}
