package machine

import (
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/kvm"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// kickSignal interrupts KVM_RUN. The Go runtime ignores SIGCHLD for us.
const kickSignal = unix.SIGCHLD

// pendingKind is an exit KVM completes on the next run.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingIn
	pendingMMIO
	pendingMSR
)

// pending records what the next run must complete.
type pending struct {
	kind   pendingKind
	offset uint64
	size   uint64
	rip    uint64
	gpa    uint64
	write  bool
	rdmsr  bool
}

// kvmVcpu is the backend state behind a vmx.Page.
type kvmVcpu struct {
	id     int
	fd     uintptr
	runBuf []byte
	run    *kvm.RunData
	sregs  *kvm.Sregs
	tid    atomic.Int64
	cpu    int
	next   pending
	xsave  kvm.XSave
	log    *logrus.Entry
}

func closeFd(fd uintptr) error { return unix.Close(int(fd)) }

func backend(p *vmx.Page) *kvmVcpu {
	v, ok := p.Backend.(*kvmVcpu)
	if !ok {
		panic(fmt.Sprintf("page %#x was not allocated by a kvm machine", p.Phys()))
	}

	return v
}

// AllocPage implements vmx.Processor by creating a KVM vcpu. The page's
// physical address is the vcpu id.
func (m *Machine) AllocPage() (_ *vmx.Page, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, hverror.Errorf(hverror.BadState, "AllocPage", "machine closed")
	}

	v := &kvmVcpu{id: m.nextID, cpu: -1}
	v.log = m.log.WithField("kvm_vcpu", v.id)

	if v.fd, err = kvm.CreateVCPU(m.vmFd, v.id); err != nil {
		return nil, hverror.New(hverror.ResourceExhausted, "AllocPage", fmt.Errorf("CreateVCPU %d: %w", v.id, err))
	}

	defer func() {
		if err != nil {
			v.release()
		}
	}()

	if v.runBuf, err = unix.Mmap(int(v.fd), 0, m.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, hverror.New(hverror.ResourceExhausted, "AllocPage", fmt.Errorf("mmap run data: %w", err))
	}

	v.run = kvm.RunDataAt(v.runBuf)

	if err = kvm.SetCPUID2(v.fd, &m.cpuid); err != nil {
		return nil, hverror.New(hverror.Internal, "AllocPage", fmt.Errorf("SetCPUID2: %w", err))
	}

	if v.sregs, err = kvm.GetSregs(v.fd); err != nil {
		return nil, hverror.New(hverror.Internal, "AllocPage", fmt.Errorf("GetSregs: %w", err))
	}

	if m.tscHz == 0 {
		if khz, err := kvm.GetTSCKHz(v.fd); err == nil && khz != 0 {
			m.tscHz = khz * 1000
		} else {
			v.log.WithError(err).Warn("tsc frequency unknown, assuming 1GHz")
		}
	}

	m.nextID++
	m.vcpus = append(m.vcpus, v)

	p := vmx.NewPage(uint64(v.id))
	p.Backend = v

	v.log.Debug("vcpu created")

	return p, nil
}

func (v *kvmVcpu) release() {
	if v.runBuf != nil {
		_ = unix.Munmap(v.runBuf)
		v.runBuf, v.run = nil, nil
	}

	_ = closeFd(v.fd)
}

// FreePage implements vmx.Processor. KVM has no way to destroy a single
// vcpu; closing its fd releases it with the virtual machine.
func (m *Machine) FreePage(p *vmx.Page) {
	v := backend(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, o := range m.vcpus {
		if o == v {
			m.vcpus = append(m.vcpus[:i], m.vcpus[i+1:]...)

			break
		}
	}

	v.release()
	p.Backend = nil
}

// Load implements vmx.Processor. KVM loads the VMCS itself around each
// run; only the CPU is recorded.
func (m *Machine) Load(p *vmx.Page, cpu int) {
	v := backend(p)
	v.cpu = cpu
	v.log.WithField("cpu", cpu).Trace("load")
}

// Clear implements vmx.Processor.
func (m *Machine) Clear(p *vmx.Page, cpu int) {
	backend(p).log.WithField("cpu", cpu).Trace("clear")
}

// Interrupt implements vmx.Processor. ImmediateExit covers a run that has
// not started yet and the signal one that is in the kernel.
func (m *Machine) Interrupt(p *vmx.Page, _ int) {
	v := backend(p)
	v.run.ImmediateExit = 1

	tid := int(v.tid.Load())
	if tid == 0 {
		return
	}

	if err := unix.Tgkill(unix.Getpid(), tid, kickSignal); err != nil {
		v.log.WithError(err).Warn("kick")
	}
}

// ReadMSR implements vmx.Processor.
func (m *Machine) ReadMSR(p *vmx.Page, msr uint32) (uint64, error) {
	return kvm.GetMSR(backend(p).fd, msr)
}

// WriteMSR implements vmx.Processor.
func (m *Machine) WriteMSR(p *vmx.Page, msr uint32, val uint64) error {
	return kvm.SetMSR(backend(p).fd, msr, val)
}

// SaveExtended implements vmx.Processor.
func (m *Machine) SaveExtended(p *vmx.Page, buf []byte) error {
	v := backend(p)
	if err := kvm.GetXSave(v.fd, &v.xsave); err != nil {
		return fmt.Errorf("GetXSave: %w", err)
	}

	copy(buf, v.xsave.Bytes())

	return nil
}

// RestoreExtended implements vmx.Processor.
func (m *Machine) RestoreExtended(p *vmx.Page, buf []byte) error {
	v := backend(p)
	copy(v.xsave.Bytes(), buf)

	if err := kvm.SetXSave(v.fd, &v.xsave); err != nil {
		return fmt.Errorf("SetXSave: %w", err)
	}

	return nil
}
