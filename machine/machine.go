// Package machine runs guests on Linux KVM. A Machine owns one KVM virtual
// machine and implements vmx.Processor over it, so the hypervisor core
// drives KVM vcpus the same way it drives VMX hardware.
package machine

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/kvm"
	"github.com/bobuhiro11/gohv/memory"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
)

// ErrNoKVM is returned when /dev/kvm cannot be used.
var ErrNoKVM = errors.New("kvm not available")

// Options configures a Machine.
type Options struct {
	// Device is the KVM device, /dev/kvm by default.
	Device string
	// Trace logs every exit with the instruction at the guest RIP.
	Trace  bool
	Logger *logrus.Entry
}

// Machine is a KVM virtual machine. Guest memory is attached once with
// Attach and kept in sync with the address space on InvalidateEPT.
type Machine struct {
	devKVM   *os.File
	kvmFd    uintptr
	vmFd     uintptr
	mmapSize int
	cpuid    kvm.CPUID
	maxSlots int
	userMSRs bool
	trace    bool
	log      *logrus.Entry

	mu     sync.Mutex
	aspace *memory.Aspace
	slots  int
	vcpus  []*kvmVcpu
	nextID int
	tscHz  uint64
	closed bool
}

// New opens the KVM device and creates an empty virtual machine.
func New(opts Options) (_ *Machine, err error) {
	if opts.Device == "" {
		opts.Device = "/dev/kvm"
	}

	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	devKVM, err := os.OpenFile(opts.Device, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKVM, err)
	}

	m := &Machine{
		devKVM: devKVM,
		kvmFd:  devKVM.Fd(),
		trace:  opts.Trace,
		log:    log.WithField("device", opts.Device),
	}

	defer func() {
		if err != nil {
			m.release()
		}
	}()

	if v, err := kvm.GetAPIVersion(m.kvmFd); err != nil || v != kvm.APIVersion {
		return nil, fmt.Errorf("%w: api version %d: %v", ErrNoKVM, v, err)
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.mmapSize = int(mmapSize)

	if m.maxSlots, err = kvm.CheckExtension(m.kvmFd, kvm.CapNRMemSlots); err != nil || m.maxSlots <= 0 {
		m.maxSlots = 32
	}

	m.cpuid.Nent = kvm.MaxCPUIDEntries
	if err := kvm.GetSupportedCPUID(m.kvmFd, &m.cpuid); err != nil {
		return nil, fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	m.patchCPUID()

	// Unknown MSRs go to the vcpu so that the x2APIC and paravirtual
	// MSRs are emulated the same way on every backend.
	if n, _ := kvm.CheckExtension(m.kvmFd, kvm.CapX86UserSpaceMSR); n > 0 {
		if err := kvm.EnableCap(m.vmFd, kvm.CapX86UserSpaceMSR, kvm.MSRExitReasonUnknown); err == nil {
			m.userMSRs = true
		}
	}

	m.log.WithFields(logrus.Fields{
		"cpuid_entries": m.cpuid.Nent,
		"max_slots":     m.maxSlots,
		"user_msrs":     m.userMSRs,
	}).Debug("kvm machine created")

	return m, nil
}

// patchCPUID tailors the supported entries the way every vcpu sees them.
func (m *Machine) patchCPUID() {
	for i := 0; i < int(m.cpuid.Nent); i++ {
		e := &m.cpuid.Entries[i]

		switch e.Function {
		case cpuidFeatures:
			e.Ecx &^= featureTSCDeadline
		case cpuidPerfMon:
			e.Eax = 0 // disable
		case cpuidSignature:
			e.Ebx = signatureEBX
			e.Ecx = signatureECX
			e.Edx = signatureEDX
		}
	}
}

// Attach maps the guest-physical address space into the virtual machine.
// It must be called before any vcpu is entered.
func (m *Machine) Attach(a *memory.Aspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aspace != nil {
		return hverror.Errorf(hverror.AlreadyExists, "Attach", "address space already attached")
	}

	m.aspace = a

	return m.syncSlots()
}

// syncSlots replaces the memory slots with the present regions of the
// address space. The caller holds m.mu.
func (m *Machine) syncSlots() error {
	regions := m.aspace.Regions()
	if len(regions) > m.maxSlots {
		return hverror.Errorf(hverror.ResourceExhausted, "syncSlots", "%d regions, %d slots", len(regions), m.maxSlots)
	}

	for slot := 0; slot < m.slots; slot++ {
		if err := kvm.DeleteSlot(m.vmFd, uint32(slot)); err != nil {
			return hverror.New(hverror.Internal, "syncSlots", fmt.Errorf("delete slot %d: %w", slot, err))
		}
	}

	m.slots = 0

	for i, r := range regions {
		if err := kvm.MapSlot(m.vmFd, uint32(i), r.GPA, r.Buf); err != nil {
			return hverror.New(hverror.Internal, "syncSlots", fmt.Errorf("slot %d at %#x: %w", i, r.GPA, err))
		}

		m.slots++
	}

	m.log.WithField("slots", m.slots).Trace("memory slots synced")

	return nil
}

// InvalidateEPT implements vmx.Processor. KVM keeps its own EPT, so the
// memory slots are rebuilt from the address space instead.
func (m *Machine) InvalidateEPT(uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aspace == nil {
		return nil
	}

	return m.syncSlots()
}

// InvalidateVPID implements vmx.Processor. KVM assigns and flushes VPIDs
// itself.
func (m *Machine) InvalidateVPID(vpid uint16) {
	m.log.WithField("vpid", vpid).Trace("invvpid")
}

// CPUID implements vmx.Processor with the entries KVM supports.
func (m *Machine) CPUID(leaf, subleaf uint32) vmx.CPUIDResult {
	e, ok := m.cpuid.Lookup(leaf, subleaf)
	if !ok {
		return vmx.CPUIDResult{}
	}

	return vmx.CPUIDResult{EAX: e.Eax, EBX: e.Ebx, ECX: e.Ecx, EDX: e.Edx}
}

// TSCFrequency implements vmx.Processor.
func (m *Machine) TSCFrequency() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tscHz == 0 {
		return defaultTSCFrequency
	}

	return m.tscHz
}

// ReadTSC implements vmx.Processor. The guest TSC is read through the
// first vcpu, since KVM offsets it from the host's.
func (m *Machine) ReadTSC() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.vcpus) == 0 {
		return 0
	}

	tsc, err := kvm.GetMSR(m.vcpus[0].fd, msrTSC)
	if err != nil {
		m.log.WithError(err).Warn("reading guest tsc")
	}

	return tsc
}

// Close destroys the virtual machine. Every page must have been freed.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	if len(m.vcpus) != 0 {
		return hverror.Errorf(hverror.BadState, "Close", "%d vcpus still allocated", len(m.vcpus))
	}

	m.closed = true

	return m.release()
}

func (m *Machine) release() error {
	var errs []error

	if m.vmFd != 0 {
		errs = append(errs, closeFd(m.vmFd))
		m.vmFd = 0
	}

	if m.devKVM != nil {
		errs = append(errs, m.devKVM.Close())
		m.devKVM = nil
	}

	return errors.Join(errs...)
}

var _ vmx.Processor = (*Machine)(nil)
