// Package vcpu implements virtual CPUs: the VM entry and exit state
// machine, migration safety of the hardware state, and the handling of
// exits that the hypervisor resolves without the caller.
package vcpu

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/bobuhiro11/gohv/guest"
	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/thread"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
)

// Bits of the VCPU state word.
const (
	// stateRunning is set while the bound thread is inside Enter.
	stateRunning uint32 = 1 << iota
	// stateEntered is set while the guest is executing.
	stateEntered
	// stateAccessing is set while another thread reads or writes the
	// register file.
	stateAccessing
	// stateClosed is set once Close has started.
	stateClosed
)

// realModeLimit is the highest entry point started in real mode.
const realModeLimit = 1 << 20

// Guest segment setup.
const (
	accessRightsCode    = 0x9b
	accessRightsData    = 0x93
	accessRightsCode64  = 0xa09b
	accessRightsTSS     = 0x8b
	accessRightsLDTR    = 0x82
	segmentLimitReal    = 0xffff
	segmentLimitFlat    = 0xffffffff
	defaultPAT          = 0x0007040600070406
	vmcsLinkPointerNone = ^uint64(0)
)

// shadowMSRs are the guest MSRs that pass through to hardware and must be
// moved on every context switch.
var shadowMSRs = [...]uint32{
	vmx.MSRSTAR,
	vmx.MSRLSTAR,
	vmx.MSRFMASK,
	vmx.MSRTSCAux,
	vmx.MSRKernelGSBase,
}

// Config selects optional VCPU behaviour.
type Config struct {
	// ID is the local APIC ID. The VCPU takes VPID ID+1, so IDs must be
	// unique within a guest. AnyID takes the lowest free VPID instead.
	ID int
	// HasBaseProcessor exposes the local APIC and the paravirtual clock.
	HasBaseProcessor bool
	// CRExiting makes CR3 loads and stores and writes to host-owned CR0
	// and CR4 bits exit.
	CRExiting bool
	// Unrestricted starts the guest with paging disabled.
	Unrestricted bool
	// OnExit, if set, is called on the bound thread for every exit.
	OnExit func(reason vmx.ExitReason)
}

// AnyID lets New pick the APIC ID.
const AnyID = -1

// DefaultConfig is the configuration of a normal VCPU.
func DefaultConfig() Config {
	return Config{ID: AnyID, HasBaseProcessor: true, Unrestricted: true}
}

// preEnterFunc runs before every entry.
type preEnterFunc func() error

// postExitFunc classifies an exit. It returns true to resume the guest and
// false when p holds an event for the caller.
type postExitFunc func(info *vmx.ExitInfo, p *packet.Packet) (bool, error)

// Vcpu is the architecture state of a virtual CPU bound to one thread.
type Vcpu struct {
	guest guest.Guest
	proc  vmx.Processor
	vpid  uint16
	cfg   Config
	log   *logrus.Entry

	// thread is written once at construction and once, to nil, when the
	// thread exits. Elsewhere it is only compared against.
	thread atomic.Pointer[thread.Thread]
	exited atomic.Bool

	// lastCPU is guarded by the thread's scheduling lock.
	lastCPU int

	page     *vmx.Page
	gs       vmx.GuestState
	launched bool
	extended []byte
	shadow   [len(shadowMSRs)]uint64

	state  atomic.Uint32
	kicked atomic.Bool

	// requested is set when pre-entry work is queued and is checked again
	// once entered is set.
	requested atomic.Bool

	// wake releases a halted VCPU.
	wake func()
}

func newVcpu(g guest.Guest, entry uint64, cfg Config) (_ *Vcpu, err error) {
	t := thread.Current()
	if t == nil {
		return nil, hverror.Errorf(hverror.BadState, "vcpu.New", "not called on a vcpu thread")
	}

	vpid, err := allocVpid(g, cfg.ID)
	if err != nil {
		return nil, err
	}

	v := &Vcpu{
		guest:    g,
		proc:     g.Processor(),
		vpid:     vpid,
		cfg:      cfg,
		lastCPU:  thread.InvalidCPU,
		extended: make([]byte, vmx.MaxExtendedRegisterSize),
		wake:     func() {},
	}
	v.log = g.Logger().WithField("vpid", vpid)

	defer func() {
		if err != nil {
			g.FreeVpid(vpid)
		}
	}()

	if err := t.SetMigrateFn(v.migrate); err != nil {
		return nil, hverror.New(hverror.BadState, "vcpu.New", err)
	}

	defer func() {
		if err != nil {
			_ = t.SetMigrateFn(nil)
		}
	}()

	if v.page, err = v.proc.AllocPage(); err != nil {
		return nil, hverror.New(hverror.ResourceExhausted, "vcpu.New", err)
	}

	v.thread.Store(t)

	t.Lock()
	v.lastCPU = t.CPU()
	v.proc.Load(v.page, v.lastCPU)
	t.Unlock()

	v.setup(entry)
	v.proc.InvalidateVPID(vpid)

	if err := g.AddVcpu(); err != nil {
		t.Lock()
		v.proc.Clear(v.page, v.lastCPU)
		v.lastCPU = thread.InvalidCPU
		t.Unlock()
		v.proc.FreePage(v.page)
		v.thread.Store(nil)

		return nil, err
	}

	t.SetContextSwitchFn(func(in bool) {
		if err := v.ContextSwitch(in, false); err != nil {
			v.log.WithError(err).Warn("context switch")
		}
	})

	v.log.WithFields(logrus.Fields{"entry": fmt.Sprintf("%#x", entry), "cpu": v.lastCPU}).Debug("vcpu created")

	return v, nil
}

// allocVpid reserves the VPID of APIC ID id.
func allocVpid(g guest.Guest, id int) (uint16, error) {
	if id == AnyID {
		return g.TryAllocVpid()
	}

	if id < 0 || id >= guest.MaxGuestVcpus {
		return 0, hverror.Errorf(hverror.InvalidArgument, "vcpu.New", "apic id %d", id)
	}

	vpid := uint16(id + 1)

	return vpid, g.AllocVpid(vpid)
}

// setup programs a freshly loaded page.
func (v *Vcpu) setup(entry uint64) {
	p := v.page

	p.Write(vmx.VPID, uint64(v.vpid))
	p.Write(vmx.MSRBitmapsAddress, v.guest.MsrBitmapsAddress())
	p.Write(vmx.EPTPointerField, vmx.EPTPointer(v.guest.RootVmar().Root()))

	p.Write(vmx.PinbasedCtls, vmx.PinExternalInterruptExiting|vmx.PinNMIExiting)

	proc := uint32(vmx.ProcHLTExiting | vmx.ProcIOExiting | vmx.ProcMSRBitmaps |
		vmx.ProcPauseExiting | vmx.ProcSecondaryControls)
	if v.cfg.CRExiting {
		proc |= vmx.ProcCR3LoadExiting | vmx.ProcCR3StoreExiting
	}

	p.Write(vmx.ProcbasedCtls, uint64(proc))

	proc2 := uint32(vmx.Proc2EPT | vmx.Proc2VPID | vmx.Proc2RDTSCP | vmx.Proc2INVPCID | vmx.Proc2XSAVES)
	if v.cfg.Unrestricted {
		proc2 |= vmx.Proc2UnrestrictedGuest
	}

	p.Write(vmx.ProcbasedCtls2, uint64(proc2))
	p.Write(vmx.ExitCtls, vmx.ExitHostAddressSpaceSize|vmx.ExitAckInterrupt|
		vmx.ExitSavePAT|vmx.ExitLoadPAT|vmx.ExitSaveEFER|vmx.ExitLoadEFER)
	p.Write(vmx.EntryCtls, vmx.EntryLoadPAT|vmx.EntryLoadEFER)
	p.Write(vmx.ExceptionBitmap, 0)

	cr0 := uint64(vmx.CR0ET | vmx.CR0NE)
	cr4 := uint64(vmx.CR4VMXE)
	efer := uint64(0)
	cs := uint64(accessRightsCode)
	limit := uint64(segmentLimitReal)

	if !v.cfg.Unrestricted {
		cr0 |= vmx.CR0PE | vmx.CR0PG
		cr4 |= vmx.CR4PAE
		efer = vmx.EFERLME | vmx.EFERLMA
		cs = accessRightsCode64
		limit = segmentLimitFlat
		p.SetControl(vmx.EntryCtls, vmx.EntryIA32eMode, 0)
	}

	p.Write(vmx.GuestCR0, cr0)
	p.Write(vmx.CR0ReadShadow, cr0)
	p.Write(vmx.GuestCR3, 0)
	p.Write(vmx.GuestCR4, cr4)
	// The guest never sees VMXE.
	p.Write(vmx.CR4ReadShadow, cr4&^vmx.CR4VMXE)
	p.Write(vmx.CR4GuestHostMask, vmx.CR4VMXE)

	if v.cfg.CRExiting {
		p.Write(vmx.CR0GuestHostMask, vmx.CR0NE)
	}

	p.Write(vmx.GuestIA32EFER, efer)
	p.Write(vmx.GuestIA32PAT, defaultPAT)

	rip := entry
	csBase := uint64(0)

	if v.cfg.Unrestricted && entry < realModeLimit {
		csBase = entry &^ 0xffff
		rip = entry & 0xffff
	}

	p.Write(vmx.GuestCSSelector, csBase>>4)
	p.Write(vmx.GuestCSBase, csBase)
	p.Write(vmx.GuestCSLimit, limit)
	p.Write(vmx.GuestCSAccessRights, cs)

	for _, seg := range [][3]vmx.Field{
		{vmx.GuestDSSelector, vmx.GuestDSLimit, vmx.GuestDSAccessRights},
		{vmx.GuestESSelector, vmx.GuestESLimit, vmx.GuestESAccessRights},
		{vmx.GuestFSSelector, vmx.GuestFSLimit, vmx.GuestFSAccessRights},
		{vmx.GuestGSSelector, vmx.GuestGSLimit, vmx.GuestGSAccessRights},
		{vmx.GuestSSSelector, vmx.GuestSSLimit, vmx.GuestSSAccessRights},
	} {
		p.Write(seg[0], 0)
		p.Write(seg[1], limit)
		p.Write(seg[2], accessRightsData)
	}

	p.Write(vmx.GuestTRLimit, segmentLimitReal)
	p.Write(vmx.GuestTRAccessRights, accessRightsTSS)
	p.Write(vmx.GuestLDTRLimit, segmentLimitReal)
	p.Write(vmx.GuestLDTRAccessRights, accessRightsLDTR)
	p.Write(vmx.GuestGDTRLimit, segmentLimitReal)
	p.Write(vmx.GuestIDTRLimit, segmentLimitReal)

	p.Write(vmx.GuestRIP, rip)
	p.Write(vmx.GuestRSP, 0)
	p.Write(vmx.GuestRFLAGS, vmx.RFLAGSReserved)
	p.Write(vmx.GuestActivityState, vmx.ActivityActive)
	p.Write(vmx.GuestInterruptibilityState, 0)
	p.Write(vmx.VMCSLinkPointer, vmcsLinkPointerNone)

	v.gs.XCR0 = vmx.XCR0X87
}

// VPID returns the VCPU's VPID.
func (v *Vcpu) VPID() uint16 { return v.vpid }

// Page returns the VMCS page.
func (v *Vcpu) Page() *vmx.Page { return v.page }

// Logger returns the VCPU's log entry.
func (v *Vcpu) Logger() *logrus.Entry { return v.log }

// ThreadIsOurThread reports whether the caller is the bound thread. Only
// the OS thread IDs are compared, without taking any lock.
func (v *Vcpu) ThreadIsOurThread() bool {
	// The exiting thread clears the reference before setting exited, so
	// exited must be read first.
	exited := v.exited.Load()
	bound := v.thread.Load()

	if bound != nil && exited {
		panic("vcpu: thread reference observed after the thread exited")
	}

	return bound != nil && bound.IsCurrent()
}

func (v *Vcpu) setBits(bits uint32) {
	for {
		old := v.state.Load()
		if v.state.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func (v *Vcpu) clearBits(bits uint32) {
	for {
		old := v.state.Load()
		if v.state.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// acquireRunning marks the bound thread as inside Enter, waiting out a
// concurrent register access.
func (v *Vcpu) acquireRunning() error {
	for {
		old := v.state.Load()

		switch {
		case old&stateClosed != 0:
			return hverror.Errorf(hverror.BadState, "Enter", "vcpu closed")
		case old&stateAccessing != 0:
			runtime.Gosched()
		case v.state.CompareAndSwap(old, old|stateRunning):
			return nil
		}
	}
}

func (v *Vcpu) stopWait() bool {
	return v.kicked.Load() || v.state.Load()&stateClosed != 0
}

// enter runs the guest until an exit that post does not resolve.
func (v *Vcpu) enter(pre preEnterFunc, post postExitFunc, p *packet.Packet) error {
	if !v.ThreadIsOurThread() {
		return hverror.Errorf(hverror.BadState, "Enter", "not called on the vcpu thread")
	}

	t := v.thread.Load()

	if err := v.acquireRunning(); err != nil {
		return err
	}
	defer v.clearBits(stateRunning)

	if cpu := t.CPU(); cpu != v.lastCPU {
		t.Lock()
		v.lastCPU = cpu
		v.proc.Load(v.page, cpu)
		t.Unlock()
	}

	for {
		v.requested.Store(false)

		if err := pre(); err != nil {
			return err
		}

		extended := v.gs.ExtendedEnabled()
		if extended {
			if err := v.proc.RestoreExtended(v.page, v.extended); err != nil {
				return hverror.New(hverror.Internal, "Enter", err)
			}
		}

		// Setting entered before consuming kicked means a concurrent Kick
		// either is seen here or sees entered and forces an exit.
		v.setBits(stateEntered)

		if v.kicked.Swap(false) {
			v.clearBits(stateEntered)

			return hverror.New(hverror.Canceled, "Enter", nil)
		}

		// Work requested after pre started was missed by it and would not
		// have forced an exit.
		if v.requested.Swap(false) {
			v.clearBits(stateEntered)

			continue
		}

		err := v.proc.Enter(v.page, &v.gs, v.launched)

		v.clearBits(stateEntered)

		if err != nil {
			code := v.page.Read(vmx.VMInstructionError)
			v.log.WithError(err).WithField("instruction_error", code).Error("vm entry failed")

			return hverror.New(hverror.Internal, "Enter", fmt.Errorf("instruction error %d: %w", code, err))
		}

		v.launched = true

		if extended {
			if err := v.proc.SaveExtended(v.page, v.extended); err != nil {
				return hverror.New(hverror.Internal, "Enter", err)
			}
		}

		info := vmx.ReadExitInfo(v.page)

		if v.cfg.OnExit != nil {
			v.cfg.OnExit(info.Reason)
		}

		resume, err := post(&info, p)
		if err != nil {
			return err
		}

		if !resume {
			return nil
		}
	}
}

// forceExit interrupts the guest if it is executing.
func (v *Vcpu) forceExit() {
	if v.state.Load()&stateEntered == 0 {
		return
	}

	thread.ListLock()
	defer thread.ListUnlock()

	t := v.thread.Load()
	if t == nil {
		return
	}

	t.Lock()
	defer t.Unlock()

	if v.lastCPU != thread.InvalidCPU {
		v.proc.Interrupt(v.page, v.lastCPU)
	}
}

// request makes a running guest exit, or the next entry go through the
// pre-entry hook again.
func (v *Vcpu) request() {
	v.requested.Store(true)
	v.forceExit()
}

// Kick makes the current or next Enter return Canceled. It never fails and
// multiple kicks before an entry collapse into one.
func (v *Vcpu) Kick() {
	v.kicked.Store(true)
	v.wake()
	v.forceExit()
}

// access grants exclusive use of the register file to the caller. The
// bound thread has it implicitly; other threads are refused while the VCPU
// is inside Enter.
func (v *Vcpu) access(op string) (func(), error) {
	if v.ThreadIsOurThread() {
		if v.state.Load()&stateClosed != 0 {
			return nil, hverror.Errorf(hverror.BadState, op, "vcpu closed")
		}

		return func() {}, nil
	}

	for {
		old := v.state.Load()

		switch {
		case old&stateClosed != 0:
			return nil, hverror.Errorf(hverror.BadState, op, "vcpu closed")
		case old&(stateRunning|stateEntered) != 0:
			return nil, hverror.Errorf(hverror.BadState, op, "vcpu is running")
		case old&stateAccessing != 0:
			runtime.Gosched()
		case v.state.CompareAndSwap(old, old|stateAccessing):
			return func() { v.clearBits(stateAccessing) }, nil
		}
	}
}

// ReadState returns the general registers.
func (v *Vcpu) ReadState() (State, error) {
	release, err := v.access("ReadState")
	if err != nil {
		return State{}, err
	}
	defer release()

	return readState(v.page, &v.gs), nil
}

// WriteState replaces the general registers.
func (v *Vcpu) WriteState(s *State) error {
	release, err := v.access("WriteState")
	if err != nil {
		return err
	}
	defer release()

	writeState(v.page, &v.gs, s)

	return nil
}

// migrate is the thread's migrate function. It runs with the thread's
// scheduling lock held.
func (v *Vcpu) migrate(t *thread.Thread, stage thread.Stage) {
	switch stage {
	case thread.StageBefore:
		if err := v.ContextSwitch(false, false); err != nil {
			v.log.WithError(err).Warn("saving guest msrs before migration")
		}

		if v.lastCPU != thread.InvalidCPU {
			v.proc.Clear(v.page, v.lastCPU)
			v.lastCPU = thread.InvalidCPU
		}
	case thread.StageAfter:
		// The page is loaded again lazily by Enter.
		v.proc.InvalidateVPID(v.vpid)

		if err := v.ContextSwitch(true, false); err != nil {
			v.log.WithError(err).Warn("restoring guest msrs after migration")
		}
	case thread.StageExiting:
		if v.lastCPU != thread.InvalidCPU {
			v.proc.Clear(v.page, v.lastCPU)
			v.lastCPU = thread.InvalidCPU
		}

		v.thread.Store(nil)
		v.exited.Store(true)
		v.log.Debug("vcpu thread exited")
	}
}

// ContextSwitch moves the pass-through guest MSRs, and optionally the
// extended registers, between the processor and the VCPU. in is true when
// the bound thread resumes.
func (v *Vcpu) ContextSwitch(in, includeExtended bool) error {
	if v.state.Load()&stateClosed != 0 {
		return nil
	}

	if in {
		for i, msr := range shadowMSRs {
			if err := v.proc.WriteMSR(v.page, msr, v.shadow[i]); err != nil {
				return fmt.Errorf("write msr %#x: %w", msr, err)
			}
		}

		if includeExtended {
			return v.proc.RestoreExtended(v.page, v.extended)
		}

		return nil
	}

	for i, msr := range shadowMSRs {
		val, err := v.proc.ReadMSR(v.page, msr)
		if err != nil {
			return fmt.Errorf("read msr %#x: %w", msr, err)
		}

		v.shadow[i] = val
	}

	if includeExtended {
		return v.proc.SaveExtended(v.page, v.extended)
	}

	return nil
}

// Info reports the VCPU's execution state.
func (v *Vcpu) Info() Info {
	info := Info{
		Kicked:  v.kicked.Load(),
		Entered: v.state.Load()&stateEntered != 0,
		LastCPU: thread.InvalidCPU,
		VPID:    v.vpid,
	}

	if t := v.thread.Load(); t != nil {
		t.Lock()
		info.LastCPU = v.lastCPU
		t.Unlock()
	}

	return info
}

// Close tears down the hardware state and returns the VPID. It fails with
// BadState while the VCPU is inside Enter.
func (v *Vcpu) Close() error {
	for {
		old := v.state.Load()

		switch {
		case old&stateClosed != 0:
			return nil
		case old&(stateRunning|stateEntered) != 0:
			return hverror.Errorf(hverror.BadState, "Close", "vcpu is running")
		case old&stateAccessing != 0:
			runtime.Gosched()

			continue
		}

		if v.state.CompareAndSwap(old, old|stateClosed) {
			break
		}
	}

	v.wake()

	if t := v.thread.Load(); t != nil {
		_ = t.SetMigrateFn(nil)
		t.SetContextSwitchFn(nil)

		t.Lock()
		if v.lastCPU != thread.InvalidCPU {
			v.proc.Clear(v.page, v.lastCPU)
			v.lastCPU = thread.InvalidCPU
		}
		t.Unlock()
	}

	v.proc.FreePage(v.page)
	v.guest.FreeVpid(v.vpid)
	v.guest.RemoveVcpu()
	v.log.Debug("vcpu closed")

	return nil
}
