package vcpu

import (
	"math"
	"sync"
	"time"

	"github.com/bobuhiro11/gohv/guest"
	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/irq"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/pvclock"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Warnings about guest behaviour are limited to this rate.
const (
	warnEvery = time.Second
	warnBurst = 10
)

// clockState is the paravirtual clock requested by the guest.
type clockState struct {
	mu      sync.Mutex
	msr     uint64
	wallMSR uint64
	buf     []byte
	pending bool
	stable  bool
}

// NormalVcpu is a VCPU of a NormalGuest with a local APIC and a
// paravirtual clock.
type NormalVcpu struct {
	*Vcpu

	guest   *guest.NormalGuest
	tracker *irq.Tracker
	apic    *localAPIC
	clock   clockState

	// mtrrs holds the MTRR values the guest wrote.
	mtrrs map[uint32]uint64

	warnings *rate.Limiter
}

// New creates a VCPU of g starting at entry. It must be called on a thread
// started by the thread package, which becomes the VCPU's bound thread.
func New(g *guest.NormalGuest, entry uint64, cfg Config) (*NormalVcpu, error) {
	base, err := newVcpu(g, entry, cfg)
	if err != nil {
		return nil, err
	}

	v := &NormalVcpu{
		Vcpu:     base,
		guest:    g,
		tracker:  irq.New(),
		mtrrs:    make(map[uint32]uint64),
		warnings: rate.NewLimiter(rate.Every(warnEvery), warnBurst),
	}
	v.clock.stable = true
	v.apic = newLocalAPIC(v.Interrupt, v.tscToDuration)
	base.wake = v.tracker.Wake

	return v, nil
}

func (v *NormalVcpu) tscToDuration(deadline uint64) time.Duration {
	now := v.proc.ReadTSC()
	if deadline <= now {
		return 0
	}

	ns := float64(deadline-now) * float64(time.Second) / float64(v.proc.TSCFrequency())
	if ns > math.MaxInt64 {
		return math.MaxInt64
	}

	return time.Duration(ns)
}

// warnf logs a rate-limited warning about the guest.
func (v *NormalVcpu) warnf(fields logrus.Fields, format string, args ...any) {
	if v.warnings.Allow() {
		v.log.WithFields(fields).Warnf(format, args...)
	}
}

// Interrupt marks vector pending and makes a running guest exit so that
// it is injected promptly. It never fails.
func (v *NormalVcpu) Interrupt(vector uint8) {
	v.tracker.Interrupt(vector)
	v.request()
}

// PendingInterrupt reports whether vector is owed to the guest.
func (v *NormalVcpu) PendingInterrupt(vector uint8) bool { return v.tracker.IsPending(vector) }

// Enter runs the guest until an exit the caller must handle, which is
// described in p. A pending Kick makes it return Canceled.
func (v *NormalVcpu) Enter(p *packet.Packet) error {
	return v.enter(v.preEnter, v.postExit, p)
}

// WriteStateIO completes a port read by placing io into RAX. It must be
// called on the bound thread.
func (v *NormalVcpu) WriteStateIO(io *IO) error {
	if !v.ThreadIsOurThread() {
		return hverror.Errorf(hverror.BadState, "WriteStateIO", "not called on the vcpu thread")
	}

	rax, err := mergeIO(v.gs.RAX, io)
	if err != nil {
		return err
	}

	v.gs.RAX = rax

	return nil
}

// Close stops the APIC timer and releases the VCPU.
func (v *NormalVcpu) Close() error {
	if err := v.Vcpu.Close(); err != nil {
		return err
	}

	v.apic.close()

	return nil
}

func (v *NormalVcpu) preEnter() error {
	v.apic.rearm()
	v.publishClock()
	v.injectInterrupt()

	return nil
}

// injectInterrupt injects at most one vector for the next entry. NMIs
// come first, then the highest vector if the guest is interruptible, then
// exceptions raised by exit handlers.
func (v *NormalVcpu) injectInterrupt() {
	p := v.page
	if vmx.InterruptPending(p) {
		return
	}

	switch {
	case v.tracker.TryPop(vmx.VectorNMI):
		vmx.IssueInterrupt(p, vmx.VectorNMI)
	case vmx.CanInjectExternal(p):
		if vector, ok := v.tracker.Pop(); ok {
			vmx.IssueInterrupt(p, vector)
		}
	default:
		if vector, ok := v.tracker.PopBelow(vmx.MaxExceptionVector + 1); ok {
			vmx.IssueInterrupt(p, vector)
		}
	}

	vmx.SetInterruptWindowExiting(p, v.tracker.Pending())
}

// publishClock writes the system time requested by the guest. A failure
// only drops the clock.
func (v *NormalVcpu) publishClock() {
	v.clock.mu.Lock()
	defer v.clock.mu.Unlock()

	if !v.clock.pending || v.clock.buf == nil {
		return
	}

	mul, shift := pvclock.Scale(v.proc.TSCFrequency())
	st := pvclock.SystemTime{
		TSC:      v.proc.ReadTSC(),
		System:   uint64(time.Since(v.guest.BootTime())),
		TSCMul:   mul,
		TSCShift: shift,
	}

	if v.clock.stable {
		st.Flags = pvclock.FlagStable
	}

	v.clock.pending = false

	if err := pvclock.Publish(v.clock.buf, &st); err != nil {
		v.warnf(logrus.Fields{"msr": v.clock.msr}, "dropping pv clock: %v", err)
		v.clock.buf = nil
	}
}

func (v *NormalVcpu) setSystemTime(val uint64) {
	v.clock.mu.Lock()
	defer v.clock.mu.Unlock()

	v.clock.msr = val

	if val&pvclock.EnableBit == 0 {
		v.clock.buf = nil
		v.clock.pending = false

		return
	}

	buf, err := v.guest.PhysicalAspace().GuestPtr(val&^pvclock.EnableBit, pvclock.SystemTimeSize)
	if err != nil {
		v.warnf(logrus.Fields{"msr": val}, "bad pv clock address: %v", err)
		v.clock.buf = nil

		return
	}

	v.clock.buf = buf
	v.clock.pending = true
}

func (v *NormalVcpu) setWallClock(gpa uint64) {
	v.clock.mu.Lock()
	v.clock.wallMSR = gpa
	v.clock.mu.Unlock()

	buf, err := v.guest.PhysicalAspace().GuestPtr(gpa, pvclock.WallClockSize)
	if err == nil {
		boot := v.guest.BootTime()
		err = pvclock.PublishWallClock(buf, uint32(boot.Unix()), uint32(boot.Nanosecond()))
	}

	if err != nil {
		v.warnf(logrus.Fields{"gpa": gpa}, "wall clock not published: %v", err)
	}
}
