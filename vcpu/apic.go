package vcpu

import (
	"sync"
	"time"
)

// x2APIC register offsets from MSRX2APICBase.
const (
	apicID          = 0x02
	apicVersion     = 0x03
	apicTPR         = 0x08
	apicPPR         = 0x0a
	apicEOI         = 0x0b
	apicLDR         = 0x0d
	apicSVR         = 0x0f
	apicISR0        = 0x10
	apicIRR7        = 0x27
	apicESR         = 0x28
	apicLVTCMCI     = 0x2f
	apicICR         = 0x30
	apicLVTTimer    = 0x32
	apicLVTThermal  = 0x33
	apicLVTPerf     = 0x34
	apicLVTLINT0    = 0x35
	apicLVTLINT1    = 0x36
	apicLVTError    = 0x37
	apicInitCount   = 0x38
	apicCurCount    = 0x39
	apicDivideConf  = 0x3e
	apicSelfIPI     = 0x3f
	apicVersionBits = 0x50014
)

// LVT bits.
const (
	lvtMasked     = 1 << 16
	lvtModeShift  = 17
	lvtModeMask   = 3 << lvtModeShift
	lvtVectorMask = 0xff
)

type timerMode uint32

const (
	timerOneShot     timerMode = 0
	timerPeriodic    timerMode = 1
	timerTSCDeadline timerMode = 2
)

// apicTickDuration is the length of one timer tick before division.
const apicTickDuration = time.Nanosecond

// timerDivisor decodes the divide configuration register.
func timerDivisor(conf uint32) uint32 {
	v := conf&3 | (conf&8)>>1
	if v == 7 {
		return 1
	}

	return 2 << v
}

// localAPIC is the timer and register state of an x2APIC. The timer fires
// through fire, which must not call back into the APIC.
type localAPIC struct {
	mu sync.Mutex

	fire func(vector uint8)
	// tscToDuration converts a TSC deadline into a delay.
	tscToDuration func(deadline uint64) time.Duration

	regs map[uint32]uint64

	lvt      uint32
	initial  uint32
	divide   uint32
	deadline uint64

	timer   *time.Timer
	gen     uint64
	running bool
	expired bool
	start   time.Time
	period  time.Duration
}

func newLocalAPIC(fire func(uint8), tscToDuration func(uint64) time.Duration) *localAPIC {
	a := &localAPIC{
		fire:          fire,
		tscToDuration: tscToDuration,
		regs:          make(map[uint32]uint64),
		lvt:           lvtMasked,
	}

	// Every LVT entry is masked at reset.
	for _, reg := range []uint32{apicLVTCMCI, apicLVTThermal, apicLVTPerf, apicLVTLINT0, apicLVTLINT1, apicLVTError} {
		a.regs[reg] = lvtMasked
	}

	return a
}

func (a *localAPIC) mode() timerMode { return timerMode((a.lvt & lvtModeMask) >> lvtModeShift) }

// stopLocked cancels the timer. Callbacks of earlier generations are
// ignored.
func (a *localAPIC) stopLocked() {
	a.gen++

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	a.running = false
	a.expired = false
}

func (a *localAPIC) armLocked(d time.Duration) {
	gen := a.gen
	a.running = true
	a.timer = time.AfterFunc(d, func() { a.expire(gen) })
}

func (a *localAPIC) expire(gen uint64) {
	a.mu.Lock()

	if gen != a.gen || !a.running {
		a.mu.Unlock()

		return
	}

	a.expired = true
	if a.mode() != timerPeriodic {
		a.running = false
	}

	masked := a.lvt&lvtMasked != 0
	vector := uint8(a.lvt & lvtVectorMask)
	a.mu.Unlock()

	if !masked {
		a.fire(vector)
	}
}

// rearm restarts an expired periodic timer for its next period.
func (a *localAPIC) rearm() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.expired || !a.running || a.mode() != timerPeriodic || a.period == 0 {
		return
	}

	a.expired = false
	elapsed := time.Since(a.start)
	a.armLocked(a.period - elapsed%a.period)
}

func (a *localAPIC) setLVT(v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.mode()
	a.lvt = v

	if a.mode() != old {
		a.stopLocked()
	}
}

func (a *localAPIC) setInitialCount(count uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked()
	a.initial = count

	if count == 0 || a.mode() == timerTSCDeadline {
		return
	}

	a.period = time.Duration(count) * time.Duration(timerDivisor(a.divide)) * apicTickDuration
	a.start = time.Now()
	a.armLocked(a.period)
}

func (a *localAPIC) currentCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initial == 0 || a.period == 0 || a.mode() == timerTSCDeadline {
		return 0
	}

	elapsed := time.Since(a.start)

	var remaining time.Duration

	switch {
	case a.mode() == timerPeriodic:
		remaining = a.period - elapsed%a.period
	case elapsed >= a.period:
		return 0
	default:
		remaining = a.period - elapsed
	}

	return uint32(remaining / (time.Duration(timerDivisor(a.divide)) * apicTickDuration))
}

func (a *localAPIC) setDeadline(tsc uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode() != timerTSCDeadline {
		return
	}

	a.stopLocked()
	a.deadline = tsc

	if tsc == 0 {
		return
	}

	d := a.tscToDuration(tsc)
	if d < 0 {
		d = 0
	}

	a.armLocked(d)
}

func (a *localAPIC) getDeadline() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode() != timerTSCDeadline || !a.running {
		return 0
	}

	return a.deadline
}

// read returns an x2APIC register; ok is false for registers that fault.
func (a *localAPIC) read(reg uint32, id uint32) (uint64, bool) {
	switch {
	case reg == apicID:
		return uint64(id), true
	case reg == apicVersion:
		return apicVersionBits, true
	case reg == apicLDR:
		return uint64((id>>4)<<16 | 1<<(id&0xf)), true
	case reg == apicPPR || (reg >= apicISR0 && reg <= apicIRR7):
		return 0, true
	case reg == apicLVTTimer:
		a.mu.Lock()
		defer a.mu.Unlock()

		return uint64(a.lvt), true
	case reg == apicInitCount:
		a.mu.Lock()
		defer a.mu.Unlock()

		return uint64(a.initial), true
	case reg == apicCurCount:
		return uint64(a.currentCount()), true
	case reg == apicDivideConf:
		a.mu.Lock()
		defer a.mu.Unlock()

		return uint64(a.divide), true
	case reg == apicTPR, reg == apicSVR, reg == apicESR, reg == apicICR,
		reg == apicLVTCMCI, reg >= apicLVTThermal && reg <= apicLVTError:
		a.mu.Lock()
		defer a.mu.Unlock()

		return a.regs[reg], true
	default:
		return 0, false
	}
}

// write stores an x2APIC register that needs no further action. It
// returns false for registers that fault or are handled elsewhere.
func (a *localAPIC) write(reg uint32, val uint64) bool {
	switch {
	case reg == apicEOI:
		return true
	case reg == apicLVTTimer:
		a.setLVT(uint32(val))

		return true
	case reg == apicInitCount:
		a.setInitialCount(uint32(val))

		return true
	case reg == apicDivideConf:
		a.mu.Lock()
		a.divide = uint32(val) & 0xb
		a.mu.Unlock()

		return true
	case reg == apicESR:
		a.mu.Lock()
		a.regs[reg] = 0
		a.mu.Unlock()

		return true
	case reg == apicTPR, reg == apicSVR, reg == apicICR,
		reg == apicLVTCMCI, reg >= apicLVTThermal && reg <= apicLVTError:
		a.mu.Lock()
		a.regs[reg] = val
		a.mu.Unlock()

		return true
	default:
		return false
	}
}

func (a *localAPIC) close() {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()
}
