package vcpu

import (
	"testing"
	"time"
)

func TestTimerDivisor(t *testing.T) {
	t.Parallel()

	for conf, want := range map[uint32]uint32{
		0x0: 2,
		0x1: 4,
		0x2: 8,
		0x3: 16,
		0x8: 32,
		0x9: 64,
		0xa: 128,
		0xb: 1,
	} {
		if got := timerDivisor(conf); got != want {
			t.Errorf("timerDivisor(%#x) = %d, want %d", conf, got, want)
		}
	}
}

func newTestAPIC() (*localAPIC, chan uint8) {
	fired := make(chan uint8, 16)
	a := newLocalAPIC(func(v uint8) { fired <- v }, func(uint64) time.Duration { return 50 * time.Millisecond })

	return a, fired
}

func TestOneShotTimer(t *testing.T) {
	t.Parallel()

	a, fired := newTestAPIC()
	defer a.close()

	a.write(apicDivideConf, 0xb)
	a.write(apicLVTTimer, 0x40)
	a.write(apicInitCount, 500)

	select {
	case v := <-fired:
		if v != 0x40 {
			t.Fatalf("fired vector %#x, want 0x40", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}

	if got := a.currentCount(); got != 0 {
		t.Errorf("current count after expiry = %d", got)
	}

	// A one-shot timer is not re-armed.
	a.rearm()

	select {
	case v := <-fired:
		t.Fatalf("one-shot timer fired again with %#x", v)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPeriodicTimer(t *testing.T) {
	t.Parallel()

	a, fired := newTestAPIC()
	defer a.close()

	a.write(apicLVTTimer, uint64(timerPeriodic)<<lvtModeShift|0x41)
	a.write(apicInitCount, 100_000)

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("period %d did not fire", i)
		}

		a.rearm()
	}

	// Writing zero stops the timer.
	a.write(apicInitCount, 0)

	if v, _ := a.read(apicCurCount, 0); v != 0 {
		t.Errorf("current count = %d after stop", v)
	}
}

func TestTSCDeadlineMode(t *testing.T) {
	t.Parallel()

	a, fired := newTestAPIC()
	defer a.close()

	// Ignored outside TSC-deadline mode.
	a.setDeadline(100)

	if got := a.getDeadline(); got != 0 {
		t.Fatalf("deadline %d armed in one-shot mode", got)
	}

	a.write(apicLVTTimer, uint64(timerTSCDeadline)<<lvtModeShift|0x42)
	a.setDeadline(100)

	if got := a.getDeadline(); got != 100 {
		t.Errorf("deadline = %d, want 100", got)
	}

	if v := <-fired; v != 0x42 {
		t.Errorf("fired vector %#x, want 0x42", v)
	}
}

func TestAPICRegisters(t *testing.T) {
	t.Parallel()

	a, _ := newTestAPIC()
	defer a.close()

	for _, tt := range []struct {
		reg  uint32
		id   uint32
		want uint64
	}{
		{apicID, 5, 5},
		{apicVersion, 0, apicVersionBits},
		{apicLDR, 0x13, 1<<16 | 1<<3},
		{apicLVTTimer, 0, lvtMasked},
		{apicLVTLINT0, 0, lvtMasked},
		{apicISR0, 0, 0},
	} {
		got, ok := a.read(tt.reg, tt.id)
		if !ok || got != tt.want {
			t.Errorf("read(%#x) = %#x %v, want %#x", tt.reg, got, ok, tt.want)
		}
	}

	if _, ok := a.read(0x01, 0); ok {
		t.Error("reserved register readable")
	}

	if a.write(apicVersion, 1) {
		t.Error("version register writable")
	}

	a.write(apicESR, 0xff)

	if got, _ := a.read(apicESR, 0); got != 0 {
		t.Errorf("esr = %#x after write, want 0", got)
	}
}

func TestMergeIO(t *testing.T) {
	t.Parallel()

	if _, err := mergeIO(0, &IO{AccessSize: 8}); err == nil {
		t.Error("8 byte io accepted")
	}

	got, err := mergeIO(0x1122_3344_5566_7788, &IO{AccessSize: 2, Data: [4]byte{0xaa, 0xbb}})
	if err != nil || got != 0x1122_3344_5566_bbaa {
		t.Errorf("mergeIO = %#x %v", got, err)
	}
}
