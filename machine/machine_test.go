package machine_test

import (
	"errors"
	"os"
	"testing"

	"github.com/bobuhiro11/gohv/guest"
	"github.com/bobuhiro11/gohv/machine"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/thread"
	"github.com/bobuhiro11/gohv/trap"
	"github.com/bobuhiro11/gohv/vcpu"
	"golang.org/x/arch/x86/x86asm"
)

const (
	entry   = 0x8000
	outPort = 0xf4
	outKey  = 7
)

func newMachine(t *testing.T) *machine.Machine {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	m, err := machine.New(machine.Options{Trace: true})
	if errors.Is(err, machine.ErrNoKVM) {
		t.Skipf("Skipping test: %v", err)
	}

	if err != nil {
		t.Fatal(err)
	}

	return m
}

// runGuest loads code at entry and enters it once on a vcpu thread.
func runGuest(t *testing.T, m *machine.Machine, code []byte) (packet.Packet, error) {
	t.Helper()

	g, err := guest.Create(guest.Options{Name: t.Name(), MemSize: 1 << 20, Processor: m})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Attach(g.PhysicalAspace()); err != nil {
		t.Fatal(err)
	}

	if _, err := g.PhysicalAspace().WriteAt(code, entry); err != nil {
		t.Fatal(err)
	}

	if err := g.SetTrap(trap.IO, outPort, 1, nil, outKey); err != nil {
		t.Fatal(err)
	}

	var (
		p      packet.Packet
		runErr error
	)

	th := thread.Start(thread.Options{Name: t.Name()}, func(*thread.Thread) error {
		v, err := vcpu.New(g, entry, vcpu.DefaultConfig())
		if err != nil {
			return err
		}

		runErr = v.Enter(&p)

		return v.Close()
	})

	if err := th.Join(); err != nil {
		t.Fatal(err)
	}

	if err := g.Close(); err != nil {
		t.Error(err)
	}

	if err := m.Close(); err != nil {
		t.Error(err)
	}

	return p, runErr
}

func TestOutToTrap(t *testing.T) {
	m := newMachine(t)

	// mov al, 0x41; out 0xf4, al; hlt
	p, err := runGuest(t, m, []byte{0xb0, 0x41, 0xe6, outPort, 0xf4})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}

	if p.Type != packet.TypeGuestIO || p.Key != outKey {
		t.Fatalf("Enter stopped with %+v", p)
	}

	if p.GuestIO.Port != outPort || p.GuestIO.Input || p.GuestIO.Data[0] != 0x41 {
		t.Errorf("GuestIO = %+v", p.GuestIO)
	}
}

func TestCPUIDSignature(t *testing.T) {
	m := newMachine(t)
	defer m.Close()

	r := m.CPUID(0x40000000, 0)
	if r.EBX != 0x4b4d564b || r.ECX != 0x564b4d56 || r.EDX != 0x4d {
		t.Errorf("signature = %+v", r)
	}

	if m.TSCFrequency() == 0 {
		t.Error("zero tsc frequency")
	}
}

func TestAttachTwice(t *testing.T) {
	m := newMachine(t)
	defer m.Close()

	g, err := guest.Create(guest.Options{Name: t.Name(), MemSize: 1 << 16, Processor: m})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	if err := m.Attach(g.PhysicalAspace()); err != nil {
		t.Fatal(err)
	}

	if err := m.Attach(g.PhysicalAspace()); err == nil {
		t.Error("second Attach succeeded")
	}
}

func TestAsm(t *testing.T) {
	t.Parallel()

	d, err := x86asm.Decode([]byte{0xe6, 0xf4}, 16)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := machine.Asm(&d, 0x8000), `"out %al,$0xf4"`; got != want {
		t.Errorf("Asm = %s, want %s", got, want)
	}
}
