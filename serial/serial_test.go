package serial_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/serial"
)

var _ device.IODevice = (*serial.Serial)(nil)

func TestOut(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	s := serial.New(&out, nil, nil)

	for _, c := range []byte("hi\n") {
		if err := s.Write(serial.COM1Addr, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if out.String() != "hi\n" {
		t.Errorf("sink = %q", out.String())
	}

	// With DLAB set the data register is the divisor latch.
	if err := s.Write(serial.COM1Addr+3, []byte{0x80}); err != nil {
		t.Fatal(err)
	}

	if err := s.Write(serial.COM1Addr, []byte{'x'}); err != nil {
		t.Fatal(err)
	}

	if out.String() != "hi\n" {
		t.Errorf("divisor write reached the sink: %q", out.String())
	}
}

func TestIn(t *testing.T) {
	t.Parallel()

	irqs := 0
	s := serial.New(&bytes.Buffer{}, func() { irqs++ }, nil)

	read := func(off uint64) byte {
		t.Helper()

		b := []byte{0xff}
		if err := s.Read(serial.COM1Addr+off, b); err != nil {
			t.Fatal(err)
		}

		return b[0]
	}

	if lsr := read(5); lsr != 0x60 {
		t.Errorf("idle LSR = %#x", lsr)
	}

	s.Input('a')

	if irqs != 0 {
		t.Errorf("irq raised with receive interrupts disabled")
	}

	if err := s.Write(serial.COM1Addr+1, []byte{1}); err != nil {
		t.Fatal(err)
	}

	s.Input('b')

	if irqs != 1 {
		t.Errorf("irqs = %d, want 1", irqs)
	}

	if lsr := read(5); lsr&1 == 0 {
		t.Errorf("LSR %#x does not report data", lsr)
	}

	if iir := read(2); iir != 0x04 {
		t.Errorf("IIR = %#x", iir)
	}

	if a, b := read(0), read(0); a != 'a' || b != 'b' {
		t.Errorf("read %q %q", a, b)
	}

	if lsr := read(5); lsr&1 != 0 {
		t.Errorf("LSR %#x reports data after drain", lsr)
	}
}

func TestRegisters(t *testing.T) {
	t.Parallel()

	s := serial.New(&bytes.Buffer{}, nil, nil)

	for _, off := range []uint64{3, 4, 7} {
		if err := s.Write(serial.COM1Addr+off, []byte{0x5a}); err != nil {
			t.Fatal(err)
		}

		b := []byte{0}
		if err := s.Read(serial.COM1Addr+off, b); err != nil {
			t.Fatal(err)
		}

		if b[0] != 0x5a {
			t.Errorf("register %d = %#x", off, b[0])
		}
	}
}
