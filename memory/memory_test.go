package memory_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/memory"
)

func newAspace(t *testing.T, size uint64) *memory.Aspace {
	t.Helper()

	a, err := memory.New(memory.Options{Size: size})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	a := newAspace(t, 1<<20)

	if _, err := a.WriteAt([]byte("hello"), 0x1ffe); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 5)
	if _, err := a.ReadAt(b, 0x1ffe); err != nil {
		t.Fatal(err)
	}

	if string(b) != "hello" {
		t.Errorf("read %q", b)
	}

	if _, err := a.ReadAt(b, 1<<20-2); !errors.Is(err, hverror.ErrInvalidArgument) {
		t.Errorf("read past end: %v", err)
	}
}

func TestUnmapPageFault(t *testing.T) {
	t.Parallel()

	a := newAspace(t, 0x10000)

	if _, err := a.WriteAt([]byte{0xaa}, 0x1800); err != nil {
		t.Fatal(err)
	}

	if err := a.Unmap(0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}

	if a.Present(0x1800) || !a.Present(0x2000) {
		t.Fatal("presence not updated")
	}

	if _, err := a.ReadAt(make([]byte, 1), 0x1800); !errors.Is(err, hverror.ErrNotFound) {
		t.Errorf("read from unmapped page: %v", err)
	}

	regions := a.Regions()
	if len(regions) != 2 || regions[0].GPA != 0 || len(regions[0].Buf) != 0x1000 ||
		regions[1].GPA != 0x2000 || len(regions[1].Buf) != 0xe000 {
		t.Errorf("unexpected regions %+v", regions)
	}

	if err := a.PageFault(0x1800); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 1)
	if _, err := a.ReadAt(b, 0x1800); err != nil {
		t.Fatal(err)
	}

	if b[0] != 0 {
		t.Errorf("faulted page not zero: %#x", b[0])
	}

	if err := a.PageFault(0x10000); !errors.Is(err, hverror.ErrNotFound) {
		t.Errorf("fault outside aspace: %v", err)
	}

	if err := a.Unmap(0x800, 0x1000); !errors.Is(err, hverror.ErrInvalidArgument) {
		t.Errorf("misaligned unmap: %v", err)
	}
}

func TestGuestPtr(t *testing.T) {
	t.Parallel()

	a := newAspace(t, 0x4000)

	if err := a.Unmap(0x2000, 0x1000); err != nil {
		t.Fatal(err)
	}

	p, err := a.GuestPtr(0x2008, 32)
	if err != nil {
		t.Fatal(err)
	}

	copy(p, "guest")

	if !a.Present(0x2000) {
		t.Error("GuestPtr did not fault the page in")
	}

	b := make([]byte, 5)
	if _, err := a.ReadAt(b, 0x2008); err != nil || !bytes.Equal(b, []byte("guest")) {
		t.Errorf("read back %q %v", b, err)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	a := newAspace(t, 1<<22)

	const (
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
	)

	put := func(addr, v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)

		if _, err := a.WriteAt(b[:], int64(addr)); err != nil {
			t.Fatal(err)
		}
	}

	put(pml4, pdpt|3)
	put(pdpt, pd|3)
	put(pdpt+8, 0x40000000|0x83)
	put(pd, pt|3)
	put(pd+8, 0x200000|0x83)
	put(pt+5*8, 0x9000|3)

	for _, test := range []struct {
		name string
		va   uint64
		gpa  uint64
		err  error
	}{
		{name: "4KiB", va: 0x5123, gpa: 0x9123},
		{name: "2MiB", va: 0x212345, gpa: 0x212345},
		{name: "1GiB", va: 0x40001234, gpa: 0x40001234},
		{name: "NotPresent", va: 0x6000, err: hverror.ErrNotFound},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			gpa, err := a.Translate(pml4, test.va)
			if test.err != nil {
				if !errors.Is(err, test.err) {
					t.Fatalf("have %v, want %v", err, test.err)
				}

				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if gpa != test.gpa {
				t.Errorf("Translate(%#x) = %#x, want %#x", test.va, gpa, test.gpa)
			}
		})
	}
}

func TestPoison(t *testing.T) {
	t.Parallel()

	a, err := memory.New(memory.Options{Size: 0x101000, Poison: true})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b := make([]byte, len(memory.Poison))
	if _, err := a.ReadAt(b, 0x100000); err != nil {
		t.Fatal(err)
	}

	if string(b) != memory.Poison {
		t.Errorf("high memory not poisoned: % x", b)
	}
}

func TestAllocPage(t *testing.T) {
	t.Parallel()

	p, err := memory.AllocPage(0xff)
	if err != nil {
		t.Fatal(err)
	}

	if p.Buf[0] != 0xff || p.Buf[memory.PageSize-1] != 0xff || p.Phys == 0 {
		t.Errorf("unexpected page %#x %#x %#x", p.Buf[0], p.Buf[memory.PageSize-1], p.Phys)
	}

	if err := p.Free(); err != nil {
		t.Fatal(err)
	}
}
