// Package memory implements the guest-physical address space backing a
// guest: host mappings, page presence, guest pointers and page walks.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/gohv/hverror"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the guest page size.
	PageSize = 0x1000

	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000
)

var (
	errClosed   = errors.New("address space closed")
	errBadRange = errors.New("range outside address space")
)

// Options configures an address space.
type Options struct {
	// Size is the guest-physical size in bytes, rounded up to a page.
	Size uint64
	// Poison fills memory above 1MiB with Poison so that a guest running
	// off into unloaded memory exits quickly.
	Poison bool
}

// Region is a run of present guest pages.
type Region struct {
	GPA uint64
	Buf []byte
}

// Aspace is a guest-physical address space. Multi-page operations are
// applied page by page and are not atomic: a failure part way leaves the
// pages already processed in their new state.
type Aspace struct {
	mu      sync.RWMutex
	buf     []byte
	present []uint64
	closed  bool
}

// New maps a fresh address space.
func New(opts Options) (*Aspace, error) {
	size := roundUp(opts.Size)
	if size == 0 {
		return nil, hverror.Errorf(hverror.InvalidArgument, "memory.New", "zero size")
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, hverror.New(hverror.ResourceExhausted, "memory.New", fmt.Errorf("mmap %d bytes: %w", size, err))
	}

	a := &Aspace{
		buf:     buf,
		present: make([]uint64, (size/PageSize+63)/64),
	}

	for p := uint64(0); p < size/PageSize; p++ {
		a.present[p/64] |= 1 << (p % 64)
	}

	// Poison memory.
	// 0 is valid instruction and if you start running in the middle of all those
	// 0's it is impossible to diagnose.
	if opts.Poison {
		for i := highMemBase; i < len(buf); i += len(Poison) {
			copy(buf[i:], Poison)
		}
	}

	return a, nil
}

func roundUp(n uint64) uint64 { return (n + PageSize - 1) &^ (PageSize - 1) }

// Size returns the size of the address space.
func (a *Aspace) Size() uint64 { return uint64(len(a.buf)) }

// Root returns the address that identifies the translation root of this
// address space.
func (a *Aspace) Root() uint64 {
	return uint64(uintptr(unsafe.Pointer(&a.buf[0])))
}

func (a *Aspace) inRange(gpa, length uint64) bool {
	return length != 0 && gpa+length >= gpa && gpa+length <= uint64(len(a.buf))
}

func (a *Aspace) isPresent(page uint64) bool {
	return a.present[page/64]&(1<<(page%64)) != 0
}

// Present reports whether the page containing gpa is mapped into the guest.
func (a *Aspace) Present(gpa uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return gpa < uint64(len(a.buf)) && a.isPresent(gpa/PageSize)
}

// Unmap removes [gpa, gpa+length) from the guest view and releases its
// backing. Guest accesses to the range exit until PageFault maps it back.
func (a *Aspace) Unmap(gpa, length uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return hverror.New(hverror.BadState, "Unmap", errClosed)
	}

	if gpa%PageSize != 0 || length%PageSize != 0 || !a.inRange(gpa, length) {
		return hverror.New(hverror.InvalidArgument, "Unmap", errBadRange)
	}

	for p := gpa / PageSize; p < (gpa+length)/PageSize; p++ {
		a.present[p/64] &^= 1 << (p % 64)

		if err := unix.Madvise(a.buf[p*PageSize:(p+1)*PageSize], unix.MADV_DONTNEED); err != nil {
			return hverror.New(hverror.Internal, "Unmap", fmt.Errorf("madvise %#x: %w", p*PageSize, err))
		}
	}

	return nil
}

// PageFault maps the page containing gpa back into the guest.
func (a *Aspace) PageFault(gpa uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return hverror.New(hverror.BadState, "PageFault", errClosed)
	}

	if gpa >= uint64(len(a.buf)) {
		return hverror.Errorf(hverror.NotFound, "PageFault", "gpa %#x outside address space", gpa)
	}

	p := gpa / PageSize
	a.present[p/64] |= 1 << (p % 64)

	return nil
}

// Regions returns the runs of present pages.
func (a *Aspace) Regions() []Region {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var (
		regions []Region
		start   = uint64(0)
		in      = false
		pages   = uint64(len(a.buf)) / PageSize
	)

	for p := uint64(0); p <= pages; p++ {
		present := p < pages && a.isPresent(p)

		switch {
		case present && !in:
			start, in = p, true
		case !present && in:
			regions = append(regions, Region{GPA: start * PageSize, Buf: a.buf[start*PageSize : p*PageSize]})
			in = false
		}
	}

	return regions
}

// GuestPtr returns host memory backing [gpa, gpa+size), faulting the pages
// in if they are not present.
func (a *Aspace) GuestPtr(gpa, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, hverror.New(hverror.BadState, "GuestPtr", errClosed)
	}

	if !a.inRange(gpa, size) {
		return nil, hverror.Errorf(hverror.InvalidArgument, "GuestPtr", "range %#x+%#x outside address space", gpa, size)
	}

	for p := gpa / PageSize; p <= (gpa+size-1)/PageSize; p++ {
		a.present[p/64] |= 1 << (p % 64)
	}

	return a.buf[gpa : gpa+size : gpa+size], nil
}

func (a *Aspace) access(op string, gpa uint64, n int) error {
	if a.closed {
		return hverror.New(hverror.BadState, op, errClosed)
	}

	if !a.inRange(gpa, uint64(n)) {
		return hverror.Errorf(hverror.InvalidArgument, op, "range %#x+%#x outside address space", gpa, n)
	}

	for p := gpa / PageSize; p <= (gpa+uint64(n)-1)/PageSize; p++ {
		if !a.isPresent(p) {
			return hverror.Errorf(hverror.NotFound, op, "page %#x not present", p*PageSize)
		}
	}

	return nil
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (a *Aspace) ReadAt(b []byte, off int64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.access("ReadAt", uint64(off), len(b)); err != nil {
		return 0, err
	}

	return copy(b, a.buf[off:]), nil
}

// WriteAt implements io.WriterAt over guest-physical addresses.
func (a *Aspace) WriteAt(b []byte, off int64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.access("WriteAt", uint64(off), len(b)); err != nil {
		return 0, err
	}

	return copy(a.buf[off:], b), nil
}

// Page table entry bits used by Translate.
const (
	ptePresent  = 1 << 0
	ptePageSize = 1 << 7
	pteAddrMask = 0x000ffffffffff000
)

// Translate walks the guest's 4-level page tables rooted at cr3 and returns
// the guest-physical address for va. 1GiB and 2MiB pages are supported.
func (a *Aspace) Translate(cr3, va uint64) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	table := cr3 & pteAddrMask

	for level := 3; level >= 0; level-- {
		shift := uint(12 + 9*level)
		entryAddr := table + ((va>>shift)&0x1ff)*8

		if err := a.access("Translate", entryAddr, 8); err != nil {
			return 0, err
		}

		pte := binary.LittleEndian.Uint64(a.buf[entryAddr:])
		if pte&ptePresent == 0 {
			return 0, hverror.Errorf(hverror.NotFound, "Translate", "va %#x not mapped at level %d", va, level)
		}

		if level == 0 || (level <= 2 && pte&ptePageSize != 0) {
			mask := uint64(1)<<shift - 1

			return (pte & pteAddrMask &^ mask) | (va & mask), nil
		}

		table = pte & pteAddrMask
	}

	return 0, hverror.Errorf(hverror.Internal, "Translate", "walk fell through for %#x", va)
}

// Close unmaps the address space. It is safe to call more than once.
func (a *Aspace) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	a.closed = true

	return unix.Munmap(a.buf)
}

// Page is a single host page with a stable address, used for structures
// such as MSR bitmaps.
type Page struct {
	Buf  []byte
	Phys uint64
}

// AllocPage maps one page and fills it with fill.
func AllocPage(fill byte) (*Page, error) {
	buf, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, hverror.New(hverror.ResourceExhausted, "AllocPage", err)
	}

	if fill != 0 {
		for i := range buf {
			buf[i] = fill
		}
	}

	return &Page{Buf: buf, Phys: uint64(uintptr(unsafe.Pointer(&buf[0])))}, nil
}

// Free releases the page.
func (p *Page) Free() error {
	if p.Buf == nil {
		return nil
	}

	err := unix.Munmap(p.Buf)
	p.Buf = nil

	return err
}
