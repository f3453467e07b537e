// Package guest implements guest machines: the address space, MSR bitmap,
// trap map and VPID pool shared by a guest's VCPUs.
package guest

import (
	"sync"
	"time"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/idalloc"
	"github.com/bobuhiro11/gohv/memory"
	"github.com/bobuhiro11/gohv/port"
	"github.com/bobuhiro11/gohv/trap"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
)

// MaxGuestVcpus is the number of VPIDs available to one guest.
const MaxGuestVcpus = idalloc.MaxIDs

// ioSpaceSize is the size of the x86 port I/O space.
const ioSpaceSize = 0x10000

// msrBitmapFill makes every MSR access exit.
const msrBitmapFill = 0xff

// passthroughMSRs are read and written by the guest without exits.
var passthroughMSRs = []uint32{
	vmx.MSRFSBase,
	vmx.MSRGSBase,
	vmx.MSRKernelGSBase,
	vmx.MSRSTAR,
	vmx.MSRLSTAR,
	vmx.MSRFMASK,
	vmx.MSRTSCAux,
	vmx.MSRSysenterCS,
	vmx.MSRSysenterESP,
	vmx.MSRSysenterEIP,
}

// Guest is what a VCPU needs from the machine it belongs to.
type Guest interface {
	// RootVmar returns the guest-physical address space.
	RootVmar() *memory.Aspace
	// MsrBitmapsAddress returns the physical address of the MSR bitmap
	// page shared by the guest's VCPUs.
	MsrBitmapsAddress() uint64
	// Processor returns the execution backend.
	Processor() vmx.Processor

	TryAllocVpid() (uint16, error)
	AllocVpid(vpid uint16) error
	FreeVpid(vpid uint16)

	// AddVcpu and RemoveVcpu maintain the live VCPU count.
	AddVcpu() error
	RemoveVcpu()

	Logger() *logrus.Entry
}

// Options configures a guest.
type Options struct {
	Name      string
	MemSize   uint64
	Poison    bool
	Processor vmx.Processor
	Logger    *logrus.Entry
}

// NormalGuest is a guest with its own address space and trap map.
type NormalGuest struct {
	name      string
	proc      vmx.Processor
	aspace    *memory.Aspace
	msrBitmap *memory.Page
	traps     *trap.Map
	vpids     *idalloc.Allocator
	log       *logrus.Entry
	boot      time.Time

	mu     sync.Mutex
	vcpus  int
	closed bool
}

// Create builds a guest. On failure nothing is left allocated.
func Create(opts Options) (_ *NormalGuest, err error) {
	if opts.Processor == nil {
		return nil, hverror.Errorf(hverror.InvalidArgument, "guest.Create", "no processor")
	}

	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	g := &NormalGuest{
		name:  opts.Name,
		proc:  opts.Processor,
		traps: trap.NewMap(),
		vpids: idalloc.New(MaxGuestVcpus),
		log:   log.WithField("guest", opts.Name),
		boot:  time.Now(),
	}

	defer func() {
		if err != nil {
			g.release()
		}
	}()

	if g.msrBitmap, err = memory.AllocPage(msrBitmapFill); err != nil {
		return nil, hverror.New(hverror.ResourceExhausted, "guest.Create", err)
	}

	for _, msr := range passthroughMSRs {
		vmx.IgnoreMSR(g.msrBitmap.Buf, msr)
	}

	if g.aspace, err = memory.New(memory.Options{Size: opts.MemSize, Poison: opts.Poison}); err != nil {
		return nil, err
	}

	g.log.WithField("mem", opts.MemSize).Debug("guest created")

	return g, nil
}

func (g *NormalGuest) release() {
	if g.aspace != nil {
		if err := g.aspace.Close(); err != nil {
			g.log.WithError(err).Warn("closing address space")
		}

		g.aspace = nil
	}

	if g.msrBitmap != nil {
		if err := g.msrBitmap.Free(); err != nil {
			g.log.WithError(err).Warn("freeing msr bitmap")
		}

		g.msrBitmap = nil
	}
}

// Name returns the guest name.
func (g *NormalGuest) Name() string { return g.name }

// RootVmar implements Guest.
func (g *NormalGuest) RootVmar() *memory.Aspace { return g.aspace }

// PhysicalAspace returns the guest-physical address space.
func (g *NormalGuest) PhysicalAspace() *memory.Aspace { return g.aspace }

// MsrBitmapsAddress implements Guest.
func (g *NormalGuest) MsrBitmapsAddress() uint64 { return g.msrBitmap.Phys }

// MsrBitmap returns the MSR bitmap contents.
func (g *NormalGuest) MsrBitmap() []byte { return g.msrBitmap.Buf }

// BootTime returns the wall time at which guest system time is zero.
func (g *NormalGuest) BootTime() time.Time { return g.boot }

// Processor implements Guest.
func (g *NormalGuest) Processor() vmx.Processor { return g.proc }

// Traps returns the trap map.
func (g *NormalGuest) Traps() *trap.Map { return g.traps }

// Logger implements Guest.
func (g *NormalGuest) Logger() *logrus.Entry { return g.log }

// TryAllocVpid implements Guest.
func (g *NormalGuest) TryAllocVpid() (uint16, error) { return g.vpids.TryAlloc() }

// AllocVpid implements Guest.
func (g *NormalGuest) AllocVpid(vpid uint16) error { return g.vpids.Alloc(vpid) }

// FreeVpid implements Guest. Freeing a VPID that is not allocated panics.
func (g *NormalGuest) FreeVpid(vpid uint16) { g.vpids.Free(vpid) }

// AddVcpu implements Guest.
func (g *NormalGuest) AddVcpu() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return hverror.Errorf(hverror.BadState, "AddVcpu", "guest %s closed", g.name)
	}

	g.vcpus++

	return nil
}

// RemoveVcpu implements Guest.
func (g *NormalGuest) RemoveVcpu() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.vcpus == 0 {
		panic("guest: RemoveVcpu without AddVcpu")
	}

	g.vcpus--
}

// Vcpus returns the number of live VCPUs.
func (g *NormalGuest) Vcpus() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.vcpus
}

// SetTrap registers a trap of kind over [addr, addr+length). Accesses are
// reported with key, asynchronously on p for bells and synchronously from
// VCPU entry otherwise.
func (g *NormalGuest) SetTrap(kind trap.Kind, addr, length uint64, p *port.Port, key uint64) error {
	if !kind.Valid() {
		return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "unsupported trap kind %v", kind)
	}

	if length == 0 || addr+length < addr {
		return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "bad range %#x+%#x", addr, length)
	}

	switch kind {
	case trap.Bell:
		if p == nil {
			return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "bell trap needs a port")
		}
	case trap.Mem, trap.IO:
		if p != nil {
			return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "%v traps are synchronous", kind)
		}
	}

	if kind == trap.IO {
		if addr+length > ioSpaceSize {
			return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "io range %#x+%#x", addr, length)
		}

		return g.insert(kind, addr, length, p, key)
	}

	if addr%memory.PageSize != 0 || length%memory.PageSize != 0 {
		return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "unaligned range %#x+%#x", addr, length)
	}

	if addr+length > g.aspace.Size() {
		return hverror.Errorf(hverror.InvalidArgument, "SetTrap", "range %#x+%#x outside guest memory", addr, length)
	}

	if err := g.insert(kind, addr, length, p, key); err != nil {
		return err
	}

	// Unmap so that accesses fault into the hypervisor.
	if err := g.aspace.Unmap(addr, length); err != nil {
		return err
	}

	return g.proc.InvalidateEPT(vmx.EPTPointer(g.aspace.Root()))
}

func (g *NormalGuest) insert(kind trap.Kind, addr, length uint64, p *port.Port, key uint64) error {
	if err := g.traps.Insert(kind, addr, length, p, key); err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{"kind": kind, "addr": addr, "len": length, "key": key}).Debug("trap set")

	return nil
}

// Close releases the guest. It fails with BadState while VCPUs are live.
func (g *NormalGuest) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}

	if g.vcpus != 0 {
		return hverror.Errorf(hverror.BadState, "Close", "guest %s has %d live vcpus", g.name, g.vcpus)
	}

	g.closed = true
	g.release()

	return nil
}

var _ Guest = (*NormalGuest)(nil)
