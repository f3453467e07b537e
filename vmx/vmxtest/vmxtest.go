// Package vmxtest provides a simulated vmx.Processor for tests. Guest
// execution is scripted: each Enter consumes the next queued Exit for the
// page, or blocks until Interrupt when the script is empty.
package vmxtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gohv/vmx"
)

// ErrEntryFailed is returned by Enter for a scripted entry failure.
var ErrEntryFailed = errors.New("vm entry failed")

// DefaultTSCFrequency is the simulated TSC rate.
const DefaultTSCFrequency = 2_000_000_000

// Exit is one scripted guest exit.
type Exit struct {
	Info vmx.ExitInfo

	// Fail makes Enter fail with InstructionError instead of exiting.
	Fail             bool
	InstructionError uint64

	// Guest runs before the exit is recorded and may change guest state,
	// for example to place an OUT value in RAX.
	Guest func(p *vmx.Page, gs *vmx.GuestState)
}

// Op is a recorded residency operation.
type Op struct {
	Kind string
	Page uint64
	CPU  int
}

type pageState struct {
	script      []Exit
	interrupted bool
	wake        chan struct{}
	msrs        map[uint32]uint64
	extended    []byte
	injected    []uint8
	entries     int
	entered     bool
}

// Processor is a simulated processor. It panics when a page is loaded on
// two CPUs at once, entered while not resident, or freed while resident.
type Processor struct {
	mu       sync.Mutex
	nextPhys uint64
	resident map[*vmx.Page]int
	pages    map[*vmx.Page]*pageState
	ops      []Op
	cpuid    map[[2]uint32]vmx.CPUIDResult
	vpids    []uint16
	epts     []uint64
	tsc      uint64
	failPage bool
}

// New returns a processor with an empty CPUID table.
func New() *Processor {
	return &Processor{
		nextPhys: 0x100000,
		resident: make(map[*vmx.Page]int),
		pages:    make(map[*vmx.Page]*pageState),
		cpuid:    make(map[[2]uint32]vmx.CPUIDResult),
	}
}

func (p *Processor) state(page *vmx.Page) *pageState {
	st, ok := p.pages[page]
	if !ok {
		panic(fmt.Sprintf("vmxtest: page %#x not allocated by this processor", page.Phys()))
	}

	return st
}

// FailAlloc makes the next AllocPage fail.
func (p *Processor) FailAlloc() {
	p.mu.Lock()
	p.failPage = true
	p.mu.Unlock()
}

// AllocPage implements vmx.Processor.
func (p *Processor) AllocPage() (*vmx.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failPage {
		p.failPage = false

		return nil, errors.New("out of pages")
	}

	page := vmx.NewPage(p.nextPhys)
	p.nextPhys += 0x1000
	p.pages[page] = &pageState{
		wake:     make(chan struct{}, 1),
		msrs:     make(map[uint32]uint64),
		extended: make([]byte, vmx.MaxExtendedRegisterSize),
	}

	return page, nil
}

// FreePage implements vmx.Processor.
func (p *Processor) FreePage(page *vmx.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cpu, ok := p.resident[page]; ok {
		panic(fmt.Sprintf("vmxtest: page %#x freed while resident on cpu %d", page.Phys(), cpu))
	}

	p.state(page)
	delete(p.pages, page)
	p.ops = append(p.ops, Op{Kind: "free", Page: page.Phys(), CPU: -1})
}

// Load implements vmx.Processor.
func (p *Processor) Load(page *vmx.Page, cpu int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state(page)

	if other, ok := p.resident[page]; ok && other != cpu {
		panic(fmt.Sprintf("vmxtest: page %#x loaded on cpu %d while resident on cpu %d", page.Phys(), cpu, other))
	}

	p.resident[page] = cpu
	p.ops = append(p.ops, Op{Kind: "load", Page: page.Phys(), CPU: cpu})
}

// Clear implements vmx.Processor.
func (p *Processor) Clear(page *vmx.Page, cpu int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state(page)

	if other, ok := p.resident[page]; ok && other != cpu {
		panic(fmt.Sprintf("vmxtest: page %#x cleared on cpu %d while resident on cpu %d", page.Phys(), cpu, other))
	}

	delete(p.resident, page)
	p.ops = append(p.ops, Op{Kind: "clear", Page: page.Phys(), CPU: cpu})
}

// Resident returns the CPU page is loaded on.
func (p *Processor) Resident(page *vmx.Page) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cpu, ok := p.resident[page]

	return cpu, ok
}

// Ops returns the residency operations performed so far.
func (p *Processor) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Op(nil), p.ops...)
}

// Push queues exits for page.
func (p *Processor) Push(page *vmx.Page, exits ...Exit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(page)
	st.script = append(st.script, exits...)

	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Enter implements vmx.Processor.
func (p *Processor) Enter(page *vmx.Page, gs *vmx.GuestState, launched bool) error {
	p.mu.Lock()

	st := p.state(page)

	if _, ok := p.resident[page]; !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("vmxtest: page %#x entered while not resident", page.Phys()))
	}

	if launched != (st.entries > 0) {
		p.mu.Unlock()
		panic(fmt.Sprintf("vmxtest: launched=%v after %d entries", launched, st.entries))
	}

	if len(st.script) > 0 && st.script[0].Fail {
		e := st.script[0]
		st.script = st.script[1:]
		page.Write(vmx.VMInstructionError, e.InstructionError)
		p.mu.Unlock()

		return ErrEntryFailed
	}

	st.entries++

	if info := page.Read32(vmx.EntryInterruptionInfo); info&vmx.InterruptionValid != 0 {
		st.injected = append(st.injected, uint8(info))
		page.Write(vmx.EntryInterruptionInfo, uint64(info&^vmx.InterruptionValid))
	}

	st.entered = true

	for len(st.script) == 0 && !st.interrupted {
		p.mu.Unlock()
		<-st.wake
		p.mu.Lock()
	}

	st.entered = false

	var e Exit

	if st.interrupted || len(st.script) == 0 {
		st.interrupted = false
		e = Exit{Info: vmx.ExitInfo{Reason: vmx.ExitExternalInterrupt}}
	} else {
		e = st.script[0]
		st.script = st.script[1:]
	}

	p.mu.Unlock()

	if e.Guest != nil {
		e.Guest(page, gs)
	}

	vmx.WriteExit(page, e.Info)

	return nil
}

// Interrupt implements vmx.Processor. An interrupt that arrives while the
// guest is not running is held and forces an exit on the next entry.
func (p *Processor) Interrupt(page *vmx.Page, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.pages[page]
	if !ok {
		return
	}

	st.interrupted = true

	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Entered reports whether the guest of page is running.
func (p *Processor) Entered(page *vmx.Page) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state(page).entered
}

// Entries returns how many successful entries page made.
func (p *Processor) Entries(page *vmx.Page) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state(page).entries
}

// Injected returns the vectors delivered to the guest, in order.
func (p *Processor) Injected(page *vmx.Page) []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]uint8(nil), p.state(page).injected...)
}

// ReadMSR implements vmx.Processor.
func (p *Processor) ReadMSR(page *vmx.Page, msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state(page).msrs[msr], nil
}

// WriteMSR implements vmx.Processor.
func (p *Processor) WriteMSR(page *vmx.Page, msr uint32, v uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state(page).msrs[msr] = v

	return nil
}

// SaveExtended implements vmx.Processor.
func (p *Processor) SaveExtended(page *vmx.Page, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copy(buf, p.state(page).extended)

	return nil
}

// RestoreExtended implements vmx.Processor.
func (p *Processor) RestoreExtended(page *vmx.Page, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.state(page).extended, buf)

	return nil
}

// SetCPUID programs the host value of a CPUID leaf.
func (p *Processor) SetCPUID(leaf, subleaf uint32, r vmx.CPUIDResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cpuid[[2]uint32{leaf, subleaf}] = r
}

// CPUID implements vmx.Processor.
func (p *Processor) CPUID(leaf, subleaf uint32) vmx.CPUIDResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cpuid[[2]uint32{leaf, subleaf}]
}

// InvalidateVPID implements vmx.Processor.
func (p *Processor) InvalidateVPID(vpid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.vpids = append(p.vpids, vpid)
}

// InvalidateEPT implements vmx.Processor.
func (p *Processor) InvalidateEPT(eptp uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.epts = append(p.epts, eptp)

	return nil
}

// Invalidations returns the VPIDs and EPT pointers invalidated so far.
func (p *Processor) Invalidations() ([]uint16, []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]uint16(nil), p.vpids...), append([]uint64(nil), p.epts...)
}

// TSCFrequency implements vmx.Processor.
func (p *Processor) TSCFrequency() uint64 { return DefaultTSCFrequency }

// SetTSC sets the value ReadTSC returns.
func (p *Processor) SetTSC(v uint64) {
	p.mu.Lock()
	p.tsc = v
	p.mu.Unlock()
}

// ReadTSC implements vmx.Processor.
func (p *Processor) ReadTSC() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tsc
}

var _ vmx.Processor = (*Processor)(nil)
