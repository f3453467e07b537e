package machine

import (
	"github.com/bobuhiro11/gohv/kvm"
	"github.com/bobuhiro11/gohv/vmx"
)

// segmentFields are the VMCS fields of one segment register.
type segmentFields struct {
	selector, base, limit, ar vmx.Field
}

var segmentTable = [...]segmentFields{
	{vmx.GuestESSelector, vmx.GuestESBase, vmx.GuestESLimit, vmx.GuestESAccessRights},
	{vmx.GuestCSSelector, vmx.GuestCSBase, vmx.GuestCSLimit, vmx.GuestCSAccessRights},
	{vmx.GuestSSSelector, vmx.GuestSSBase, vmx.GuestSSLimit, vmx.GuestSSAccessRights},
	{vmx.GuestDSSelector, vmx.GuestDSBase, vmx.GuestDSLimit, vmx.GuestDSAccessRights},
	{vmx.GuestFSSelector, vmx.GuestFSBase, vmx.GuestFSLimit, vmx.GuestFSAccessRights},
	{vmx.GuestGSSelector, vmx.GuestGSBase, vmx.GuestGSLimit, vmx.GuestGSAccessRights},
	{vmx.GuestLDTRSelector, vmx.GuestLDTRBase, vmx.GuestLDTRLimit, vmx.GuestLDTRAccessRights},
	{vmx.GuestTRSelector, vmx.GuestTRBase, vmx.GuestTRLimit, vmx.GuestTRAccessRights},
}

// segments lists the registers of s in segmentTable order.
func segments(s *kvm.Sregs) [len(segmentTable)]*kvm.Segment {
	return [...]*kvm.Segment{&s.ES, &s.CS, &s.SS, &s.DS, &s.FS, &s.GS, &s.LDT, &s.TR}
}

// Access rights layout of a VMCS segment.
const (
	arTypeMask   = 0xf
	arS          = 4
	arDPL        = 5
	arPresent    = 7
	arAVL        = 12
	arL          = 13
	arDB         = 14
	arG          = 15
	arUnusable   = 16
	arDPLMask    = 3
	arFlagMask   = 1
	arTypeOffset = 0
)

func unpackAR(ar uint32, seg *kvm.Segment) {
	bit := func(n uint) uint8 { return uint8(ar >> n & arFlagMask) }

	seg.Typ = uint8(ar >> arTypeOffset & arTypeMask)
	seg.S = bit(arS)
	seg.DPL = uint8(ar >> arDPL & arDPLMask)
	seg.Present = bit(arPresent)
	seg.AVL = bit(arAVL)
	seg.L = bit(arL)
	seg.DB = bit(arDB)
	seg.G = bit(arG)
	seg.Unusable = bit(arUnusable)
}

func packAR(seg *kvm.Segment) uint32 {
	return uint32(seg.Typ)&arTypeMask<<arTypeOffset |
		uint32(seg.S&arFlagMask)<<arS |
		uint32(seg.DPL&arDPLMask)<<arDPL |
		uint32(seg.Present&arFlagMask)<<arPresent |
		uint32(seg.AVL&arFlagMask)<<arAVL |
		uint32(seg.L&arFlagMask)<<arL |
		uint32(seg.DB&arFlagMask)<<arDB |
		uint32(seg.G&arFlagMask)<<arG |
		uint32(seg.Unusable&arFlagMask)<<arUnusable
}

// guestCR returns the value the guest sees for a control register: host
// owned bits come from the read shadow.
func guestCR(val, mask, shadow uint64) uint64 {
	return val&^mask | shadow&mask
}

// toKVM converts the page and guest state into KVM registers. Fields KVM
// has and the page does not, such as the APIC base, are kept from sregs.
func toKVM(p *vmx.Page, gs *vmx.GuestState, sregs *kvm.Sregs) *kvm.Regs {
	regs := &kvm.Regs{
		RAX: gs.RAX, RBX: gs.RBX, RCX: gs.RCX, RDX: gs.RDX,
		RSI: gs.RSI, RDI: gs.RDI, RBP: gs.RBP,
		R8: gs.R8, R9: gs.R9, R10: gs.R10, R11: gs.R11,
		R12: gs.R12, R13: gs.R13, R14: gs.R14, R15: gs.R15,
		RSP:    p.Read(vmx.GuestRSP),
		RIP:    p.Read(vmx.GuestRIP),
		RFLAGS: p.Read(vmx.GuestRFLAGS),
	}

	for i, seg := range segments(sregs) {
		f := segmentTable[i]
		seg.Selector = uint16(p.Read(f.selector))
		seg.Base = p.Read(f.base)
		seg.Limit = p.Read32(f.limit)
		unpackAR(p.Read32(f.ar), seg)
	}

	sregs.GDT.Base, sregs.GDT.Limit = p.Read(vmx.GuestGDTRBase), uint16(p.Read(vmx.GuestGDTRLimit))
	sregs.IDT.Base, sregs.IDT.Limit = p.Read(vmx.GuestIDTRBase), uint16(p.Read(vmx.GuestIDTRLimit))
	sregs.CR0 = guestCR(p.Read(vmx.GuestCR0), p.Read(vmx.CR0GuestHostMask), p.Read(vmx.CR0ReadShadow))
	sregs.CR4 = guestCR(p.Read(vmx.GuestCR4), p.Read(vmx.CR4GuestHostMask), p.Read(vmx.CR4ReadShadow))
	sregs.CR2 = gs.CR2
	sregs.CR3 = p.Read(vmx.GuestCR3)
	sregs.EFER = p.Read(vmx.GuestIA32EFER)

	return regs
}

// fromKVM stores KVM registers back into the page and guest state.
func fromKVM(p *vmx.Page, gs *vmx.GuestState, regs *kvm.Regs, sregs *kvm.Sregs) {
	gs.RAX, gs.RBX, gs.RCX, gs.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	gs.RSI, gs.RDI, gs.RBP = regs.RSI, regs.RDI, regs.RBP
	gs.R8, gs.R9, gs.R10, gs.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	gs.R12, gs.R13, gs.R14, gs.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	gs.CR2 = sregs.CR2

	p.Write(vmx.GuestRSP, regs.RSP)
	p.Write(vmx.GuestRIP, regs.RIP)
	p.Write(vmx.GuestRFLAGS, regs.RFLAGS)

	for i, seg := range segments(sregs) {
		f := segmentTable[i]
		p.Write(f.selector, uint64(seg.Selector))
		p.Write(f.base, seg.Base)
		p.Write(f.limit, uint64(seg.Limit))
		p.Write(f.ar, uint64(packAR(seg)))
	}

	p.Write(vmx.GuestGDTRBase, sregs.GDT.Base)
	p.Write(vmx.GuestGDTRLimit, uint64(sregs.GDT.Limit))
	p.Write(vmx.GuestIDTRBase, sregs.IDT.Base)
	p.Write(vmx.GuestIDTRLimit, uint64(sregs.IDT.Limit))

	cr0Mask, cr4Mask := p.Read(vmx.CR0GuestHostMask), p.Read(vmx.CR4GuestHostMask)
	p.Write(vmx.GuestCR0, sregs.CR0&^cr0Mask|p.Read(vmx.GuestCR0)&cr0Mask)
	p.Write(vmx.CR0ReadShadow, sregs.CR0)
	p.Write(vmx.GuestCR4, sregs.CR4&^cr4Mask|p.Read(vmx.GuestCR4)&cr4Mask)
	p.Write(vmx.CR4ReadShadow, sregs.CR4)
	p.Write(vmx.GuestCR3, sregs.CR3)
	p.Write(vmx.GuestIA32EFER, sregs.EFER)
}
