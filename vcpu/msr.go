package vcpu

import (
	"github.com/bobuhiro11/gohv/guest"
	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/pvclock"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
)

// IA32_APIC_BASE bits.
const (
	apicBaseAddress = 0xfee00000
	apicBaseBSP     = 1 << 8
	apicBaseX2APIC  = 1 << 10
	apicBaseEnable  = 1 << 11
)

// mtrrCapability reports eight variable ranges, fixed ranges and
// write-combining.
const mtrrCapability = 8 | 1<<8 | 1<<10

// miscEnableFastStrings is the only IA32_MISC_ENABLE bit reported.
const miscEnableFastStrings = 1

// Interrupt command register fields.
const (
	icrDeliveryShift  = 8
	icrDeliveryMask   = 7
	icrShorthandShift = 18
	icrShorthandMask  = 3
	icrDestShift      = 32
)

// Delivery modes.
const (
	deliveryFixed   = 0
	deliveryNMI     = 4
	deliveryINIT    = 5
	deliveryStartup = 6
)

// Destination shorthands.
const (
	shorthandNone       = 0
	shorthandSelf       = 1
	shorthandAll        = 2
	shorthandAllButSelf = 3
)

func isMTRR(msr uint32) bool {
	switch {
	case msr == vmx.MSRMTRRDefType, msr == vmx.MSRMTRRFix64K,
		msr == vmx.MSRMTRRFix16K80000, msr == vmx.MSRMTRRFix16KA0000:
		return true
	case msr >= vmx.MSRMTRRPhysBase0 && msr <= vmx.MSRMTRRPhysMask9:
		return true
	case msr >= vmx.MSRMTRRFix4KC0000 && msr <= vmx.MSRMTRRFix4KF8000:
		return true
	default:
		return false
	}
}

func isX2APIC(msr uint32) bool {
	return msr >= vmx.MSRX2APICBase && msr <= vmx.MSRX2APICLast
}

// readMSR returns the guest's value of an emulated MSR. ok is false if the
// access faults.
func (v *NormalVcpu) readMSR(msr uint32) (uint64, bool) {
	base := v.cfg.HasBaseProcessor

	switch {
	case msr == vmx.MSRAPICBase && base:
		val := uint64(apicBaseAddress | apicBaseX2APIC | apicBaseEnable)
		if v.vpid == 1 {
			val |= apicBaseBSP
		}

		return val, true
	case msr == vmx.MSREFER:
		return v.page.Read(vmx.GuestIA32EFER), true
	case msr == vmx.MSRPAT:
		return v.page.Read(vmx.GuestIA32PAT), true
	case msr == vmx.MSRMTRRCap:
		return mtrrCapability, true
	case isMTRR(msr):
		return v.mtrrs[msr], true
	case msr == vmx.MSRMiscEnable:
		return miscEnableFastStrings, true
	case msr == vmx.MSRTSCDeadline && base:
		return v.apic.getDeadline(), true
	case isX2APIC(msr) && base:
		return v.apic.read(msr-vmx.MSRX2APICBase, uint32(v.vpid-1))
	case msr == pvclock.MSRSystemTime && base:
		v.clock.mu.Lock()
		defer v.clock.mu.Unlock()

		return v.clock.msr, true
	case msr == pvclock.MSRWallClock && base:
		v.clock.mu.Lock()
		defer v.clock.mu.Unlock()

		return v.clock.wallMSR, true
	default:
		return 0, false
	}
}

func (v *NormalVcpu) handleRDMSR(info *vmx.ExitInfo) (bool, error) {
	msr := uint32(v.gs.RCX)

	val, ok := v.readMSR(msr)
	if !ok {
		v.warnf(logrus.Fields{"msr": msr}, "rdmsr of unhandled msr")
		vmx.IssueInterrupt(v.page, vmx.VectorGeneralProtection)

		return true, nil
	}

	v.gs.RAX = val & 0xffffffff
	v.gs.RDX = val >> 32
	v.skip(info)

	return true, nil
}

func (v *NormalVcpu) handleWRMSR(info *vmx.ExitInfo, p *packet.Packet) (bool, error) {
	msr := uint32(v.gs.RCX)
	val := v.gs.RDX<<32 | v.gs.RAX&0xffffffff
	base := v.cfg.HasBaseProcessor

	switch {
	case msr == vmx.MSRAPICBase && base, msr == vmx.MSRMiscEnable:
		// Relocating or disabling the APIC is not supported.
	case msr == vmx.MSREFER:
		v.writeEFER(val)
	case msr == vmx.MSRPAT:
		v.page.Write(vmx.GuestIA32PAT, val)
	case isMTRR(msr):
		v.mtrrs[msr] = val
	case msr == vmx.MSRTSCDeadline && base:
		v.apic.setDeadline(val)
	case msr == vmx.MSRX2APICBase+apicICR && base:
		v.skip(info)

		return v.writeICR(val, p)
	case msr == vmx.MSRX2APICBase+apicSelfIPI && base:
		v.tracker.Interrupt(uint8(val))
	case isX2APIC(msr) && base && v.apic.write(msr-vmx.MSRX2APICBase, val):
		// Stored by the APIC.
	case msr == pvclock.MSRSystemTime && base:
		v.setSystemTime(val)
	case msr == pvclock.MSRWallClock && base:
		v.setWallClock(val)
	default:
		v.warnf(logrus.Fields{"msr": msr, "value": val}, "wrmsr of unhandled msr")
		vmx.IssueInterrupt(v.page, vmx.VectorGeneralProtection)

		return true, nil
	}

	v.skip(info)

	return true, nil
}

// writeEFER stores EFER, deriving LMA and the IA-32e entry control from
// LME and CR0.PG.
func (v *NormalVcpu) writeEFER(val uint64) {
	if val&vmx.EFERLME != 0 && v.page.Read(vmx.GuestCR0)&vmx.CR0PG != 0 {
		val |= vmx.EFERLMA
		v.page.SetControl(vmx.EntryCtls, vmx.EntryIA32eMode, 0)
	} else {
		val &^= vmx.EFERLMA
		v.page.SetControl(vmx.EntryCtls, 0, vmx.EntryIA32eMode)
	}

	v.page.Write(vmx.GuestIA32EFER, val)
}

// writeICR sends an IPI. IPIs to other VCPUs are handed to the caller as
// GUEST_VCPU packets. The instruction has already been skipped.
func (v *NormalVcpu) writeICR(val uint64, p *packet.Packet) (bool, error) {
	v.apic.write(apicICR, val&0xffffffff)

	vector := uint8(val)
	mode := (val >> icrDeliveryShift) & icrDeliveryMask
	shorthand := (val >> icrShorthandShift) & icrShorthandMask
	dest := uint32(val >> icrDestShift)
	self := uint32(v.vpid - 1)
	all := ^uint64(0) >> (64 - guest.MaxGuestVcpus)

	switch mode {
	case deliveryINIT:
		return true, nil
	case deliveryStartup:
		if shorthand != shorthandNone {
			return false, hverror.Errorf(hverror.NotSupported, "Enter", "startup ipi shorthand %d", shorthand)
		}

		p.Reset()
		p.Type = packet.TypeGuestVcpu
		p.GuestVcpu.Kind = packet.VcpuStartup
		p.GuestVcpu.Startup = packet.VcpuStartupInfo{ID: uint64(dest), Entry: uint64(vector) << 12}

		return false, nil
	case deliveryNMI:
		vector = vmx.VectorNMI
	case deliveryFixed:
	default:
		return false, hverror.Errorf(hverror.NotSupported, "Enter", "ipi delivery mode %d", mode)
	}

	var mask uint64

	switch shorthand {
	case shorthandSelf:
		v.tracker.Interrupt(vector)

		return true, nil
	case shorthandAll:
		v.tracker.Interrupt(vector)
		mask = all &^ (1 << self)
	case shorthandAllButSelf:
		mask = all &^ (1 << self)
	default:
		if dest == self {
			v.tracker.Interrupt(vector)

			return true, nil
		}

		if dest >= guest.MaxGuestVcpus {
			v.warnf(logrus.Fields{"dest": dest}, "ipi to nonexistent vcpu")

			return true, nil
		}

		mask = 1 << dest
	}

	p.Reset()
	p.Type = packet.TypeGuestVcpu
	p.GuestVcpu.Kind = packet.VcpuInterrupt
	p.GuestVcpu.Interrupt = packet.VcpuInterruptInfo{Mask: mask, Vector: vector}

	return false, nil
}
