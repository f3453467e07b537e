package vcpu

import "github.com/bobuhiro11/gohv/vmx"

// CPUID leaves that are rewritten for the guest.
const (
	leafFeatures      = 0x1
	leafThermal       = 0x6
	leafPerfmon       = 0xa
	leafTopology      = 0xb
	leafXSAVE         = 0xd
	leafHypervisor    = 0x40000000
	leafKVMFeatures   = 0x40000001
	leafHypervisorEnd = 0x4fffffff
)

// Leaf 1 bits.
const (
	featureECXVMX         = 1 << 5
	featureECXX2APIC      = 1 << 21
	featureECXTSCDeadline = 1 << 24
	featureECXOSXSAVE     = 1 << 27
	featureECXHypervisor  = 1 << 31
	featureEBXAPICIDShift = 24
)

// "KVMKVMKVM\0\0\0" in EBX, ECX, EDX.
const (
	kvmSignatureEBX = 0x4b4d564b
	kvmSignatureECX = 0x564b4d56
	kvmSignatureEDX = 0x4d
)

// KVM paravirtual features.
const (
	kvmFeatureClocksource2      = 1 << 3
	kvmFeatureClocksourceStable = 1 << 24
)

// cpuid returns the guest's view of a leaf.
func (v *NormalVcpu) cpuid(leaf, subleaf uint32) vmx.CPUIDResult {
	switch {
	case leaf == leafHypervisor:
		return vmx.CPUIDResult{
			EAX: leafKVMFeatures,
			EBX: kvmSignatureEBX,
			ECX: kvmSignatureECX,
			EDX: kvmSignatureEDX,
		}
	case leaf == leafKVMFeatures:
		if !v.cfg.HasBaseProcessor {
			return vmx.CPUIDResult{}
		}

		return vmx.CPUIDResult{EAX: kvmFeatureClocksource2 | kvmFeatureClocksourceStable}
	case leaf > leafKVMFeatures && leaf <= leafHypervisorEnd:
		return vmx.CPUIDResult{}
	case leaf == leafThermal, leaf == leafPerfmon:
		// Power management and performance monitoring are not virtualized.
		return vmx.CPUIDResult{}
	}

	r := v.proc.CPUID(leaf, subleaf)
	apicID := uint32(v.vpid - 1)

	switch leaf {
	case leafFeatures:
		r.ECX &^= featureECXVMX | featureECXOSXSAVE
		r.ECX |= featureECXHypervisor

		if v.cfg.HasBaseProcessor {
			r.ECX |= featureECXX2APIC | featureECXTSCDeadline
		} else {
			r.ECX &^= featureECXX2APIC | featureECXTSCDeadline
		}

		if v.page.Read(vmx.GuestCR4)&vmx.CR4OSXSAVE != 0 {
			r.ECX |= featureECXOSXSAVE
		}

		r.EBX = r.EBX&^(0xff<<featureEBXAPICIDShift) | apicID<<featureEBXAPICIDShift
	case leafTopology:
		r.EDX = apicID
	}

	return r
}

func (v *NormalVcpu) handleCPUID(info *vmx.ExitInfo) {
	r := v.cpuid(uint32(v.gs.RAX), uint32(v.gs.RCX))

	v.gs.RAX = uint64(r.EAX)
	v.gs.RBX = uint64(r.EBX)
	v.gs.RCX = uint64(r.ECX)
	v.gs.RDX = uint64(r.EDX)
	v.skip(info)
}
