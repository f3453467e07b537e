package machine

const (
	// defaultTSCFrequency is used when KVM cannot report the guest TSC rate.
	defaultTSCFrequency = 1_000_000_000

	// msrTSC is IA32_TIME_STAMP_COUNTER.
	msrTSC = 0x10

	// maxInstructionLength bounds the bytes fetched for disassembly.
	maxInstructionLength = 15

	// rflagsIF is the interrupt enable flag.
	rflagsIF = 1 << 9
)

// CPUID leaves patched before they are handed to a vcpu.
// https://www.kernel.org/doc/html/latest/virt/kvm/x86/cpuid.html
const (
	cpuidFeatures  = 0x1
	cpuidPerfMon   = 0xa
	cpuidSignature = 0x40000000

	// KVMKVMKVM\0\0\0
	signatureEBX = 0x4b4d564b
	signatureECX = 0x564b4d56
	signatureEDX = 0x4d

	// TSC deadline mode needs the in-kernel local APIC, which is not
	// created.
	featureTSCDeadline = 1 << 24
)
