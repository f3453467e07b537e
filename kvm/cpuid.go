package kvm

import (
	"unsafe"
)

// MaxCPUIDEntries bounds the entries exchanged with the kernel.
const MaxCPUIDEntries = 100

// CPUID is a set of CPUID entries as exchanged with the kernel. Nent must
// hold the capacity before GetSupportedCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one leaf and subleaf.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUIDFlagSignificantIndex marks entries whose Index matters.
const CPUIDFlagSignificantIndex = 1 << 0

type cpuidHeader struct {
	Nent    uint32
	Padding uint32
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vcpu. Entries are usually taken from
// GetSupportedCPUID and tailored before they are set.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// Lookup returns the entry for a leaf and subleaf.
func (c *CPUID) Lookup(function, index uint32) (CPUIDEntry2, bool) {
	for _, e := range c.Entries[:c.Nent] {
		if e.Function != function {
			continue
		}

		if e.Flags&CPUIDFlagSignificantIndex != 0 && e.Index != index {
			continue
		}

		return e, true
	}

	return CPUIDEntry2{}, false
}
