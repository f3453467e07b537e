package kvm

import (
	"unsafe"
)

// MSRList is a list of MSR indices.
type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

type msrListHeader struct {
	NMSRs uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indicies))
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(msrListHeader{})),
		uintptr(unsafe.Pointer(list)))

	return err
}

// GetMSRFeatureIndexList returns the MSRs that describe host features,
// such as the VMX capability MSRs.
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indicies))
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRFeatureIndexList, unsafe.Sizeof(msrListHeader{})),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one MSR value.
type MSREntry struct {
	Index   uint32
	Padding uint32
	Data    uint64
}

// msrs holds a single entry, which is all the callers need.
type msrs struct {
	NMSRs   uint32
	Padding uint32
	Entry   MSREntry
}

// GetMSR reads one MSR of a vcpu.
func GetMSR(vcpuFd uintptr, index uint32) (uint64, error) {
	m := msrs{NMSRs: 1, Entry: MSREntry{Index: index}}

	n, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, 8), uintptr(unsafe.Pointer(&m)))
	if err != nil {
		return 0, err
	}

	if n != 1 {
		return 0, MSRError(index)
	}

	return m.Entry.Data, nil
}

// SetMSR writes one MSR of a vcpu.
func SetMSR(vcpuFd uintptr, index uint32, v uint64) error {
	m := msrs{NMSRs: 1, Entry: MSREntry{Index: index, Data: v}}

	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, 8), uintptr(unsafe.Pointer(&m)))
	if err != nil {
		return err
	}

	if n != 1 {
		return MSRError(index)
	}

	return nil
}
