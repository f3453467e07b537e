package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// UserspaceMemoryRegion is the argument of KVM_SET_USER_MEMORY_REGION.
// Slots are always writable and never dirty-logged, so Flags stays zero.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion installs region. A zero MemorySize deletes the slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}

// MapSlot backs the guest-physical range at gpa with buf. The caller keeps
// buf alive and unmoved while the slot exists.
func MapSlot(vmFd uintptr, slot uint32, gpa uint64, buf []byte) error {
	if len(buf) == 0 {
		return unix.EINVAL
	}

	return SetUserMemoryRegion(vmFd, &UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(buf)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	})
}

// DeleteSlot removes slot.
func DeleteSlot(vmFd uintptr, slot uint32) error {
	return SetUserMemoryRegion(vmFd, &UserspaceMemoryRegion{Slot: slot})
}
