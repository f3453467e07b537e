package kvm

import "unsafe"

// VCPUEvents is the pending event state of a vcpu.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SIPIVector          uint32
	Flags               uint32
	SMI                 [4]uint8
	TripleFault         uint8
	_                   [26]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

// Interrupt shadow bits.
const (
	ShadowSTI   = 1 << 0
	ShadowMovSS = 1 << 1
)

// Flags selecting the VCPUEvents fields SetVCPUEvents applies.
const (
	VCPUEventValidNMIPending = 1 << 0
	VCPUEventValidSIPIVector = 1 << 1
	VCPUEventValidShadow     = 1 << 2
)

// GetVCPUEvents reads the pending events of a vcpu.
func GetVCPUEvents(vcpuFd uintptr) (*VCPUEvents, error) {
	ev := &VCPUEvents{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(*ev)), uintptr(unsafe.Pointer(ev)))

	return ev, err
}

// SetVCPUEvents writes the pending events of a vcpu.
func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(*ev)), uintptr(unsafe.Pointer(ev)))

	return err
}
