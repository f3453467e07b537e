// Package kvm is a thin layer over the Linux KVM ioctl interface.
package kvm

import (
	"unsafe"
)

// ioctl numbers, relative to KVMIO.
const (
	kvmGetAPIVersion          = 0x00
	kvmCreateVM               = 0x01
	kvmGetMSRIndexList        = 0x02
	kvmCheckExtension         = 0x03
	kvmGetVCPUMMapSize        = 0x04
	kvmGetSupportedCPUID      = 0x05
	kvmGetMSRFeatureIndexList = 0x0a
	kvmCreateVCPU             = 0x41
	kvmSetUserMemoryRegion    = 0x46
	kvmSetTSSAddr             = 0x47
	kvmSetIdentityMapAddr     = 0x48
	kvmGetRegs                = 0x81
	kvmSetRegs                = 0x82
	kvmGetSregs               = 0x83
	kvmSetSregs               = 0x84
	kvmInterrupt              = 0x86
	kvmGetMSRs                = 0x88
	kvmSetMSRs                = 0x89
	kvmSetCPUID2              = 0x90
	kvmNMI                    = 0x9a
	kvmGetVCPUEvents          = 0x9f
	kvmSetVCPUEvents          = 0xa0
	kvmGetTSCKHz              = 0xa3
	kvmEnableCap              = 0xa3
	kvmGetXSave               = 0xa4
	kvmSetXSave               = 0xa5
	kvmGetXCRs                = 0xa6
	kvmSetXCRs                = 0xa7
)

// kvmRun is the full KVM_RUN number.
const kvmRun = kvmio<<typeShift | 0x80<<nrShift

const (
	// APIVersion is the only KVM API version in existence.
	APIVersion = 12

	// TSSAddr and IdentityMapAddr sit just below the 4GiB boundary, clear
	// of guest RAM.
	TSSAddr         = 0xfffbd000
	IdentityMapAddr = 0xfffbc000
)

// GetAPIVersion returns the KVM API version.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a virtual machine and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vcpu id in a vm and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest. It returns unix.EINTR when a signal or
// ImmediateExit stopped it before or during the run.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

// GetVCPUMMmapSize returns the size of the shared RunData mapping.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr places the three-page TSS region Intel hosts need for
// real-mode emulation.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), TSSAddr)

	return err
}

// SetIdentityMapAddr places the identity-map page used for unpaged guests.
func SetIdentityMapAddr(vmFd uintptr) error {
	var addr uint64 = IdentityMapAddr
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// GetTSCKHz returns the guest TSC frequency of a vcpu in kHz.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	khz, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint64(khz), err
}

type interrupt struct {
	IRQ uint32
}

// Interrupt queues an external interrupt for a vcpu when the VM has no
// in-kernel irqchip. It is delivered on the next Run.
func Interrupt(vcpuFd uintptr, vector uint8) error {
	irq := interrupt{IRQ: uint32(vector)}
	_, err := Ioctl(vcpuFd, IIOW(kvmInterrupt, unsafe.Sizeof(irq)), uintptr(unsafe.Pointer(&irq)))

	return err
}

// NMI queues a non-maskable interrupt for a vcpu.
func NMI(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmNMI), 0)

	return err
}
