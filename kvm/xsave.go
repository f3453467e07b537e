package kvm

import "unsafe"

// XSave is the kvm_xsave area of a vcpu.
type XSave struct {
	Region [1024]uint32
}

// Bytes returns the area as a byte slice.
func (x *XSave) Bytes() []byte {
	return (*[4096]byte)(unsafe.Pointer(&x.Region[0]))[:]
}

// GetXSave reads the extended register state of a vcpu.
func GetXSave(vcpuFd uintptr, x *XSave) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXSave, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXSave writes the extended register state of a vcpu.
func SetXSave(vcpuFd uintptr, x *XSave) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXSave, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}

// XCR is one extended control register.
type XCR struct {
	XCR      uint32
	Reserved uint32
	Value    uint64
}

// XCRS is the set of extended control registers of a vcpu.
type XCRS struct {
	NrXCRS  uint32
	Flags   uint32
	XCRS    [16]XCR
	Padding [16]uint64
}

// GetXCRS reads the extended control registers of a vcpu.
func GetXCRS(vcpuFd uintptr) (*XCRS, error) {
	x := &XCRS{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRs, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return x, err
}

// SetXCRS writes the extended control registers of a vcpu.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRs, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}
