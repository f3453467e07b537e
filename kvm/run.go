package kvm

import (
	"encoding/binary"
	"unsafe"
)

// RunData is the head of the kvm_run structure shared with the kernel
// through the vcpu mmap. Data holds the exit-specific union.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 ExitType
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// RunDataAt returns the RunData at the start of a vcpu mapping.
func RunDataAt(buf []byte) *RunData {
	return (*RunData)(unsafe.Pointer(&buf[0]))
}

// IO decodes a port I/O exit. The data lives at offset in the mapping.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes a memory-mapped I/O exit.
func (r *RunData) MMIO() (addr uint64, data []byte, length uint32, isWrite bool) {
	addr = r.Data[0]
	data = (*[8]byte)(unsafe.Pointer(&r.Data[1]))[:]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return addr, data, length, isWrite
}

// MSR decodes an x86 MSR exit.
func (r *RunData) MSR() (index uint32, data uint64) {
	return uint32(r.Data[1] >> 32), r.Data[2]
}

// CompleteMSR sets the result the kernel applies on the next Run. A
// failed access makes the kernel inject #GP.
func (r *RunData) CompleteMSR(data uint64, failed bool) {
	r.Data[0] &^= 0xFF
	if failed {
		r.Data[0] |= 1
	}

	r.Data[2] = data
}

// FailEntry returns the hardware entry failure reason.
func (r *RunData) FailEntry() uint64 { return r.Data[0] }

// InternalError returns the suberror of an internal error exit.
func (r *RunData) InternalError() uint32 { return uint32(r.Data[0]) }

// SetIOData fills the data of a pending port input from a register value.
func SetIOData(buf []byte, offset, size uint64, val uint64) {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], val)
	copy(buf[offset:offset+size], b[:size])
}

// IOData returns the data of a port output.
func IOData(buf []byte, offset, size uint64) []byte {
	return buf[offset : offset+size]
}
