package vmm

import (
	"io"

	"github.com/bobuhiro11/gohv/vcpu"
)

// Region is a guest-physical range.
type Region struct {
	Addr uint64
	Len  uint64
}

// Config describes a guest and the devices the VMM emulates for it.
type Config struct {
	Name    string
	MemSize uint64
	VCPUs   int
	Poison  bool

	// Image, if set, is a flat binary loaded at LoadAddr. VCPU 0 starts at
	// Entry; the others wait for a STARTUP IPI.
	Image    string
	LoadAddr uint64
	Entry    uint64

	// Serial enables a 16550 on COM1 writing to Output. SerialVector is
	// raised on VCPU 0 when input arrives; zero disables the interrupt.
	Serial       bool
	SerialVector uint8
	Output       io.Writer

	// DebugExitPort stops the guest when written to. The exit code is
	// value<<1 | 1. Zero disables the port.
	DebugExitPort uint16
	// PostCode logs writes to port 0x80.
	PostCode bool
	// ACPIShutdown stops the guest with code 0 on an S5 request to port
	// 0x600.
	ACPIShutdown bool
	// IgnorePorts read as zero and discard writes.
	IgnorePorts []Region

	// Bells are doorbell regions. Guest writes are counted and never
	// stall the guest.
	Bells []Region
	// MMIO regions read as zero and discard writes.
	MMIO []Region

	Vcpu vcpu.Config

	// Device and Trace configure the KVM processor.
	Device string
	Trace  bool
}
