package device

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// DebugExit ends the guest with code value<<1 | 1 when its port is
// written, like the isa-debug-exit device of QEMU.
type DebugExit struct {
	Port uint64
}

func (d *DebugExit) Read(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (d *DebugExit) Write(_ uint64, data []byte) error {
	var buf [4]byte

	copy(buf[:], data)

	return &ExitError{Code: int64(binary.LittleEndian.Uint32(buf[:]))<<1 | 1}
}

func (d *DebugExit) IOPort() uint64 { return d.Port }

func (d *DebugExit) Size() uint64 { return 1 }

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h
const ACPIShutDownDevPort = uint64(0x600)

// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5.
const (
	s5SleepVal       = 5
	sleepStatusENBit = 5
	sleepValBit      = 2
	rebootVal        = 1
)

// ACPIShutDown ends the guest with code 0 on an S5 sleep request.
type ACPIShutDown struct {
	log *logrus.Entry
}

// NewACPIShutDown returns the shutdown device.
func NewACPIShutDown(log *logrus.Entry) *ACPIShutDown {
	return &ACPIShutDown{log: log.WithField("device", "acpi-shutdown")}
}

func (a *ACPIShutDown) Read(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ACPIShutDown) Write(_ uint64, data []byte) error {
	switch data[0] {
	case rebootVal:
		a.log.Warn("reboot requested, not supported")
	case s5SleepVal<<sleepValBit | 1<<sleepStatusENBit:
		a.log.Info("shutdown requested")

		return &ExitError{}
	}

	return nil
}

func (a *ACPIShutDown) IOPort() uint64 { return ACPIShutDownDevPort }

func (a *ACPIShutDown) Size() uint64 { return 8 }

// Noop reads as zero and discards writes over a port range.
type Noop struct {
	Port  uint64
	Psize uint64
}

func (n *Noop) Read(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (n *Noop) Write(uint64, []byte) error { return nil }

func (n *Noop) IOPort() uint64 { return n.Port }

func (n *Noop) Size() uint64 { return n.Psize }
