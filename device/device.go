// Package device holds port I/O devices dispatched by the VMM.
package device

import (
	"errors"
	"fmt"
)

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice describes the interface a IO-Port device must implement. Read
// and Write receive the absolute port and one byte per accessed byte.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}

// ExitError is returned by a device write that ends the guest.
type ExitError struct {
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("guest requested exit with code %d", e.Code)
}
