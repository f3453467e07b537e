package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2

	kvmio = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<dirShift | kvmio<<typeShift | nr<<nrShift | size<<sizeShift
}

// IIO encodes an ioctl number with no argument.
func IIO(nr uintptr) uintptr { return ioc(dirNone, nr, 0) }

// IIOR encodes an ioctl number the kernel writes size bytes to.
func IIOR(nr, size uintptr) uintptr { return ioc(dirRead, nr, size) }

// IIOW encodes an ioctl number the kernel reads size bytes from.
func IIOW(nr, size uintptr) uintptr { return ioc(dirWrite, nr, size) }

// IIOWR encodes an ioctl number that moves size bytes both ways.
func IIOWR(nr, size uintptr) uintptr { return ioc(dirRead|dirWrite, nr, size) }

// Ioctl issues an ioctl, retrying while it is interrupted by a signal.
// KVM_RUN is the exception: its EINTR is reported so that a kicked vcpu
// returns to the caller.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) && op != kvmRun {
			continue
		}

		return res, errno
	}
}
