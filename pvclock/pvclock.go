// Package pvclock publishes the KVM paravirtual clock structures into guest
// memory.
package pvclock

import (
	"math/bits"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/gohv/hverror"
)

const (
	// MSRSystemTime is MSR_KVM_SYSTEM_TIME_NEW.
	MSRSystemTime = 0x4b564d01
	// MSRWallClock is MSR_KVM_WALL_CLOCK_NEW.
	MSRWallClock = 0x4b564d00

	// SystemTimeSize is the size of the guest-visible system time record.
	SystemTimeSize = 32
	// WallClockSize is the size of the guest-visible wall clock record.
	WallClockSize = 12

	// FlagStable tells the guest the TSC is synchronized across CPUs.
	FlagStable = 1 << 0

	// EnableBit is bit 0 of a system time MSR write.
	EnableBit = 1

	nsPerSec = 1_000_000_000
)

// Offsets of struct pvclock_vcpu_time_info.
const (
	offVersion   = 0
	offTSC       = 8
	offSystem    = 16
	offMul       = 24
	offShiftFlag = 28
)

// SystemTime is the decoded pvclock_vcpu_time_info.
type SystemTime struct {
	Version  uint32
	TSC      uint64
	System   uint64
	TSCMul   uint32
	TSCShift int8
	Flags    uint8
}

// WallClock is the decoded pvclock_wall_clock.
type WallClock struct {
	Version uint32
	Sec     uint32
	Nsec    uint32
}

var errShort = hverror.Errorf(hverror.InvalidArgument, "pvclock", "guest buffer too small or misaligned")

func check(b []byte, size int) error {
	if len(b) < size || uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return errShort
	}

	return nil
}

func u32(b []byte, off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b[off]))
}

func u64(b []byte, off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&b[off]))
}

// Publish writes st into the guest record in b with the seqlock protocol:
// the version is made odd, the fields are written, then the version is made
// even again. The Version field of st is ignored. b must be at least
// SystemTimeSize bytes and 8-byte aligned.
func Publish(b []byte, st *SystemTime) error {
	if err := check(b, SystemTimeSize); err != nil {
		return err
	}

	version := u32(b, offVersion)
	v := version.Load()

	version.Store(v | 1)

	u64(b, offTSC).Store(st.TSC)
	u64(b, offSystem).Store(st.System)
	u32(b, offMul).Store(st.TSCMul)
	u32(b, offShiftFlag).Store(uint32(uint8(st.TSCShift)) | uint32(st.Flags)<<8)

	version.Store((v | 1) + 1)

	return nil
}

// Read returns a consistent snapshot of the guest record in b. It never
// returns a record observed under an odd or changing version.
func Read(b []byte) (SystemTime, error) {
	if err := check(b, SystemTimeSize); err != nil {
		return SystemTime{}, err
	}

	version := u32(b, offVersion)

	for {
		v1 := version.Load()
		if v1&1 != 0 {
			runtime.Gosched()

			continue
		}

		st := SystemTime{
			Version: v1,
			TSC:     u64(b, offTSC).Load(),
			System:  u64(b, offSystem).Load(),
			TSCMul:  u32(b, offMul).Load(),
		}
		sf := u32(b, offShiftFlag).Load()
		st.TSCShift = int8(uint8(sf))
		st.Flags = uint8(sf >> 8)

		if version.Load() == v1 {
			return st, nil
		}
	}
}

// PublishWallClock writes the wall clock record with the same protocol as
// Publish.
func PublishWallClock(b []byte, sec, nsec uint32) error {
	if len(b) < WallClockSize || uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return errShort
	}

	version := u32(b, 0)
	v := version.Load()

	version.Store(v | 1)
	u32(b, 4).Store(sec)
	u32(b, 8).Store(nsec)
	version.Store((v | 1) + 1)

	return nil
}

// ReadWallClock returns a consistent snapshot of the wall clock record.
func ReadWallClock(b []byte) WallClock {
	version := u32(b, 0)

	for {
		v1 := version.Load()
		if v1&1 != 0 {
			runtime.Gosched()

			continue
		}

		wc := WallClock{Version: v1, Sec: u32(b, 4).Load(), Nsec: u32(b, 8).Load()}
		if version.Load() == v1 {
			return wc
		}
	}
}

// Scale returns the multiplier and shift that convert TSC ticks at tscHz
// into nanoseconds, as computed by kvm_get_time_scale.
func Scale(tscHz uint64) (mul uint32, shift int8) {
	scaled := uint64(nsPerSec)
	tps64 := tscHz

	for tps64 > scaled*2 || tps64&0xffffffff00000000 != 0 {
		tps64 >>= 1
		shift--
	}

	tps32 := uint32(tps64)

	for uint64(tps32) <= scaled || scaled&0xffffffff00000000 != 0 {
		if scaled&0xffffffff00000000 != 0 || tps32&0x80000000 != 0 {
			scaled >>= 1
		} else {
			tps32 <<= 1
		}

		shift++
	}

	return uint32((scaled << 32) / uint64(tps32)), shift
}

// Nanoseconds converts a TSC delta with the given scale, the way a guest
// reading the record does.
func Nanoseconds(delta uint64, mul uint32, shift int8) uint64 {
	if shift < 0 {
		delta >>= uint(-shift)
	} else {
		delta <<= uint(shift)
	}

	hi, lo := bits.Mul64(delta, uint64(mul))

	return hi<<32 | lo>>32
}
