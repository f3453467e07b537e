package kvm

import (
	"fmt"
	"unsafe"
)

// Capability is a KVM extension that CheckExtension can probe.
type Capability uint

const (
	CapIRQChip                  Capability = 0
	CapHLT                      Capability = 1
	CapMMUShadowCacheControl    Capability = 2
	CapUserMemory               Capability = 3
	CapSetTSSAddr               Capability = 4
	CapVAPIC                    Capability = 6
	CapEXTCPUID                 Capability = 7
	CapClockSource              Capability = 8
	CapNRVCPUs                  Capability = 9
	CapNRMemSlots               Capability = 10
	CapPIT                      Capability = 11
	CapNopIODelay               Capability = 12
	CapPVMMU                    Capability = 13
	CapMPState                  Capability = 14
	CapCoalescedMMIO            Capability = 15
	CapSyncMMU                  Capability = 16
	CapIOMMU                    Capability = 18
	CapDestroyMemoryRegionWorks Capability = 21
	CapUserNMI                  Capability = 22
	CapSetGuestDebug            Capability = 23
	CapReinjectControl          Capability = 24
	CapIRQRouting               Capability = 25
	CapSetIdentityMapAddr       Capability = 37
	CapVCPUEvents               Capability = 41
	CapXSave                    Capability = 55
	CapXCRS                     Capability = 56
	CapGetTSCKHz                Capability = 61
	CapMaxVCPUs                 Capability = 66
	CapKVMClockCtrl             Capability = 76
	CapImmediateExit            Capability = 136
	CapX86UserSpaceMSR          Capability = 188
)

var capNames = map[Capability]string{
	CapIRQChip:                  "CapIRQChip",
	CapHLT:                      "CapHLT",
	CapMMUShadowCacheControl:    "CapMMUShadowCacheControl",
	CapUserMemory:               "CapUserMemory",
	CapSetTSSAddr:               "CapSetTSSAddr",
	CapVAPIC:                    "CapVAPIC",
	CapEXTCPUID:                 "CapEXTCPUID",
	CapClockSource:              "CapClockSource",
	CapNRVCPUs:                  "CapNRVCPUs",
	CapNRMemSlots:               "CapNRMemSlots",
	CapPIT:                      "CapPIT",
	CapNopIODelay:               "CapNopIODelay",
	CapPVMMU:                    "CapPVMMU",
	CapMPState:                  "CapMPState",
	CapCoalescedMMIO:            "CapCoalescedMMIO",
	CapSyncMMU:                  "CapSyncMMU",
	CapIOMMU:                    "CapIOMMU",
	CapDestroyMemoryRegionWorks: "CapDestroyMemoryRegionWorks",
	CapUserNMI:                  "CapUserNMI",
	CapSetGuestDebug:            "CapSetGuestDebug",
	CapReinjectControl:          "CapReinjectControl",
	CapIRQRouting:               "CapIRQRouting",
	CapSetIdentityMapAddr:       "CapSetIdentityMapAddr",
	CapVCPUEvents:               "CapVCPUEvents",
	CapXSave:                    "CapXSave",
	CapXCRS:                     "CapXCRS",
	CapGetTSCKHz:                "CapGetTSCKHz",
	CapMaxVCPUs:                 "CapMaxVCPUs",
	CapKVMClockCtrl:             "CapKVMClockCtrl",
	CapImmediateExit:            "CapImmediateExit",
	CapX86UserSpaceMSR:          "CapX86UserSpaceMSR",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// CheckExtension returns a positive value when the capability is present.
// Some capabilities return a count, such as CapMaxVCPUs.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	r, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(r), err
}

// MSR exit filters for CapX86UserSpaceMSR.
const (
	MSRExitReasonInval   = 1 << 0
	MSRExitReasonUnknown = 1 << 1
	MSRExitReasonFilter  = 1 << 2
)

type enableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

// EnableCap turns on a capability of a vm with the given arguments.
func EnableCap(vmFd uintptr, c Capability, args ...uint64) error {
	ec := enableCap{Cap: uint32(c)}
	copy(ec.Args[:], args)

	_, err := Ioctl(vmFd, IIOW(kvmEnableCap, unsafe.Sizeof(ec)), uintptr(unsafe.Pointer(&ec)))

	return err
}
