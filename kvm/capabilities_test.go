package kvm_test

import (
	"fmt"
	"testing"

	"github.com/bobuhiro11/gohv/kvm"
)

// The numbers are the KVM_CAP_* values of the Linux UAPI.
func TestCapabilityString(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		c    kvm.Capability
		abi  uint
		want string
	}{
		{kvm.CapUserMemory, 3, "CapUserMemory"},
		{kvm.CapSetTSSAddr, 4, "CapSetTSSAddr"},
		{kvm.CapNRMemSlots, 10, "CapNRMemSlots"},
		{kvm.CapUserNMI, 22, "CapUserNMI"},
		{kvm.CapSetIdentityMapAddr, 37, "CapSetIdentityMapAddr"},
		{kvm.CapVCPUEvents, 41, "CapVCPUEvents"},
		{kvm.CapXSave, 55, "CapXSave"},
		{kvm.CapXCRS, 56, "CapXCRS"},
		{kvm.CapImmediateExit, 136, "CapImmediateExit"},
		{kvm.CapX86UserSpaceMSR, 188, "CapX86UserSpaceMSR"},
	} {
		if uint(tt.c) != tt.abi {
			t.Errorf("%s = %d, want %d", tt.want, uint(tt.c), tt.abi)
		}

		if got := tt.c.String(); got != tt.want {
			t.Errorf("Capability(%d).String() = %q, want %q", tt.abi, got, tt.want)
		}
	}
}

func TestCapabilityStringUnnamed(t *testing.T) {
	t.Parallel()

	// 5 and 17 are holes in the table, 500 is past its end.
	for _, n := range []uint{5, 17, 500} {
		want := fmt.Sprintf("Capability(%d)", n)
		if got := kvm.Capability(n).String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
