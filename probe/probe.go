// Package probe reports what the host KVM supports.
package probe

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bobuhiro11/gohv/kvm"
)

// capabilities are reported in this order. The machine processor relies on
// the ones marked required.
var capabilities = []struct {
	cap      kvm.Capability
	required bool
}{
	{kvm.CapUserMemory, true},
	{kvm.CapNRMemSlots, true},
	{kvm.CapImmediateExit, true},
	{kvm.CapVCPUEvents, true},
	{kvm.CapXSave, true},
	{kvm.CapXCRS, true},
	{kvm.CapUserNMI, true},
	{kvm.CapSetTSSAddr, true},
	{kvm.CapSetIdentityMapAddr, true},
	{kvm.CapX86UserSpaceMSR, false},
	{kvm.CapGetTSCKHz, false},
	{kvm.CapNRVCPUs, false},
	{kvm.CapMaxVCPUs, false},
	{kvm.CapSyncMMU, false},
	{kvm.CapHLT, false},
	{kvm.CapIRQChip, false},
	{kvm.CapIRQRouting, false},
	{kvm.CapPIT, false},
	{kvm.CapCoalescedMMIO, false},
	{kvm.CapSetGuestDebug, false},
	{kvm.CapKVMClockCtrl, false},
	{kvm.CapEXTCPUID, false},
	{kvm.CapMPState, false},
	{kvm.CapClockSource, false},
	{kvm.CapVAPIC, false},
}

func open(dev string) (*os.File, error) {
	if dev == "" {
		dev = "/dev/kvm"
	}

	return os.Open(dev)
}

// KVMCapabilities prints the API version and the value of each extension.
// It fails when a required extension is missing.
func KVMCapabilities(w io.Writer, dev string) error {
	f, err := open(dev)
	if err != nil {
		return err
	}
	defer f.Close()

	version, err := kvm.GetAPIVersion(f.Fd())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "KVM API version: %d\n", version)

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)

	var missing []kvm.Capability

	for _, c := range capabilities {
		n, err := kvm.CheckExtension(f.Fd(), c.cap)
		if err != nil {
			return fmt.Errorf("%s: %w", c.cap, err)
		}

		mark := ""
		if c.required {
			mark = "required"
		}

		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.cap, n, mark)

		if c.required && n <= 0 {
			missing = append(missing, c.cap)
		}
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}

	return nil
}

// CPUID prints the features reported by KVM_GET_SUPPORTED_CPUID.
func CPUID(w io.Writer, dev string) error {
	f, err := open(dev)
	if err != nil {
		return err
	}
	defer f.Close()

	cpuid := kvm.CPUID{Nent: kvm.MaxCPUIDEntries}

	if err := kvm.GetSupportedCPUID(f.Fd(), &cpuid); err != nil {
		return err
	}

	PrintCPUID(w, &cpuid)

	return nil
}

// PrintCPUID prints the enabled and disabled features of each known
// register in cpuid.
func PrintCPUID(w io.Writer, cpuid *kvm.CPUID) {
	for _, r := range registers {
		e, ok := cpuid.Lookup(r.function, r.index)
		if !ok {
			continue
		}

		var val uint32

		switch r.reg {
		case "ecx":
			val = e.Ecx
		case "edx":
			val = e.Edx
		case "ebx":
			val = e.Ebx
		}

		fmt.Fprintf(w, "%s.\n", r.name)
		printFeatures(w, r.features, val)
	}
}

func printFeatures(w io.Writer, features []feature, reg uint32) {
	var enabled, disabled []string

	for _, f := range features {
		if reg&(1<<f.bit) != 0 {
			enabled = append(enabled, f.name)
		} else {
			disabled = append(disabled, f.name)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, s := range enabled {
		fmt.Fprintf(w, " %s", s)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, s := range disabled {
		fmt.Fprintf(w, " %s", s)
	}

	fmt.Fprintf(w, "\n\n")
}
