package vmx_test

import (
	"testing"

	"github.com/bobuhiro11/gohv/vmx"
	"github.com/google/go-cmp/cmp"
)

func TestIssueInterrupt(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name      string
		vector    uint8
		info      uint64
		errorCode bool
	}{
		{name: "External", vector: 0x30, info: 0x80000030},
		{name: "NMI", vector: 2, info: 0x80000202},
		{name: "GP", vector: 13, info: 0x80000b0d, errorCode: true},
		{name: "UD", vector: 6, info: 0x80000306},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			p := vmx.NewPage(0x1000)
			p.Write(vmx.EntryExceptionErrorCode, 0xdead)

			vmx.IssueInterrupt(p, test.vector)

			if got := p.Read(vmx.EntryInterruptionInfo); got != test.info {
				t.Errorf("interruption info = %#x, want %#x", got, test.info)
			}

			if test.errorCode && p.Read(vmx.EntryExceptionErrorCode) != 0 {
				t.Error("error code not cleared")
			}

			if !vmx.InterruptPending(p) {
				t.Error("interrupt not pending")
			}
		})
	}
}

func TestCanInjectExternal(t *testing.T) {
	t.Parallel()

	p := vmx.NewPage(0)
	if vmx.CanInjectExternal(p) {
		t.Error("injectable with IF clear")
	}

	p.Write(vmx.GuestRFLAGS, vmx.RFLAGSIF|vmx.RFLAGSReserved)
	if !vmx.CanInjectExternal(p) {
		t.Error("not injectable with IF set")
	}

	p.Write(vmx.GuestInterruptibilityState, vmx.BlockingSTI)
	if vmx.CanInjectExternal(p) {
		t.Error("injectable under STI blocking")
	}

	vmx.SetInterruptWindowExiting(p, true)
	if !p.Has(vmx.ProcbasedCtls, vmx.ProcInterruptWindowExiting) {
		t.Error("window exiting not enabled")
	}

	vmx.SetInterruptWindowExiting(p, false)
	if p.Has(vmx.ProcbasedCtls, vmx.ProcInterruptWindowExiting) {
		t.Error("window exiting not disabled")
	}
}

func TestEPTPointer(t *testing.T) {
	t.Parallel()

	if got := vmx.EPTPointer(0x12345000); got != 0x1234501e {
		t.Errorf("EPTPointer = %#x", got)
	}
}

func TestMSRBitmap(t *testing.T) {
	t.Parallel()

	bitmap := make([]byte, 4096)
	for i := range bitmap {
		bitmap[i] = 0xff
	}

	vmx.IgnoreMSR(bitmap, vmx.MSRFSBase)
	vmx.IgnoreMSR(bitmap, vmx.MSRSysenterCS)

	for _, test := range []struct {
		msr   uint32
		write bool
		exits bool
	}{
		{vmx.MSRFSBase, false, false},
		{vmx.MSRFSBase, true, false},
		{vmx.MSRGSBase, false, true},
		{vmx.MSRSysenterCS, true, false},
		{vmx.MSRSysenterESP, true, true},
		{vmx.MSRX2APICBase + 0x30, true, true},
		{0x40000000, false, true},
	} {
		if got := vmx.MSRExits(bitmap, test.msr, test.write); got != test.exits {
			t.Errorf("MSRExits(%#x, write=%v) = %v, want %v", test.msr, test.write, got, test.exits)
		}
	}

	if bitmap[1024+0x100/8] != 0xfe || bitmap[3072+0x100/8] != 0xfe {
		t.Errorf("high bitmap bytes %#x %#x", bitmap[1024+0x100/8], bitmap[3072+0x100/8])
	}
}

func TestIOInfo(t *testing.T) {
	t.Parallel()

	in := vmx.IOInfo{AccessSize: 2, Input: true, Port: 0x3f8}

	q := in.Encode()
	if q != 0x3f80009 {
		t.Errorf("Encode = %#x", q)
	}

	if diff := cmp.Diff(in, vmx.DecodeIO(q)); diff != "" {
		t.Errorf("DecodeIO mismatch (-want +got):\n%s", diff)
	}

	if io := vmx.DecodeIO(1<<4 | 1<<5 | 3); !io.String || !io.Repeat || io.AccessSize != 4 {
		t.Errorf("string rep decode %+v", io)
	}
}

func TestExitInfo(t *testing.T) {
	t.Parallel()

	p := vmx.NewPage(0)
	p.Write(vmx.GuestRIP, 0x7c00)

	want := vmx.ExitInfo{
		Reason:               vmx.ExitEPTViolation,
		Qualification:        vmx.EPTWrite,
		InstructionLength:    3,
		GuestPhysicalAddress: 0x1800,
		GuestRIP:             0x7c00,
	}
	vmx.WriteExit(p, want)

	if diff := cmp.Diff(want, vmx.ReadExitInfo(p)); diff != "" {
		t.Errorf("exit info mismatch (-want +got):\n%s", diff)
	}

	if vmx.ExitEPTViolation.String() != "EPT_VIOLATION" || vmx.ExitReason(99).String() != "EXIT_REASON_99" {
		t.Error("unexpected exit names")
	}
}
