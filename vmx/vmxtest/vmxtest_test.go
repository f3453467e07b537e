package vmxtest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/gohv/vmx"
	"github.com/bobuhiro11/gohv/vmx/vmxtest"
)

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()

	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()

	f()
}

func TestResidency(t *testing.T) {
	t.Parallel()

	p := vmxtest.New()

	page, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	p.Load(page, 0)
	p.Load(page, 0)

	mustPanic(t, "double residency", func() { p.Load(page, 1) })
	mustPanic(t, "clear on wrong cpu", func() { p.Clear(page, 1) })
	mustPanic(t, "free while resident", func() { p.FreePage(page) })

	p.Clear(page, 0)

	if _, ok := p.Resident(page); ok {
		t.Error("page still resident after Clear")
	}

	mustPanic(t, "enter while not resident", func() { _ = p.Enter(page, &vmx.GuestState{}, false) })

	p.Load(page, 1)
	p.Clear(page, 1)
	p.FreePage(page)

	want := []string{"load", "load", "clear", "load", "clear", "free"}

	ops := p.Ops()
	if len(ops) != len(want) {
		t.Fatalf("ops = %+v", ops)
	}

	for i, op := range ops {
		if op.Kind != want[i] {
			t.Errorf("op %d = %s, want %s", i, op.Kind, want[i])
		}
	}
}

func TestScriptedEnter(t *testing.T) {
	t.Parallel()

	p := vmxtest.New()

	page, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	p.Load(page, 0)
	p.Push(page,
		vmxtest.Exit{
			Info:  vmx.ExitInfo{Reason: vmx.ExitIOInstruction, InstructionLength: 1},
			Guest: func(_ *vmx.Page, gs *vmx.GuestState) { gs.RAX = 0x41 },
		},
		vmxtest.Exit{Fail: true, InstructionError: 7},
	)

	vmx.IssueInterrupt(page, 0x30)

	var gs vmx.GuestState
	if err := p.Enter(page, &gs, false); err != nil {
		t.Fatal(err)
	}

	if info := vmx.ReadExitInfo(page); info.Reason != vmx.ExitIOInstruction || gs.RAX != 0x41 {
		t.Errorf("unexpected exit %+v rax %#x", info, gs.RAX)
	}

	if inj := p.Injected(page); len(inj) != 1 || inj[0] != 0x30 {
		t.Errorf("injected %v", inj)
	}

	if vmx.InterruptPending(page) {
		t.Error("injection not consumed")
	}

	if err := p.Enter(page, &gs, true); !errors.Is(err, vmxtest.ErrEntryFailed) {
		t.Fatalf("Enter = %v, want entry failure", err)
	}

	if page.Read(vmx.VMInstructionError) != 7 {
		t.Error("instruction error not recorded")
	}
}

func TestInterruptWakesGuest(t *testing.T) {
	t.Parallel()

	p := vmxtest.New()

	page, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	p.Load(page, 0)

	done := make(chan error)

	go func() { done <- p.Enter(page, &vmx.GuestState{}, false) }()

	for !p.Entered(page) {
		time.Sleep(time.Millisecond)
	}

	p.Interrupt(page, 0)

	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if r := vmx.ReadExitInfo(page).Reason; r != vmx.ExitExternalInterrupt {
		t.Errorf("exit reason %v", r)
	}
}
