package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/vcpu"
	"github.com/bobuhiro11/gohv/vmm"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/bobuhiro11/gohv/vmx/vmxtest"
	"github.com/google/go-cmp/cmp"
)

const exitPort = 0xf4

func ioExit(port uint16, input bool, rax uint64) vmxtest.Exit {
	return vmxtest.Exit{
		Info: vmx.ExitInfo{
			Reason:            vmx.ExitIOInstruction,
			InstructionLength: 1,
			Qualification:     vmx.IOInfo{AccessSize: 1, Input: input, Port: port}.Encode(),
		},
		Guest: func(_ *vmx.Page, gs *vmx.GuestState) {
			if !input {
				gs.RAX = rax
			}
		},
	}
}

func out(port uint16, val uint64) vmxtest.Exit { return ioExit(port, false, val) }

func config(t *testing.T) vmm.Config {
	t.Helper()

	return vmm.Config{
		Name:          t.Name(),
		MemSize:       1 << 20,
		Entry:         0x8000,
		DebugExitPort: exitPort,
		Vcpu:          vcpu.DefaultConfig(),
	}
}

// script returns Ready hooks that queue the exits of each VCPU.
func script(proc *vmxtest.Processor, exits map[int][]vmxtest.Exit) func(int, *vcpu.NormalVcpu) {
	return func(id int, v *vcpu.NormalVcpu) {
		proc.Push(v.Page(), exits[id]...)
	}
}

func newVMM(t *testing.T, cfg vmm.Config, ready func(*vmxtest.Processor) func(int, *vcpu.NormalVcpu)) *vmm.VMM {
	t.Helper()

	proc := vmxtest.New()

	v, err := vmm.New(cfg, vmm.Options{Processor: proc, Ready: ready(proc)})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := v.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return v
}

func run(t *testing.T, v *vmm.VMM) int64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	return code
}

func TestDebugExit(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		val  uint64
		want int64
	}{
		{0, 1},
		{3, 7},
		{0x7f, 0xff},
	} {
		v := newVMM(t, config(t), func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
			return script(p, map[int][]vmxtest.Exit{0: {out(exitPort, tt.val)}})
		})

		if code := run(t, v); code != tt.want {
			t.Errorf("write %#x: exit code = %d, want %d", tt.val, code, tt.want)
		}
	}
}

func TestSerialOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	cfg := config(t)
	cfg.Serial = true
	cfg.Output = &buf

	v := newVMM(t, cfg, func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{0: {
			out(0x3f8, 'o'), out(0x3f8, 'k'), out(0x3f8, '\n'), out(exitPort, 0),
		}})
	})

	run(t, v)

	if buf.String() != "ok\n" {
		t.Errorf("serial output = %q", buf.String())
	}
}

func TestSerialInput(t *testing.T) {
	t.Parallel()

	cfg := config(t)
	cfg.Serial = true
	cfg.Output = &bytes.Buffer{}

	var got uint64

	read := out(exitPort, 0)
	read.Guest = func(_ *vmx.Page, gs *vmx.GuestState) {
		got = gs.RAX & 0xff
		gs.RAX = 0
	}

	v := newVMM(t, cfg, func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{0: {ioExit(0x3f8, true, 0), read}})
	})

	if !v.Serial().Input('z') {
		t.Fatal("input dropped")
	}

	run(t, v)

	if got != 'z' {
		t.Errorf("guest read %q, want 'z'", rune(got))
	}
}

func TestStartup(t *testing.T) {
	t.Parallel()

	const icr = vmx.MSRX2APICBase + 0x30

	cfg := config(t)
	cfg.VCPUs = 2

	var (
		mu    sync.Mutex
		entry uint64
	)

	startup := vmxtest.Exit{
		Info: vmx.ExitInfo{Reason: vmx.ExitWRMSR, InstructionLength: 2},
		Guest: func(_ *vmx.Page, gs *vmx.GuestState) {
			gs.RCX = icr
			gs.RAX = 6<<8 | 0x9a
			gs.RDX = 1
		},
	}

	v := newVMM(t, cfg, func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return func(id int, vc *vcpu.NormalVcpu) {
			switch id {
			case 0:
				p.Push(vc.Page(), startup)
			case 1:
				mu.Lock()
				entry = vc.Page().Read(vmx.GuestCSBase) + vc.Page().Read(vmx.GuestRIP)
				mu.Unlock()
				p.Push(vc.Page(), out(exitPort, 2))
			}
		}
	})

	if code := run(t, v); code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}

	mu.Lock()
	defer mu.Unlock()

	if entry != 0x9a000 {
		t.Errorf("vcpu 1 entry = %#x, want 0x9a000", entry)
	}
}

func TestStartupAPICID(t *testing.T) {
	t.Parallel()

	const icr = vmx.MSRX2APICBase + 0x30

	cfg := config(t)
	cfg.VCPUs = 3

	startup := vmxtest.Exit{
		Info: vmx.ExitInfo{Reason: vmx.ExitWRMSR, InstructionLength: 2},
		Guest: func(_ *vmx.Page, gs *vmx.GuestState) {
			gs.RCX = icr
			gs.RAX = 6<<8 | 0x9a
			gs.RDX = 2
		},
	}
	readID := vmxtest.Exit{
		Info: vmx.ExitInfo{Reason: vmx.ExitRDMSR, InstructionLength: 2},
		Guest: func(_ *vmx.Page, gs *vmx.GuestState) {
			gs.RCX = vmx.MSRX2APICBase + 0x02
		},
	}
	// Writes the APIC ID just read to the exit port.
	report := vmxtest.Exit{Info: vmx.ExitInfo{
		Reason:            vmx.ExitIOInstruction,
		InstructionLength: 1,
		Qualification:     vmx.IOInfo{AccessSize: 1, Port: exitPort}.Encode(),
	}}

	v := newVMM(t, cfg, func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{
			0: {startup},
			2: {readID, report},
		})
	})

	// Vcpu 2 starts first and still reads APIC ID 2, so the exit code is
	// 2<<1|1.
	if code := run(t, v); code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}
}

func TestTripleFault(t *testing.T) {
	t.Parallel()

	v := newVMM(t, config(t), func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{0: {{Info: vmx.ExitInfo{Reason: vmx.ExitTripleFault}}}})
	})

	if code := run(t, v); code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestUnhandledIO(t *testing.T) {
	t.Parallel()

	v := newVMM(t, config(t), func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{0: {out(0x80, 0)}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := v.Run(ctx); !errors.Is(err, hverror.ErrNotFound) {
		t.Errorf("Run = %v, want NotFound", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	v := newVMM(t, config(t), func(*vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return func(int, *vcpu.NormalVcpu) {}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := v.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want deadline exceeded", err)
	}

	if _, err := v.Run(context.Background()); !errors.Is(err, hverror.ErrBadState) {
		t.Errorf("second Run = %v, want BadState", err)
	}
}

func TestImage(t *testing.T) {
	t.Parallel()

	img := filepath.Join(t.TempDir(), "guest.bin")
	if err := os.WriteFile(img, []byte{0xe6, exitPort}, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config(t)
	cfg.Image = img
	cfg.LoadAddr = 0x8000

	v := newVMM(t, cfg, func(*vmxtest.Processor) func(int, *vcpu.NormalVcpu) { return nil })

	buf := make([]byte, 2)
	if _, err := v.Guest().PhysicalAspace().ReadAt(buf, 0x8000); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{0xe6, exitPort}, buf); diff != "" {
		t.Errorf("image mismatch (-want +got):\n%s", diff)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	cfg := config(t)
	cfg.Bells = []vmm.Region{{Addr: 0x20000, Len: 0x1000}}

	bell := vmxtest.Exit{Info: vmx.ExitInfo{
		Reason:               vmx.ExitEPTViolation,
		InstructionLength:    3,
		GuestPhysicalAddress: 0x20010,
	}}

	v := newVMM(t, cfg, func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{0: {
			{Info: vmx.ExitInfo{Reason: vmx.ExitPause, InstructionLength: 2}},
			bell,
			out(exitPort, 0),
		}})
	})

	run(t, v)

	want := map[vmx.ExitReason]uint64{
		vmx.ExitPause:         1,
		vmx.ExitEPTViolation:  1,
		vmx.ExitIOInstruction: 1,
	}
	if diff := cmp.Diff(want, v.Stats().Exits()); diff != "" {
		t.Errorf("exits mismatch (-want +got):\n%s", diff)
	}

	var b strings.Builder
	if _, err := v.Stats().WriteTo(&b); err != nil {
		t.Fatal(err)
	}

	for _, line := range []string{
		"# TYPE gohv_vcpu_exits_total counter",
		`gohv_vcpu_exits_total{reason="IO_INSTRUCTION",code="30"} 1`,
		`gohv_packets_total{type="GuestIO"} 1`,
	} {
		if !strings.Contains(b.String(), line) {
			t.Errorf("stats missing %q:\n%s", line, b.String())
		}
	}
}

func TestPortDevices(t *testing.T) {
	t.Parallel()

	cfg := config(t)
	cfg.PostCode = true
	cfg.ACPIShutdown = true
	cfg.IgnorePorts = []vmm.Region{{Addr: 0x70, Len: 2}}

	var rax uint64

	shutdown := out(0x600, 0x34)
	shutdown.Guest = func(_ *vmx.Page, gs *vmx.GuestState) {
		rax = gs.RAX & 0xff
		gs.RAX = 0x34
	}

	v := newVMM(t, cfg, func(p *vmxtest.Processor) func(int, *vcpu.NormalVcpu) {
		return script(p, map[int][]vmxtest.Exit{0: {
			out(0x80, 0x11),
			out(0x70, 0x8f),
			ioExit(0x71, true, 0),
			shutdown,
		}})
	})

	if code := run(t, v); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	if rax != 0 {
		t.Errorf("ignored port read %#x, want 0", rax)
	}
}
