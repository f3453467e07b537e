package vcpu

import (
	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/vmx"
)

// State is the general register file of a VCPU, laid out like
// zx_vcpu_state_t.
type State struct {
	RAX    uint64
	RCX    uint64
	RDX    uint64
	RBX    uint64
	RSP    uint64
	RBP    uint64
	RSI    uint64
	RDI    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RFLAGS uint64
}

// IO is the result of an emulated port read.
type IO struct {
	AccessSize uint8
	Data       [4]byte
}

// Info describes a VCPU.
type Info struct {
	Kicked  bool
	Entered bool
	LastCPU int
	VPID    uint16
}

func readState(p *vmx.Page, gs *vmx.GuestState) State {
	return State{
		RAX:    gs.RAX,
		RCX:    gs.RCX,
		RDX:    gs.RDX,
		RBX:    gs.RBX,
		RSP:    p.Read(vmx.GuestRSP),
		RBP:    gs.RBP,
		RSI:    gs.RSI,
		RDI:    gs.RDI,
		R8:     gs.R8,
		R9:     gs.R9,
		R10:    gs.R10,
		R11:    gs.R11,
		R12:    gs.R12,
		R13:    gs.R13,
		R14:    gs.R14,
		R15:    gs.R15,
		RFLAGS: p.Read(vmx.GuestRFLAGS),
	}
}

func writeState(p *vmx.Page, gs *vmx.GuestState, s *State) {
	gs.RAX = s.RAX
	gs.RCX = s.RCX
	gs.RDX = s.RDX
	gs.RBX = s.RBX
	gs.RBP = s.RBP
	gs.RSI = s.RSI
	gs.RDI = s.RDI
	gs.R8 = s.R8
	gs.R9 = s.R9
	gs.R10 = s.R10
	gs.R11 = s.R11
	gs.R12 = s.R12
	gs.R13 = s.R13
	gs.R14 = s.R14
	gs.R15 = s.R15
	p.Write(vmx.GuestRSP, s.RSP)
	// Bit 1 of RFLAGS is reserved and always set.
	p.Write(vmx.GuestRFLAGS, s.RFLAGS|vmx.RFLAGSReserved)
}

// mergeIO places the bytes of io into the low bits of rax.
func mergeIO(rax uint64, io *IO) (uint64, error) {
	switch io.AccessSize {
	case 1:
		return rax&^0xff | uint64(io.Data[0]), nil
	case 2:
		return rax&^0xffff | uint64(io.Data[0]) | uint64(io.Data[1])<<8, nil
	case 4:
		// A 32-bit write zero-extends into the full register.
		return uint64(io.Data[0]) | uint64(io.Data[1])<<8 | uint64(io.Data[2])<<16 | uint64(io.Data[3])<<24, nil
	default:
		return rax, hverror.Errorf(hverror.InvalidArgument, "WriteStateIO", "access size %d", io.AccessSize)
	}
}
