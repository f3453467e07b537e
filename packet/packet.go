// Package packet defines the port packet: the event record a VCPU exit or a
// trap hands to its consumer.
//
// The encoded form is the 48-byte little-endian layout consumers on x86-64
// expect:
//
//	[ 0: 8] key
//	[ 8:12] type
//	[12:16] status
//	[16:48] payload, interpreted according to type
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the encoded size of a packet.
const Size = 48

const (
	headerSize  = 16
	payloadSize = Size - headerSize
)

// Type selects the payload variant of a packet.
type Type uint32

const (
	TypeUser        Type = 0x00
	TypeSignalOne   Type = 0x01
	TypeGuestBell   Type = 0x03
	TypeGuestMem    Type = 0x04
	TypeGuestIO     Type = 0x05
	TypeGuestVcpu   Type = 0x06
	TypeInterrupt   Type = 0x07
	TypePageRequest Type = 0x09
)

func (t Type) String() string {
	switch t {
	case TypeUser:
		return "User"
	case TypeSignalOne:
		return "SignalOne"
	case TypeGuestBell:
		return "GuestBell"
	case TypeGuestMem:
		return "GuestMem"
	case TypeGuestIO:
		return "GuestIO"
	case TypeGuestVcpu:
		return "GuestVcpu"
	case TypeInterrupt:
		return "Interrupt"
	case TypePageRequest:
		return "PageRequest"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// VcpuType is the sub-type of a TypeGuestVcpu packet.
type VcpuType uint32

const (
	VcpuInterrupt VcpuType = 0
	VcpuStartup   VcpuType = 1
	VcpuExit      VcpuType = 2
)

// Page request commands.
const (
	PagerRead     uint16 = 0
	PagerComplete uint16 = 1
	PagerDirty    uint16 = 2
)

var (
	errShortBuffer = errors.New("packet: short buffer")
	errBadType     = errors.New("packet: unknown type")
)

// Signal is the payload of TypeSignalOne.
type Signal struct {
	Trigger   uint32
	Observed  uint32
	Count     uint64
	Timestamp uint64
}

// GuestBell is the payload of TypeGuestBell.
type GuestBell struct {
	Addr uint64
}

// GuestMem is the payload of TypeGuestMem.
type GuestMem struct {
	Addr            uint64
	CR3             uint64
	RIP             uint64
	InstructionSize uint8
	// DefaultOperandSize is the size determined by CS and EFER. Near branches
	// and RSP-relative instructions in 64-bit mode really use 64 bits.
	DefaultOperandSize uint8
}

// GuestIO is the payload of TypeGuestIO.
type GuestIO struct {
	Port       uint16
	AccessSize uint8
	Input      bool
	Data       [4]byte
}

// U8 returns the first data byte.
func (g *GuestIO) U8() uint8 { return g.Data[0] }

// U16 returns the low two data bytes.
func (g *GuestIO) U16() uint16 { return binary.LittleEndian.Uint16(g.Data[:]) }

// U32 returns all four data bytes.
func (g *GuestIO) U32() uint32 { return binary.LittleEndian.Uint32(g.Data[:]) }

// VcpuInterruptInfo is the interrupt arm of GuestVcpu.
type VcpuInterruptInfo struct {
	Mask   uint64
	Vector uint8
}

// VcpuStartupInfo is the startup arm of GuestVcpu.
type VcpuStartupInfo struct {
	ID    uint64
	Entry uint64
}

// VcpuExitInfo is the exit arm of GuestVcpu.
type VcpuExitInfo struct {
	Retcode int64
}

// GuestVcpu is the payload of TypeGuestVcpu. Only the arm selected by Kind
// is encoded.
type GuestVcpu struct {
	Kind      VcpuType
	Interrupt VcpuInterruptInfo
	Startup   VcpuStartupInfo
	Exit      VcpuExitInfo
}

// Interrupt is the payload of TypeInterrupt.
type Interrupt struct {
	Timestamp int64
}

// PageRequest is the payload of TypePageRequest.
type PageRequest struct {
	Command uint16
	Flags   uint16
	Offset  uint64
	Length  uint64
}

// Packet is a port packet. Only the payload field selected by Type is
// meaningful.
type Packet struct {
	Key    uint64
	Type   Type
	Status int32

	User        [payloadSize]byte
	Signal      Signal
	GuestBell   GuestBell
	GuestMem    GuestMem
	GuestIO     GuestIO
	GuestVcpu   GuestVcpu
	Interrupt   Interrupt
	PageRequest PageRequest
}

// Reset clears p.
func (p *Packet) Reset() { *p = Packet{} }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, Size)
	if err := p.Encode(b); err != nil {
		return nil, err
	}

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(b []byte) error {
	return p.Decode(b)
}

// Encode writes p into b, which must hold at least Size bytes.
func (p *Packet) Encode(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("%w: %d bytes", errShortBuffer, len(b))
	}

	b = b[:Size]
	for i := range b {
		b[i] = 0
	}

	le := binary.LittleEndian
	le.PutUint64(b[0:8], p.Key)
	le.PutUint32(b[8:12], uint32(p.Type))
	le.PutUint32(b[12:16], uint32(p.Status))

	u := b[headerSize:]

	switch p.Type {
	case TypeUser:
		copy(u, p.User[:])
	case TypeSignalOne:
		le.PutUint32(u[0:4], p.Signal.Trigger)
		le.PutUint32(u[4:8], p.Signal.Observed)
		le.PutUint64(u[8:16], p.Signal.Count)
		le.PutUint64(u[16:24], p.Signal.Timestamp)
	case TypeGuestBell:
		le.PutUint64(u[0:8], p.GuestBell.Addr)
	case TypeGuestMem:
		le.PutUint64(u[0:8], p.GuestMem.Addr)
		le.PutUint64(u[8:16], p.GuestMem.CR3)
		le.PutUint64(u[16:24], p.GuestMem.RIP)
		u[24] = p.GuestMem.InstructionSize
		u[25] = p.GuestMem.DefaultOperandSize
	case TypeGuestIO:
		le.PutUint16(u[0:2], p.GuestIO.Port)
		u[2] = p.GuestIO.AccessSize
		if p.GuestIO.Input {
			u[3] = 1
		}
		copy(u[4:8], p.GuestIO.Data[:])
	case TypeGuestVcpu:
		le.PutUint32(u[0:4], uint32(p.GuestVcpu.Kind))
		switch p.GuestVcpu.Kind {
		case VcpuInterrupt:
			le.PutUint64(u[8:16], p.GuestVcpu.Interrupt.Mask)
			u[16] = p.GuestVcpu.Interrupt.Vector
		case VcpuStartup:
			le.PutUint64(u[8:16], p.GuestVcpu.Startup.ID)
			le.PutUint64(u[16:24], p.GuestVcpu.Startup.Entry)
		case VcpuExit:
			le.PutUint64(u[8:16], uint64(p.GuestVcpu.Exit.Retcode))
		}
	case TypeInterrupt:
		le.PutUint64(u[0:8], uint64(p.Interrupt.Timestamp))
	case TypePageRequest:
		le.PutUint16(u[0:2], p.PageRequest.Command)
		le.PutUint16(u[2:4], p.PageRequest.Flags)
		le.PutUint64(u[8:16], p.PageRequest.Offset)
		le.PutUint64(u[16:24], p.PageRequest.Length)
	default:
		return fmt.Errorf("%w: %v", errBadType, p.Type)
	}

	return nil
}

// Decode reads p from the first Size bytes of b.
func (p *Packet) Decode(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("%w: %d bytes", errShortBuffer, len(b))
	}

	p.Reset()

	le := binary.LittleEndian
	p.Key = le.Uint64(b[0:8])
	p.Type = Type(le.Uint32(b[8:12]))
	p.Status = int32(le.Uint32(b[12:16]))

	u := b[headerSize:Size]

	switch p.Type {
	case TypeUser:
		copy(p.User[:], u)
	case TypeSignalOne:
		p.Signal = Signal{
			Trigger:   le.Uint32(u[0:4]),
			Observed:  le.Uint32(u[4:8]),
			Count:     le.Uint64(u[8:16]),
			Timestamp: le.Uint64(u[16:24]),
		}
	case TypeGuestBell:
		p.GuestBell.Addr = le.Uint64(u[0:8])
	case TypeGuestMem:
		p.GuestMem = GuestMem{
			Addr:               le.Uint64(u[0:8]),
			CR3:                le.Uint64(u[8:16]),
			RIP:                le.Uint64(u[16:24]),
			InstructionSize:    u[24],
			DefaultOperandSize: u[25],
		}
	case TypeGuestIO:
		p.GuestIO.Port = le.Uint16(u[0:2])
		p.GuestIO.AccessSize = u[2]
		p.GuestIO.Input = u[3] != 0
		copy(p.GuestIO.Data[:], u[4:8])
	case TypeGuestVcpu:
		p.GuestVcpu.Kind = VcpuType(le.Uint32(u[0:4]))
		switch p.GuestVcpu.Kind {
		case VcpuInterrupt:
			p.GuestVcpu.Interrupt = VcpuInterruptInfo{Mask: le.Uint64(u[8:16]), Vector: u[16]}
		case VcpuStartup:
			p.GuestVcpu.Startup = VcpuStartupInfo{ID: le.Uint64(u[8:16]), Entry: le.Uint64(u[16:24])}
		case VcpuExit:
			p.GuestVcpu.Exit.Retcode = int64(le.Uint64(u[8:16]))
		}
	case TypeInterrupt:
		p.Interrupt.Timestamp = int64(le.Uint64(u[0:8]))
	case TypePageRequest:
		p.PageRequest = PageRequest{
			Command: le.Uint16(u[0:2]),
			Flags:   le.Uint16(u[2:4]),
			Offset:  le.Uint64(u[8:16]),
			Length:  le.Uint64(u[16:24]),
		}
	default:
		return fmt.Errorf("%w: %v", errBadType, p.Type)
	}

	return nil
}
