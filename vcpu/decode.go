package vcpu

import (
	"fmt"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/memory"
	"github.com/bobuhiro11/gohv/vmx"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLength is the architectural limit of an x86 instruction.
const maxInstructionLength = 15

type decoded struct {
	size               uint8
	defaultOperandSize uint8
}

// codeMode returns the execution mode and default operand size selected by
// the guest's CS.
func codeMode(p *vmx.Page) (mode int, operandSize uint8) {
	ar := p.Read32(vmx.GuestCSAccessRights)

	switch {
	case ar&vmx.AccessRightsL != 0:
		return 64, 4
	case ar&vmx.AccessRightsDB != 0:
		return 32, 4
	default:
		return 16, 2
	}
}

// decodeAt decodes the guest instruction at rip.
func (v *NormalVcpu) decodeAt(rip uint64) (decoded, error) {
	mode, operandSize := codeMode(v.page)

	code, err := v.fetch(v.page.Read(vmx.GuestCSBase)+rip, maxInstructionLength)
	if err != nil {
		return decoded{}, err
	}

	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return decoded{}, hverror.New(hverror.NotSupported, "Enter", fmt.Errorf("decode at %#x: %w", rip, err))
	}

	return decoded{size: uint8(inst.Len), defaultOperandSize: operandSize}, nil
}

// fetch reads up to n bytes of guest code at the linear address va. Bytes
// beyond an unreadable page are dropped; an unreadable first page is an
// error.
func (v *NormalVcpu) fetch(va uint64, n int) ([]byte, error) {
	aspace := v.guest.PhysicalAspace()
	paging := v.page.Read(vmx.GuestCR0)&vmx.CR0PG != 0
	cr3 := v.page.Read(vmx.GuestCR3)
	code := make([]byte, 0, n)

	for len(code) < n {
		addr := va + uint64(len(code))
		gpa := addr

		if paging {
			var err error
			if gpa, err = aspace.Translate(cr3, addr); err != nil {
				if len(code) > 0 {
					break
				}

				return nil, err
			}
		}

		chunk := min(n-len(code), int(memory.PageSize-gpa%memory.PageSize))
		buf := make([]byte, chunk)

		if _, err := aspace.ReadAt(buf, int64(gpa)); err != nil {
			if len(code) > 0 {
				break
			}

			return nil, err
		}

		code = append(code, buf...)
	}

	return code, nil
}
