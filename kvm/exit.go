package kvm

import (
	"errors"
	"fmt"
)

// ErrUnexpectedExitReason is an exit the caller does not understand.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ExitType is the reason KVM_RUN returned to userspace.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITSYSTEMEVENT   ExitType = 24
	EXITX86RDMSR      ExitType = 29
	EXITX86WRMSR      ExitType = 30

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
	EXITSYSTEMEVENT:   "EXITSYSTEMEVENT",
	EXITX86RDMSR:      "EXITX86RDMSR",
	EXITX86WRMSR:      "EXITX86WRMSR",
}

func (e ExitType) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}

// MSRError is an MSR the kernel refused to read or write.
type MSRError uint32

func (e MSRError) Error() string {
	return fmt.Sprintf("msr %#x not accessible", uint32(e))
}
