// Package idalloc hands out small integer identifiers from a fixed pool.
package idalloc

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/bobuhiro11/gohv/hverror"
)

// MaxIDs is the largest pool a single Allocator can manage.
const MaxIDs = 64

// Allocator allocates IDs in [1, n]. ID 0 is reserved, matching the VMX rule
// that VPID 0 belongs to the host.
type Allocator struct {
	mu   sync.Mutex
	n    int
	used uint64
}

// New returns an allocator for n IDs. It panics if n is out of range.
func New(n int) *Allocator {
	if n <= 0 || n > MaxIDs {
		panic(fmt.Sprintf("idalloc: invalid pool size %d", n))
	}

	return &Allocator{n: n}
}

func (a *Allocator) full() uint64 {
	if a.n == MaxIDs {
		return ^uint64(0)
	}

	return (1 << a.n) - 1
}

// TryAlloc returns the lowest free ID.
func (a *Allocator) TryAlloc() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := ^a.used & a.full()
	if free == 0 {
		return 0, hverror.New(hverror.ResourceExhausted, "TryAlloc", nil)
	}

	bit := bits.TrailingZeros64(free)
	a.used |= 1 << bit

	return uint16(bit + 1), nil
}

// Alloc allocates id itself. It fails with InvalidArgument when id is
// outside the pool and with AlreadyExists when id is taken.
func (a *Allocator) Alloc(id uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == 0 || int(id) > a.n {
		return hverror.Errorf(hverror.InvalidArgument, "Alloc", "id %d out of range", id)
	}

	bit := uint64(1) << (id - 1)
	if a.used&bit != 0 {
		return hverror.Errorf(hverror.AlreadyExists, "Alloc", "id %d in use", id)
	}

	a.used |= bit

	return nil
}

// Free returns id to the pool. Freeing an ID that is not allocated is a
// contract violation and panics.
func (a *Allocator) Free(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == 0 || int(id) > a.n {
		panic(fmt.Sprintf("idalloc: free of out-of-range id %d", id))
	}

	bit := uint64(1) << (id - 1)
	if a.used&bit == 0 {
		panic(fmt.Sprintf("idalloc: free of unallocated id %d", id))
	}

	a.used &^= bit
}

// InUse returns the number of allocated IDs.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return bits.OnesCount64(a.used)
}
