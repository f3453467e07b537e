// Package trap maps guest address ranges to the host-side targets that
// accesses to them must be routed to.
package trap

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/port"
	"github.com/google/btree"
)

// Kind is the class of a trap.
type Kind uint32

const (
	// Bell traps are asynchronous: an access queues a packet on the trap's
	// port and the guest continues.
	Bell Kind = 0
	// Mem traps are synchronous guest-physical memory traps.
	Mem Kind = 1
	// IO traps are synchronous port I/O traps.
	IO Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Bell:
		return "bell"
	case Mem:
		return "mem"
	case IO:
		return "io"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Valid reports whether k names a supported trap class.
func (k Kind) Valid() bool { return k == Bell || k == Mem || k == IO }

// Trap is one registered range.
type Trap struct {
	Kind Kind
	Addr uint64
	Len  uint64
	Key  uint64
	Port *port.Port
}

// End returns the first address past the trap.
func (t *Trap) End() uint64 { return t.Addr + t.Len }

// Contains reports whether addr falls inside the trap.
func (t *Trap) Contains(addr uint64) bool { return t.Addr <= addr && addr < t.End() }

// HasPort reports whether the trap delivers to a port.
func (t *Trap) HasPort() bool { return t.Port != nil }

// Queue delivers p to the trap's port, stamping the trap key.
func (t *Trap) Queue(p *packet.Packet) error {
	if t.Port == nil {
		return hverror.New(hverror.NotFound, "Queue", nil)
	}

	p.Key = t.Key

	return t.Port.Queue(p)
}

// btreeDegree is the fan-out of the per-kind index.
const btreeDegree = 8

func less(a, b *Trap) bool { return a.Addr < b.Addr }

// Map is a set of non-overlapping traps per kind. It is safe for concurrent
// use; lookups take a read lock only.
type Map struct {
	mu    sync.RWMutex
	trees map[Kind]*btree.BTreeG[*Trap]
}

// NewMap returns an empty trap map.
func NewMap() *Map {
	m := &Map{trees: make(map[Kind]*btree.BTreeG[*Trap])}
	for _, k := range []Kind{Bell, Mem, IO} {
		m.trees[k] = btree.NewG(btreeDegree, less)
	}

	return m
}

// Insert adds a trap. It fails with InvalidArgument for an unknown kind or
// an empty or wrapping range, and AlreadyExists if the range overlaps a trap
// of the same kind.
func (m *Map) Insert(kind Kind, addr, length uint64, p *port.Port, key uint64) error {
	if !kind.Valid() {
		return hverror.Errorf(hverror.InvalidArgument, "Insert", "unsupported trap kind %v", kind)
	}

	if length == 0 || addr+length < addr {
		return hverror.Errorf(hverror.InvalidArgument, "Insert", "bad range %#x+%#x", addr, length)
	}

	t := &Trap{Kind: kind, Addr: addr, Len: length, Key: key, Port: p}

	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.trees[kind]

	var conflict *Trap

	tree.DescendLessOrEqual(t, func(prev *Trap) bool {
		if prev.End() > addr {
			conflict = prev
		}

		return false
	})

	if conflict == nil {
		tree.AscendGreaterOrEqual(t, func(next *Trap) bool {
			if next.Addr < t.End() {
				conflict = next
			}

			return false
		})
	}

	if conflict != nil {
		return hverror.Errorf(hverror.AlreadyExists, "Insert",
			"%v trap %#x+%#x overlaps %#x+%#x", kind, addr, length, conflict.Addr, conflict.Len)
	}

	tree.ReplaceOrInsert(t)

	return nil
}

// Lookup returns the trap of the given kind containing addr.
func (m *Map) Lookup(kind Kind, addr uint64) (*Trap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tree, ok := m.trees[kind]
	if !ok {
		return nil, hverror.Errorf(hverror.InvalidArgument, "Lookup", "unsupported trap kind %v", kind)
	}

	var found *Trap

	tree.DescendLessOrEqual(&Trap{Addr: addr}, func(t *Trap) bool {
		if t.Contains(addr) {
			found = t
		}

		return false
	})

	if found == nil {
		return nil, hverror.Errorf(hverror.NotFound, "Lookup", "no %v trap at %#x", kind, addr)
	}

	return found, nil
}

// Len returns the number of traps of the given kind.
func (m *Map) Len(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tree, ok := m.trees[kind]; ok {
		return tree.Len()
	}

	return 0
}
