// Package port implements the asynchronous notification port that trap and
// VCPU packets are delivered to.
package port

import (
	"context"
	"sync"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/packet"
)

// DefaultCapacity is the queue depth used by New(0).
const DefaultCapacity = 2048

// Port is a bounded FIFO of packets. Queue never blocks.
type Port struct {
	ch chan packet.Packet

	mu     sync.Mutex
	closed bool
}

// New returns a port holding up to capacity packets.
func New(capacity int) *Port {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Port{ch: make(chan packet.Packet, capacity)}
}

// Queue appends p. It fails with ShouldWait when the port is full and
// BadState once the port is closed.
func (p *Port) Queue(pkt *packet.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return hverror.New(hverror.BadState, "Queue", nil)
	}

	select {
	case p.ch <- *pkt:
		return nil
	default:
		return hverror.New(hverror.ShouldWait, "Queue", nil)
	}
}

// Wait dequeues the oldest packet, blocking until one is available, the port
// is closed, or ctx is done.
func (p *Port) Wait(ctx context.Context) (packet.Packet, error) {
	select {
	case pkt, ok := <-p.ch:
		if !ok {
			return packet.Packet{}, hverror.New(hverror.BadState, "Wait", nil)
		}

		return pkt, nil
	case <-ctx.Done():
		return packet.Packet{}, hverror.New(hverror.Canceled, "Wait", ctx.Err())
	}
}

// Len returns the number of queued packets.
func (p *Port) Len() int { return len(p.ch) }

// Close stops accepting packets. Queued packets can still be drained.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
