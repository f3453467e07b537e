// Package serial emulates the registers of a 16550 UART well enough for a
// guest to print to COM1 and read typed input.
package serial

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	COM1Addr = 0x03f8

	// NumPorts is the size of the register window.
	NumPorts = 8

	inputQueueLen = 10000
)

// Register offsets.
const (
	regData = 0 // RBR, THR, DLL
	regIER  = 1 // IER, DLM
	regIIR  = 2 // IIR, FCR
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7
)

const (
	lcrDLAB        = 0x80
	lsrDataReady   = 0x01
	lsrTHREmpty    = 0x60
	ierReceived    = 0x01
	iirNoInterrupt = 0x01
	iirReceived    = 0x04
)

// Serial is a COM port. Output bytes are written to the sink; input bytes
// queued with Input are returned by reads of the data register.
type Serial struct {
	mu  sync.Mutex
	IER byte
	LCR byte
	MCR byte
	SCR byte

	sink  io.Writer
	input chan byte

	// irq is called when received data should raise an interrupt.
	irq func()
	log *logrus.Entry
}

// New returns a serial port writing to sink. irq may be nil.
func New(sink io.Writer, irq func(), log *logrus.Entry) *Serial {
	if irq == nil {
		irq = func() {}
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Serial{
		sink:  sink,
		input: make(chan byte, inputQueueLen),
		irq:   irq,
		log:   log.WithField("device", "serial"),
	}
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

// Input queues a byte for the guest. It reports false when the queue is
// full and the byte was dropped.
func (s *Serial) Input(b byte) bool {
	select {
	case s.input <- b:
	default:
		return false
	}

	s.mu.Lock()
	enabled := s.IER&ierReceived != 0
	s.mu.Unlock()

	if enabled {
		s.irq()
	}

	return true
}

// Read handles a read of port.
func (s *Serial) Read(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr
	values[0] = 0

	switch {
	case port == regData && !s.dlab():
		select {
		case values[0] = <-s.input:
		default:
		}
	case port == regData && s.dlab():
		values[0] = 0xc // baud rate 9600
	case port == regIER && !s.dlab():
		values[0] = s.IER
	case port == regIER && s.dlab():
		values[0] = 0x0 // baud rate 9600
	case port == regIIR:
		values[0] = iirNoInterrupt
		if s.IER&ierReceived != 0 && len(s.input) > 0 {
			values[0] = iirReceived
		}
	case port == regLCR:
		values[0] = s.LCR
	case port == regMCR:
		values[0] = s.MCR
	case port == regLSR:
		values[0] = lsrTHREmpty
		if len(s.input) > 0 {
			values[0] |= lsrDataReady
		}
	case port == regMSR:
	case port == regSCR:
		values[0] = s.SCR
	}

	return nil
}

// Write handles a write to port.
func (s *Serial) Write(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == regData && !s.dlab():
		if _, err := s.sink.Write(values[:1]); err != nil {
			return err
		}
	case port == regData && s.dlab(), port == regIER && s.dlab():
		s.log.WithField("divisor", values[0]).Trace("baud rate")
	case port == regIER:
		s.IER = values[0]
	case port == regIIR:
		// FCR
	case port == regLCR:
		s.LCR = values[0]
	case port == regMCR:
		s.MCR = values[0]
	case port == regSCR:
		s.SCR = values[0]
	default:
		s.log.WithField("port", port).Trace("factory test or not used")
	}

	return nil
}

func (s *Serial) IOPort() uint64 { return COM1Addr }

func (s *Serial) Size() uint64 { return NumPorts }
