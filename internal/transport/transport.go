package transport

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"

	portpkg "github.com/bigbag/ice-bridge/internal/serial"
)

// Transport is the host link as seen by the state machine. None of the
// methods block for longer than one short poll.
type Transport interface {
	// Connected reports whether a host is attached.
	Connected() bool
	// Available returns the number of received bytes ready to Read.
	Available() int
	// Read copies up to len(p) received bytes and returns how many it moved.
	Read(p []byte) int
	// WriteString queues text for the host.
	WriteString(s string)
	// Flush pushes queued text out.
	Flush()
	// Task services the link; it must be called on every poll.
	Task()
}

// Staging buffer sizes, matching a CDC endpoint FIFO.
const (
	RxSize = 4096
	TxSize = 4096
)

// PollTimeout bounds the read performed by a single Task.
const PollTimeout = time.Millisecond

// Signal selects the modem line that means "host attached".
type Signal string

// Supported connection signals.
const (
	SignalDSR    Signal = "dsr"
	SignalDCD    Signal = "dcd"
	SignalCTS    Signal = "cts"
	SignalAlways Signal = "always"
)

// ParseSignal validates a signal name.
func ParseSignal(s string) (Signal, error) {
	switch sig := Signal(s); sig {
	case SignalDSR, SignalDCD, SignalCTS, SignalAlways:
		return sig, nil
	default:
		return "", fmt.Errorf("unknown connection signal %q", s)
	}
}

// Link is the raw port underneath a Serial transport.
type Link interface {
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Write(data []byte) (int, error)
	ModemStatus() (*serial.ModemStatusBits, error)
	Close() error
}

// Opener opens a fresh Link.
type Opener func() (Link, error)

// PortOpener opens name with the internal serial wrapper.
func PortOpener(name string, baudRate int) Opener {
	return func() (Link, error) {
		p, err := portpkg.Open(name, baudRate)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Serial is a Transport over a serial port. The port is opened lazily and
// reopened after I/O errors.
type Serial struct {
	open   Opener
	signal Signal

	link      Link
	connected bool
	openErr   string

	rx  []byte
	tx  []byte
	buf [RxSize]byte
}

// NewSerial creates a Serial transport.
func NewSerial(open Opener, signal Signal) *Serial {
	return &Serial{
		open:   open,
		signal: signal,
		rx:     make([]byte, 0, RxSize),
		tx:     make([]byte, 0, TxSize),
	}
}

// Connected implements Transport.
func (s *Serial) Connected() bool {
	return s.connected
}

// Available implements Transport.
func (s *Serial) Available() int {
	return len(s.rx)
}

// Read implements Transport.
func (s *Serial) Read(p []byte) int {
	n := copy(p, s.rx)
	s.rx = s.rx[:copy(s.rx, s.rx[n:])]
	return n
}

// WriteString implements Transport. Text that does not fit is flushed
// first; if there is still no room the older text is discarded.
func (s *Serial) WriteString(str string) {
	if len(s.tx)+len(str) > TxSize {
		s.Flush()
		if len(s.tx)+len(str) > TxSize {
			s.tx = s.tx[:0]
		}
	}
	s.tx = append(s.tx, str...)
}

// Flush implements Transport. Queued text is held while no host is attached.
func (s *Serial) Flush() {
	if len(s.tx) == 0 || s.link == nil || !s.connected {
		return
	}
	if _, err := s.link.Write(s.tx); err != nil {
		s.drop(fmt.Errorf("write: %w", err))
	}
	s.tx = s.tx[:0]
}

// Task implements Transport.
func (s *Serial) Task() {
	if s.link == nil {
		link, err := s.open()
		if err != nil {
			if msg := err.Error(); msg != s.openErr {
				glog.Warningf("transport: %v", err)
				s.openErr = msg
			}
			s.connected = false
			return
		}
		glog.V(1).Info("transport: port opened")
		s.link, s.openErr = link, ""
	}

	connected, err := s.sense()
	if err != nil {
		s.drop(fmt.Errorf("modem status: %w", err))
		return
	}
	if connected != s.connected {
		glog.V(1).Infof("transport: connected=%v", connected)
	}
	s.connected = connected

	free := RxSize - len(s.rx)
	if free == 0 {
		return
	}
	n, err := s.link.ReadWithTimeout(s.buf[:free], PollTimeout)
	if n > 0 {
		s.rx = append(s.rx, s.buf[:n]...)
	}
	if err != nil {
		s.drop(fmt.Errorf("read: %w", err))
	}
}

// Close releases the port. A later Task reopens it.
func (s *Serial) Close() error {
	if s.link == nil {
		return nil
	}
	err := s.link.Close()
	s.link = nil
	s.connected = false
	return err
}

func (s *Serial) sense() (bool, error) {
	if s.signal == SignalAlways {
		return true, nil
	}
	bits, err := s.link.ModemStatus()
	if err != nil {
		return false, err
	}
	switch s.signal {
	case SignalDCD:
		return bits.DCD, nil
	case SignalCTS:
		return bits.CTS, nil
	default:
		return bits.DSR, nil
	}
}

func (s *Serial) drop(err error) {
	glog.Warningf("transport: %v; closing port", err)
	s.link.Close()
	s.link = nil
	s.connected = false
	s.rx = s.rx[:0]
	s.tx = s.tx[:0]
}

var _ Transport = (*Serial)(nil)
