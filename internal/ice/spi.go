package ice

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/bigbag/ice-bridge/internal/clock"
)

// ErrCDONE is returned when the FPGA does not assert CDONE after configuration.
var ErrCDONE = errors.New("CDONE not asserted")

// MaxTransfer is the largest single SPI transaction; spidev caps it at 4 KiB.
const MaxTransfer = 4096

// Board names the SPI port and control lines wired to the FPGA.
type Board struct {
	SPI    string
	SS     string
	CReset string
	CDone  string
	// Clock is optional; when empty the FPGA is expected to have its own oscillator.
	Clock string

	SPIFrequency physic.Frequency
}

// DefaultBoard is the iCE40 wiring of a Raspberry Pi header bridge.
var DefaultBoard = Board{
	SPI:          "/dev/spidev0.0",
	SS:           "GPIO8",
	CReset:       "GPIO25",
	CDone:        "GPIO24",
	Clock:        "GPIO4",
	SPIFrequency: 10 * physic.MegaHertz,
}

// SPI configures an iCE40 in SPI slave mode over periph.io.
type SPI struct {
	clock clock.Clock

	port  spi.PortCloser
	conn  spi.Conn
	ss    gpio.PinOut
	reset gpio.PinOut
	done  gpio.PinIn
	clk   gpio.PinOut
	freq  physic.Frequency
}

// NewSPI creates SPI primitives. Nothing is opened until ClockInit.
func NewSPI(clk clock.Clock) *SPI {
	return &SPI{clock: clk}
}

// ClockInit resolves the board pins, opens the SPI port and records the
// FPGA clock frequency. It is safe to call before every flash.
func (s *SPI) ClockInit(board Board, freq physic.Frequency) error {
	s.freq = freq
	if s.conn != nil {
		return nil
	}

	var err error
	if s.ss, err = outPin(board.SS); err != nil {
		return err
	}
	if s.reset, err = outPin(board.CReset); err != nil {
		return err
	}
	if board.Clock != "" {
		if s.clk, err = outPin(board.Clock); err != nil {
			return err
		}
	}
	done := gpioreg.ByName(board.CDone)
	if done == nil {
		return fmt.Errorf("CDONE pin %q not found", board.CDone)
	}
	if err := done.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("failed to configure CDONE: %w", err)
	}
	s.done = done

	port, err := spireg.Open(board.SPI)
	if err != nil {
		return fmt.Errorf("failed to open SPI port %s: %w", board.SPI, err)
	}
	conn, err := port.Connect(board.SPIFrequency, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("failed to connect SPI port %s: %w", board.SPI, err)
	}
	s.port, s.conn = port, conn
	glog.V(1).Infof("SPI %s connected at %s", board.SPI, board.SPIFrequency)
	return nil
}

// OscillatorStart starts the FPGA clock and releases CRESET.
func (s *SPI) OscillatorStart(board Board) error {
	if s.conn == nil {
		return errors.New("SPI not initialized")
	}
	if s.clk != nil {
		if err := s.clk.PWM(gpio.DutyHalf, s.freq); err != nil {
			return fmt.Errorf("failed to start clock on %s: %w", board.Clock, err)
		}
	}
	return s.reset.Out(gpio.High)
}

// PortOpen resets the FPGA into SPI slave configuration mode.
func (s *SPI) PortOpen(board Board) error {
	if s.conn == nil {
		return errors.New("SPI not initialized")
	}
	if err := s.reset.Out(gpio.Low); err != nil {
		return err
	}
	if err := s.ss.Out(gpio.Low); err != nil {
		return err
	}
	s.clock.Sleep(time.Microsecond)
	if err := s.reset.Out(gpio.High); err != nil {
		return err
	}
	// CRAM clear.
	s.clock.Sleep(1200 * time.Microsecond)
	if err := s.ss.Out(gpio.High); err != nil {
		return err
	}
	if err := s.dummyClocks(8); err != nil {
		return err
	}
	return s.ss.Out(gpio.Low)
}

// Write streams the bitstream into configuration memory.
func (s *SPI) Write(bitstream []byte) error {
	if s.conn == nil {
		return errors.New("SPI not initialized")
	}
	for len(bitstream) > 0 {
		n := len(bitstream)
		if n > MaxTransfer {
			n = MaxTransfer
		}
		if err := s.conn.Tx(bitstream[:n], nil); err != nil {
			return fmt.Errorf("SPI write: %w", err)
		}
		bitstream = bitstream[n:]
	}
	return nil
}

// PortClose ends configuration and checks CDONE.
func (s *SPI) PortClose() error {
	if s.conn == nil {
		return errors.New("SPI not initialized")
	}
	if err := s.ss.Out(gpio.High); err != nil {
		return err
	}
	// At least 49 clocks are needed to release the user I/O; send 104.
	if err := s.dummyClocks(104); err != nil {
		return err
	}
	if s.done.Read() != gpio.High {
		return ErrCDONE
	}
	return nil
}

// Close releases the SPI port.
func (s *SPI) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port, s.conn = nil, nil
	return err
}

func (s *SPI) dummyClocks(n int) error {
	buf := make([]byte, (n+7)/8)
	for i := range buf {
		buf[i] = 0xFF
	}
	return s.conn.Tx(buf, nil)
}

func outPin(name string) (gpio.PinOut, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %q not found", name)
	}
	return p, nil
}

var _ Primitives = (*SPI)(nil)
