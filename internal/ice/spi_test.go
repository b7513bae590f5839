package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"github.com/bigbag/ice-bridge/internal/clock"
)

type recordConn struct {
	writes [][]byte
}

func (r *recordConn) String() string               { return "record" }
func (r *recordConn) Duplex() conn.Duplex          { return conn.Half }
func (r *recordConn) TxPackets([]spi.Packet) error { return nil }

func (r *recordConn) Tx(w, _ []byte) error {
	r.writes = append(r.writes, append([]byte(nil), w...))
	return nil
}

type spiEnv struct {
	spi   *SPI
	conn  *recordConn
	ss    *gpiotest.Pin
	reset *gpiotest.Pin
	done  *gpiotest.Pin
	clk   *gpiotest.Pin
	time  *clock.Manual
}

func newSPIEnv() *spiEnv {
	e := &spiEnv{
		conn:  &recordConn{},
		ss:    &gpiotest.Pin{N: "SS"},
		reset: &gpiotest.Pin{N: "CRESET"},
		done:  &gpiotest.Pin{N: "CDONE", L: gpio.High},
		clk:   &gpiotest.Pin{N: "CLK"},
		time:  clock.NewManual(time.Unix(0, 0)),
	}
	e.spi = &SPI{
		clock: e.time,
		conn:  e.conn,
		ss:    e.ss,
		reset: e.reset,
		done:  e.done,
		clk:   e.clk,
	}
	return e
}

func TestSPI_FullSequence(t *testing.T) {
	e := newSPIEnv()
	seq := NewSequencer(e.spi, DefaultBoard, DefaultFrequency, e.time)

	bitstream := make([]byte, MaxTransfer*2+10)
	timing := seq.RunSequence(bitstream, len(bitstream))
	require.True(t, timing.OK(), "timing: %+v", timing)

	assert.Equal(t, gpio.High, e.reset.L, "CRESET released")
	assert.Equal(t, gpio.High, e.ss.L, "SS released after close")
	assert.Equal(t, gpio.DutyHalf, e.clk.D)
	assert.Equal(t, int64(1201), timing.Open, "CRAM clear wait is part of open")

	// 8 dummy clocks, three bitstream chunks, 104 dummy clocks.
	require.Len(t, e.conn.writes, 5)
	assert.Len(t, e.conn.writes[0], 1)
	assert.Len(t, e.conn.writes[1], MaxTransfer)
	assert.Len(t, e.conn.writes[2], MaxTransfer)
	assert.Len(t, e.conn.writes[3], 10)
	assert.Len(t, e.conn.writes[4], 13)
}

func TestSPI_CloseWithoutCDONE(t *testing.T) {
	e := newSPIEnv()
	e.done.L = gpio.Low
	assert.ErrorIs(t, e.spi.PortClose(), ErrCDONE)
}

func TestSPI_NotInitialized(t *testing.T) {
	s := NewSPI(clock.System{})
	assert.Error(t, s.OscillatorStart(DefaultBoard))
	assert.Error(t, s.PortOpen(DefaultBoard))
	assert.Error(t, s.Write([]byte{1}))
	assert.Error(t, s.PortClose())
	assert.NoError(t, s.Close())
}
