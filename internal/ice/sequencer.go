package ice

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"

	"github.com/bigbag/ice-bridge/internal/clock"
)

// Failed marks a FlashTiming step that did not succeed.
const Failed int64 = -1

// DefaultFrequency is the clock fed to the FPGA during configuration.
const DefaultFrequency = 48 * physic.MegaHertz

// ErrStepFailed is wrapped by RunSequenceFailFast errors.
var ErrStepFailed = errors.New("configuration step failed")

// Primitives are the individual operations that configure the FPGA.
type Primitives interface {
	ClockInit(board Board, freq physic.Frequency) error
	OscillatorStart(board Board) error
	PortOpen(board Board) error
	Write(bitstream []byte) error
	PortClose() error
}

// FlashTiming holds the duration of each configuration step in
// microseconds, or Failed.
type FlashTiming struct {
	Init  int64
	Start int64
	Open  int64
	Write int64
	Close int64
}

// Steps returns the timings in sequence order.
func (t FlashTiming) Steps() [5]int64 {
	return [5]int64{t.Init, t.Start, t.Open, t.Write, t.Close}
}

// OK reports whether every step succeeded.
func (t FlashTiming) OK() bool {
	for _, v := range t.Steps() {
		if v == Failed {
			return false
		}
	}
	return true
}

// Sequencer loads bitstreams through a set of Primitives.
type Sequencer struct {
	prims     Primitives
	board     Board
	frequency physic.Frequency
	clock     clock.Clock
}

// NewSequencer creates a Sequencer.
func NewSequencer(prims Primitives, board Board, freq physic.Frequency, clk clock.Clock) *Sequencer {
	return &Sequencer{prims: prims, board: board, frequency: freq, clock: clk}
}

type step struct {
	name string
	run  func() error
	dst  *int64
}

func (s *Sequencer) steps(bitstream []byte, size int, t *FlashTiming) []step {
	if size > len(bitstream) {
		size = len(bitstream)
	}
	return []step{
		{"init", func() error { return s.prims.ClockInit(s.board, s.frequency) }, &t.Init},
		{"start", func() error { return s.prims.OscillatorStart(s.board) }, &t.Start},
		{"open", func() error { return s.prims.PortOpen(s.board) }, &t.Open},
		{"write", func() error { return s.prims.Write(bitstream[:size]) }, &t.Write},
		{"close", s.prims.PortClose, &t.Close},
	}
}

// RunSequence runs every configuration step in order and times each one.
// A failing step is recorded as Failed and the remaining steps still run.
func (s *Sequencer) RunSequence(bitstream []byte, size int) FlashTiming {
	var t FlashTiming
	for _, st := range s.steps(bitstream, size, &t) {
		t1 := s.clock.Now()
		if err := st.run(); err != nil {
			glog.Warningf("flash step %s failed: %v", st.name, err)
			*st.dst = Failed
			continue
		}
		*st.dst = clock.DiffMicros(t1, s.clock.Now())
		glog.V(2).Infof("flash step %s took %dus", st.name, *st.dst)
	}
	return t
}

// RunSequenceFailFast runs the configuration steps and stops at the first
// failure. It returns the total time on success.
func (s *Sequencer) RunSequenceFailFast(bitstream []byte, size int) (time.Duration, error) {
	var t FlashTiming
	t1 := s.clock.Now()
	for _, st := range s.steps(bitstream, size, &t) {
		if err := st.run(); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrStepFailed, st.name, err)
		}
	}
	return s.clock.Now().Sub(t1), nil
}
