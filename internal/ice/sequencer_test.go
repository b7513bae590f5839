package ice

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/bigbag/ice-bridge/internal/clock"
)

// fakePrims records calls and takes a fixed time per step.
type fakePrims struct {
	clk      *clock.Manual
	cost     time.Duration
	failures map[string]bool

	calls   []string
	freq    physic.Frequency
	written int
}

func newFakePrims(clk *clock.Manual, failing ...string) *fakePrims {
	f := &fakePrims{clk: clk, cost: 3 * time.Millisecond, failures: map[string]bool{}}
	for _, name := range failing {
		f.failures[name] = true
	}
	return f
}

func (f *fakePrims) do(name string) error {
	f.calls = append(f.calls, name)
	f.clk.Advance(f.cost)
	if f.failures[name] {
		return errors.New(name + " broke")
	}
	return nil
}

func (f *fakePrims) ClockInit(_ Board, freq physic.Frequency) error {
	f.freq = freq
	return f.do("init")
}

func (f *fakePrims) OscillatorStart(Board) error { return f.do("start") }
func (f *fakePrims) PortOpen(Board) error        { return f.do("open") }

func (f *fakePrims) Write(b []byte) error {
	f.written = len(b)
	return f.do("write")
}

func (f *fakePrims) PortClose() error { return f.do("close") }

func newTestSequencer(failing ...string) (*Sequencer, *fakePrims) {
	clk := clock.NewManual(time.Unix(0, 0))
	prims := newFakePrims(clk, failing...)
	return NewSequencer(prims, DefaultBoard, DefaultFrequency, clk), prims
}

func TestRunSequence_AllSucceed(t *testing.T) {
	seq, prims := newTestSequencer()
	timing := seq.RunSequence(make([]byte, 100), 100)

	assert.Equal(t, FlashTiming{3000, 3000, 3000, 3000, 3000}, timing)
	assert.True(t, timing.OK())
	assert.Equal(t, []string{"init", "start", "open", "write", "close"}, prims.calls)
	assert.Equal(t, DefaultFrequency, prims.freq)
	assert.Equal(t, 100, prims.written)
}

func TestRunSequence_ContinuesPastFailure(t *testing.T) {
	seq, prims := newTestSequencer("open")
	timing := seq.RunSequence(make([]byte, 10), 10)

	steps := timing.Steps()
	assert.Equal(t, Failed, steps[2])
	for _, i := range []int{0, 1, 3, 4} {
		assert.GreaterOrEqual(t, steps[i], int64(0))
	}
	assert.False(t, timing.OK())
	assert.Equal(t, []string{"init", "start", "open", "write", "close"}, prims.calls,
		"steps after a failure still run")
}

func TestRunSequence_EveryStepFails(t *testing.T) {
	seq, _ := newTestSequencer("init", "start", "open", "write", "close")
	timing := seq.RunSequence(nil, 0)
	for _, v := range timing.Steps() {
		assert.Equal(t, Failed, v)
	}
}

func TestRunSequence_ClampsSize(t *testing.T) {
	seq, prims := newTestSequencer()
	seq.RunSequence(make([]byte, 8), 64)
	assert.Equal(t, 8, prims.written)
}

func TestRunSequenceFailFast(t *testing.T) {
	seq, prims := newTestSequencer()
	total, err := seq.RunSequenceFailFast(make([]byte, 4), 4)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Millisecond, total)
	assert.Len(t, prims.calls, 5)
}

func TestRunSequenceFailFast_StopsAtFirstFailure(t *testing.T) {
	seq, prims := newTestSequencer("start", "write")
	total, err := seq.RunSequenceFailFast(make([]byte, 4), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.Contains(t, err.Error(), "start")
	assert.Zero(t, total)
	assert.Equal(t, []string{"init", "start"}, prims.calls)
}
