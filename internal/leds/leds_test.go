package leds

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingDriver struct {
	calls []string
}

func (r *recordingDriver) SetRed(on bool)   { r.record("red", on) }
func (r *recordingDriver) SetGreen(on bool) { r.record("green", on) }
func (r *recordingDriver) SetBlue(on bool)  { r.record("blue", on) }

func (r *recordingDriver) record(ch string, on bool) {
	if on {
		r.calls = append(r.calls, ch+"+")
	} else {
		r.calls = append(r.calls, ch+"-")
	}
}

func TestLights_SetAndToggle(t *testing.T) {
	drv := &recordingDriver{}
	l := New(drv)

	l.SetRed(true)
	l.ToggleRed()
	l.ToggleGreen()
	l.SetBlue(true)

	assert.False(t, l.Red)
	assert.True(t, l.Green)
	assert.True(t, l.Blue)
	assert.Equal(t, []string{"red+", "red-", "green+", "blue+"}, drv.calls)
}

func TestLights_AllChannels(t *testing.T) {
	drv := &recordingDriver{}
	l := New(drv)

	l.SetAll(true)
	assert.True(t, l.Red && l.Green && l.Blue)

	l.SetGreen(false)
	l.ToggleAll()
	assert.False(t, l.Red)
	assert.True(t, l.Green)
	assert.False(t, l.Blue)
	assert.Len(t, drv.calls, 7)
}

func TestLights_NopDriver(t *testing.T) {
	var drv Driver = Nop{}
	l := New(drv)

	l.SetAll(true)
	l.ToggleBlue()
	assert.True(t, l.Red && l.Green)
	assert.False(t, l.Blue)
}
