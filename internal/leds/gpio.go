package leds

import (
	"fmt"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Pins names the GPIO lines wired to the status lights.
type Pins struct {
	Red   string
	Green string
	Blue  string
	// ActiveLow inverts the output level; the pico-ice RGB LED sinks current.
	ActiveLow bool
}

// DefaultPins is the RGB LED wiring of the pico-ice family.
var DefaultPins = Pins{
	Red:       "GPIO1",
	Green:     "GPIO0",
	Blue:      "GPIO9",
	ActiveLow: true,
}

// GPIO drives the status lights through periph.io pins.
type GPIO struct {
	red, green, blue gpio.PinOut
	activeLow        bool
}

// OpenGPIO resolves the pins by name. host.Init must have run first.
func OpenGPIO(pins Pins) (*GPIO, error) {
	g := &GPIO{activeLow: pins.ActiveLow}
	for _, p := range []struct {
		name string
		dst  *gpio.PinOut
	}{
		{pins.Red, &g.red},
		{pins.Green, &g.green},
		{pins.Blue, &g.blue},
	} {
		pin := gpioreg.ByName(p.name)
		if pin == nil {
			return nil, fmt.Errorf("status light pin %q not found", p.name)
		}
		*p.dst = pin
	}
	return g, nil
}

// SetRed implements Driver.
func (g *GPIO) SetRed(on bool) { g.set(g.red, on) }

// SetGreen implements Driver.
func (g *GPIO) SetGreen(on bool) { g.set(g.green, on) }

// SetBlue implements Driver.
func (g *GPIO) SetBlue(on bool) { g.set(g.blue, on) }

func (g *GPIO) set(pin gpio.PinOut, on bool) {
	level := gpio.Level(on != g.activeLow)
	if err := pin.Out(level); err != nil {
		glog.Warningf("status light %s: %v", pin, err)
	}
}
