package leds

// Driver sets the three status light channels.
type Driver interface {
	SetRed(on bool)
	SetGreen(on bool)
	SetBlue(on bool)
}

// Lights holds the current state of the status lights and pushes every
// change through to a Driver.
type Lights struct {
	Red   bool
	Green bool
	Blue  bool

	driver Driver
}

// New creates Lights backed by driver. All channels start off.
func New(driver Driver) *Lights {
	return &Lights{driver: driver}
}

// SetRed sets the red channel.
func (l *Lights) SetRed(on bool) {
	l.Red = on
	l.driver.SetRed(on)
}

// SetGreen sets the green channel.
func (l *Lights) SetGreen(on bool) {
	l.Green = on
	l.driver.SetGreen(on)
}

// SetBlue sets the blue channel.
func (l *Lights) SetBlue(on bool) {
	l.Blue = on
	l.driver.SetBlue(on)
}

// ToggleRed inverts the red channel.
func (l *Lights) ToggleRed() {
	l.SetRed(!l.Red)
}

// ToggleGreen inverts the green channel.
func (l *Lights) ToggleGreen() {
	l.SetGreen(!l.Green)
}

// ToggleBlue inverts the blue channel.
func (l *Lights) ToggleBlue() {
	l.SetBlue(!l.Blue)
}

// SetAll sets every channel to the same value.
func (l *Lights) SetAll(on bool) {
	l.SetBlue(on)
	l.SetGreen(on)
	l.SetRed(on)
}

// ToggleAll inverts every channel.
func (l *Lights) ToggleAll() {
	l.ToggleBlue()
	l.ToggleGreen()
	l.ToggleRed()
}

// Nop is a Driver that drives nothing.
type Nop struct{}

// SetRed implements Driver.
func (Nop) SetRed(bool) {}

// SetGreen implements Driver.
func (Nop) SetGreen(bool) {}

// SetBlue implements Driver.
func (Nop) SetBlue(bool) {}
