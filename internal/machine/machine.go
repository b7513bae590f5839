package machine

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/ice-bridge/internal/clock"
	"github.com/bigbag/ice-bridge/internal/ice"
	"github.com/bigbag/ice-bridge/internal/leds"
	"github.com/bigbag/ice-bridge/internal/receiver"
	"github.com/bigbag/ice-bridge/internal/report"
	"github.com/bigbag/ice-bridge/internal/transport"
)

// Defaults.
const (
	// DefaultCapacity is the size of an iCE40UP5K bitstream.
	DefaultCapacity = 104090
	DefaultWatchdog = 2 * time.Second
	DefaultDwell    = 5 * time.Second
	BlinkHz         = 2
	BlinkPeriod     = time.Second / BlinkHz

	ConnectPollInterval = 10 * time.Millisecond
	DwellPollInterval   = time.Millisecond
)

// Config tunes the machine.
type Config struct {
	// Capacity is the exact bitstream size in bytes.
	Capacity int
	// Watchdog aborts a transfer that has not completed in this time.
	Watchdog time.Duration
	// Dwell is how long pulses are counted after flashing.
	Dwell time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		Watchdog: DefaultWatchdog,
		Dwell:    DefaultDwell,
	}
}

// Flasher loads a bitstream into the FPGA and times each step.
type Flasher interface {
	RunSequence(bitstream []byte, size int) ice.FlashTiming
}

// PulseCounter is the edge counter read after each flash.
type PulseCounter interface {
	Reset()
	Count() uint32
}

// Device is the whole mutable state of the bridge. It is owned by the
// Machine and only touched from the Machine's goroutine.
type Device struct {
	Current  State
	Previous State

	Lights   *leds.Lights
	Receiver *receiver.Receiver

	// BlinkClock is rearmed whenever a light toggles.
	BlinkClock time.Time
	// TransferStart is when reception began or the watchdog last fired.
	TransferStart time.Time
}

type handler struct {
	// guard further restricts when enter may run.
	guard func() bool
	enter func()
	// tick runs on every poll; entered reports whether enter ran this poll.
	// It returns true when the connection cycle is over.
	tick func(ctx context.Context, entered bool) bool
}

// Machine runs the connection/transfer/flash cycle.
type Machine struct {
	cfg       Config
	dev       *Device
	transport transport.Transport
	flasher   Flasher
	pulses    PulseCounter
	clock     clock.Clock
	notifier  Notifier

	handlers map[State]handler
}

// Option configures a Machine.
type Option func(*Machine)

// WithNotifier registers an event observer.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) {
		m.notifier = n
	}
}

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(m *Machine) {
		m.clock = clk
	}
}

// New creates a Machine in the Init state.
func New(cfg Config, t transport.Transport, lights leds.Driver, f Flasher, p PulseCounter, opts ...Option) *Machine {
	m := &Machine{
		cfg:       cfg,
		transport: t,
		flasher:   f,
		pulses:    p,
		clock:     clock.System{},
		notifier:  NotifyFunc(func(Event) {}),
		dev: &Device{
			Current:  Init,
			Previous: Init,
			Lights:   leds.New(lights),
			Receiver: receiver.New(cfg.Capacity),
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.handlers = map[State]handler{
		Connected: {
			guard: func() bool { return m.dev.Previous != Init },
			enter: m.enterConnected,
			tick:  m.tickConnected,
		},
		Disconnected: {
			guard: func() bool { return !m.transport.Connected() },
			enter: m.enterDisconnected,
			tick:  m.tickDisconnected,
		},
		WaitForTransfer: {enter: m.enterWaitForTransfer, tick: m.tickWaitForTransfer},
		Transferring:    {enter: m.enterTransferring, tick: m.tickTransferring},
		Flashing:        {enter: m.enterFlashing, tick: m.tickFlashing},
		Idle:            {enter: m.enterIdle, tick: m.tickIdle},
	}
	return m
}

// Device exposes the machine state for inspection.
func (m *Machine) Device() *Device {
	return m.dev
}

// Run drives the initial light pattern and then repeats connection cycles
// until ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	m.dev.Lights.SetRed(true)
	m.dev.Lights.SetGreen(true)
	glog.Infof("bridge ready: bitstream size %d bytes, watchdog %s", m.cfg.Capacity, m.cfg.Watchdog)

	for {
		if err := m.Cycle(ctx); err != nil {
			return err
		}
	}
}

// Cycle waits for a host, then polls until the cycle reaches Idle.
func (m *Machine) Cycle(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Poll(ctx) {
			return nil
		}
	}
}

func (m *Machine) connect(ctx context.Context) error {
	m.dev.BlinkClock = m.clock.Now()
	m.setState(WaitForConnection)
	if err := ServiceUntil(ctx, m.transport, m.clock, m.transport.Connected, ConnectPollInterval); err != nil {
		return err
	}
	m.send(report.Connected)
	m.setState(Connected)
	m.dev.Lights.SetGreen(true)
	m.dev.Lights.SetRed(false)

	now := m.clock.Now()
	m.dev.BlinkClock = now
	m.dev.TransferStart = now
	return nil
}

// Poll services the transport once and runs the current state's logic.
// It returns true when the connection cycle is over.
func (m *Machine) Poll(ctx context.Context) bool {
	m.transport.Task()

	state := m.dev.Current
	h, ok := m.handlers[state]
	if !ok {
		m.unknown()
		return false
	}

	entered := false
	if m.dev.Previous != state && (h.guard == nil || h.guard()) {
		h.enter()
		m.dev.Previous = state
		entered = true
	}
	return h.tick(ctx, entered)
}

func (m *Machine) enterConnected() {
	m.dev.Lights.SetRed(false)
	m.dev.Lights.SetGreen(true)
	m.send(report.Reconnected)
}

func (m *Machine) tickConnected(context.Context, bool) bool {
	m.setState(WaitForTransfer)
	return false
}

func (m *Machine) enterDisconnected() {
	m.dev.Lights.SetRed(true)
	m.dev.Lights.SetGreen(false)
	m.send(report.Disconnected)
}

func (m *Machine) tickDisconnected(_ context.Context, entered bool) bool {
	if m.transport.Connected() {
		m.leave(Connected)
		return false
	}
	if !entered && m.blinkDue() {
		m.dev.Lights.ToggleRed()
	}
	return false
}

func (m *Machine) enterWaitForTransfer() {
	m.send(report.WaitingTransfer)
}

func (m *Machine) tickWaitForTransfer(context.Context, bool) bool {
	if m.blinkDue() {
		m.dev.Lights.ToggleGreen()
	}
	if m.transport.Available() > 0 {
		m.send(report.TransferStarted)
		m.setState(Transferring)
	} else if !m.transport.Connected() {
		m.setState(Disconnected)
	}
	return false
}

func (m *Machine) enterTransferring() {
	m.dev.Receiver.Reset()
	m.dev.TransferStart = m.clock.Now()
	m.dev.Lights.SetGreen(false)
	m.dev.Lights.SetBlue(true)
	m.send(report.Receiving)
}

func (m *Machine) tickTransferring(context.Context, bool) bool {
	rx := m.dev.Receiver
	if !m.transport.Connected() {
		glog.Warningf("host disconnected after %d of %d bytes", rx.Received(), rx.Capacity())
		m.leave(Disconnected)
		m.dev.Lights.SetBlue(false)
		rx.Reset()
		return false
	}
	if m.blinkDue() {
		m.dev.Lights.ToggleBlue()
	}

	now := m.clock.Now()
	if now.Sub(m.dev.TransferStart) > m.cfg.Watchdog {
		glog.Warningf("transfer stalled at %d of %d bytes", rx.Received(), rx.Capacity())
		m.send(report.Watchdog(rx.Received(), rx.Capacity()))
		m.notifier.Notify(Event{Kind: EventWatchdog, Time: now, Received: rx.Received(), Capacity: rx.Capacity()})
		m.leave(WaitForTransfer)
		m.dev.Lights.SetBlue(false)
		rx.Reset()
		m.dev.TransferStart = now
		return false
	}

	if avail := m.transport.Available(); avail > 0 {
		rx.Feed(avail, m.transport.Read)
	}
	if rx.Complete() {
		m.send(report.Received(clock.DiffMicros(m.dev.TransferStart, m.clock.Now())))
		m.leave(Flashing)
	}
	return false
}

func (m *Machine) enterFlashing() {
	m.dev.Lights.SetBlue(true)
	m.dev.Lights.SetRed(true)
	m.send(report.Flashing)
}

func (m *Machine) tickFlashing(ctx context.Context, _ bool) bool {
	rx := m.dev.Receiver
	m.pulses.Reset()
	timing := m.flasher.RunSequence(rx.Bytes(), rx.Capacity())
	if !timing.OK() {
		glog.Errorf("flash sequence reported failed steps: %+v", timing)
	}

	// Cancellation only shortens the dwell; the report still goes out.
	_ = ServiceUntil(ctx, m.transport, m.clock, Deadline(m.clock, m.cfg.Dwell), DwellPollInterval)

	result := report.Flash{Timing: timing, Pulses: m.pulses.Count()}
	glog.Infof("flashed: %+v, pulses %d", timing, result.Pulses)
	m.send(result.String())
	m.notifier.Notify(Event{Kind: EventFlash, Time: m.clock.Now(), Flash: result})
	m.setState(Idle)
	return false
}

func (m *Machine) enterIdle() {
	m.dev.Lights.SetAll(true)
	m.send(report.Idle)
}

func (m *Machine) tickIdle(context.Context, bool) bool {
	if m.blinkDue() {
		m.dev.Lights.ToggleAll()
	}
	return true
}

func (m *Machine) unknown() {
	m.dev.Lights.SetBlue(false)
	m.dev.Lights.SetGreen(false)
	m.dev.Lights.SetRed(true)
	now := m.clock.Now()
	if now.Sub(m.dev.BlinkClock) > 2*BlinkPeriod {
		glog.Errorf("unknown state %s", m.dev.Current)
		m.send(report.UnknownState)
		m.dev.BlinkClock = now
	}
}

// blinkDue reports whether half a blink period has passed and rearms the
// blink clock if so.
func (m *Machine) blinkDue() bool {
	now := m.clock.Now()
	if now.Sub(m.dev.BlinkClock) > BlinkPeriod/2 {
		m.dev.BlinkClock = now
		return true
	}
	return false
}

func (m *Machine) send(text string) {
	m.transport.WriteString(text)
	m.transport.Flush()
}

// setState changes the current state without touching Previous.
func (m *Machine) setState(next State) {
	from := m.dev.Current
	if from == next {
		return
	}
	m.dev.Current = next
	glog.V(1).Infof("state %s -> %s", from, next)
	m.notifier.Notify(Event{Kind: EventState, Time: m.clock.Now(), From: from, To: next})
}

// leave records the current state as Previous and moves to next.
func (m *Machine) leave(next State) {
	m.dev.Previous = m.dev.Current
	m.setState(next)
}
