package pulse

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// DefaultPin is the input the FPGA design toggles.
const DefaultPin = "GPIO20"

// Counter counts rising edges. Inc may be called from any goroutine.
type Counter struct {
	n atomic.Uint32
}

// Reset zeroes the counter.
func (c *Counter) Reset() {
	c.n.Store(0)
}

// Inc adds one edge.
func (c *Counter) Inc() {
	c.n.Add(1)
}

// Count returns the current value.
func (c *Counter) Count() uint32 {
	return c.n.Load()
}

// EdgeSource delivers a callback per qualifying edge until ctx ends.
type EdgeSource interface {
	Watch(ctx context.Context, onEdge func()) error
}

// Watcher is an EdgeSource on a periph.io input pin.
type Watcher struct {
	pin gpio.PinIn
	// Poll bounds how long a single WaitForEdge blocks, so cancellation
	// is noticed.
	Poll time.Duration
}

// OpenWatcher resolves the input pin by name and arms rising-edge detection.
func OpenWatcher(name string) (*Watcher, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("pulse pin %q not found", name)
	}
	if err := pin.In(gpio.Float, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("failed to arm edge detection on %s: %w", name, err)
	}
	return &Watcher{pin: pin, Poll: 100 * time.Millisecond}, nil
}

// Watch implements EdgeSource.
func (w *Watcher) Watch(ctx context.Context, onEdge func()) error {
	glog.V(1).Infof("counting rising edges on %s", w.pin)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if w.pin.WaitForEdge(w.Poll) {
			onEdge()
		}
	}
}

// Run feeds edges from src into c until ctx ends.
func Run(ctx context.Context, src EdgeSource, c *Counter) error {
	return src.Watch(ctx, c.Inc)
}
