package machine

import (
	"context"
	"time"

	"github.com/bigbag/ice-bridge/internal/clock"
	"github.com/bigbag/ice-bridge/internal/transport"
)

// ServiceUntil keeps the transport alive until done reports true, sleeping
// interval between polls. It only gives up when ctx ends.
func ServiceUntil(ctx context.Context, t transport.Transport, clk clock.Clock, done func() bool, interval time.Duration) error {
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.Task()
		clk.Sleep(interval)
	}
	return nil
}

// Deadline returns a predicate that turns true once clk reaches now+d.
func Deadline(clk clock.Clock, d time.Duration) func() bool {
	end := clk.Now().Add(d)
	return func() bool {
		return !clk.Now().Before(end)
	}
}
