// Package report formats the status text the bridge writes to the host and
// parses it back on the host side. Host tooling matches on this wording, so
// changes here are protocol changes.
package report

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/bigbag/ice-bridge/internal/ice"
)

// EOL is the line terminator used on the wire.
const EOL = "\r\n"

// Banners.
const (
	Connected       = "USB Connected :)" + EOL
	Reconnected     = "USB Reconnected :)" + EOL
	Disconnected    = "USB Disconnected :(" + EOL
	WaitingTransfer = "Waiting for bitstream transfer" + EOL
	TransferStarted = "Bitstream transfer started" + EOL
	Receiving       = "Receiving bitstream" + EOL
	Flashing        = "Flashing FPGA" + EOL
	Idle            = "IDLE" + EOL
	UnknownState    = "UNKNOWN STATE" + EOL
)

// Markers the host looks for in the device output.
const (
	ReadyMarker    = "Waiting for bitstream transfer"
	WatchdogMarker = "Watchdog timeout"
)

// ErrNoReport is returned when text holds no flash report.
var ErrNoReport = errors.New("no flash report")

// Watchdog reports a stalled transfer.
func Watchdog(received, capacity int) string {
	return fmt.Sprintf("Watchdog timeout, %d bytes received of %d"+EOL, received, capacity)
}

// Received reports a completed transfer.
func Received(micros int64) string {
	return fmt.Sprintf("Received bitstream in %d us :)"+EOL, micros)
}

// Flash is the result of one flash attempt as reported to the host.
type Flash struct {
	Timing ice.FlashTiming
	Pulses uint32
}

// String formats the report exactly as written to the host.
func (f Flash) String() string {
	t := f.Timing
	return fmt.Sprintf("FPGA Flash times (us): init %d, start %d, open %d, write %d, close %d"+EOL+", pulses: %d"+EOL,
		t.Init, t.Start, t.Open, t.Write, t.Close, f.Pulses)
}

var (
	timesRe  = regexp.MustCompile(`FPGA Flash times \(us\): init (-?\d+), start (-?\d+), open (-?\d+), write (-?\d+), close (-?\d+)`)
	pulsesRe = regexp.MustCompile(`pulses: (\d+)`)
)

// ParseFlash extracts a flash report from device output. The timing line is
// optional; the pulse count is not.
func ParseFlash(text string) (Flash, error) {
	var f Flash
	m := pulsesRe.FindStringSubmatch(text)
	if m == nil {
		return f, ErrNoReport
	}
	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return f, fmt.Errorf("bad pulse count %q: %w", m[1], err)
	}
	f.Pulses = uint32(n)

	if tm := timesRe.FindStringSubmatch(text); tm != nil {
		dst := []*int64{&f.Timing.Init, &f.Timing.Start, &f.Timing.Open, &f.Timing.Write, &f.Timing.Close}
		for i, p := range dst {
			if *p, err = strconv.ParseInt(tm[i+1], 10, 64); err != nil {
				return f, fmt.Errorf("bad timing %q: %w", tm[i+1], err)
			}
		}
	}
	return f, nil
}
