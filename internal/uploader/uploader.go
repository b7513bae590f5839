package uploader

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/ice-bridge/internal/report"
)

// Defaults used by New.
const (
	ChunkSize       = 512
	InterChunkDelay = 10 * time.Microsecond
	ReadyTimeout    = 10 * time.Second
	// ResultTimeout covers the flash sequence plus the pulse dwell.
	ResultTimeout = 30 * time.Second

	readSlice = 100 * time.Millisecond
	// Only the tail of the device output is kept while scanning.
	maxScan = 8192
)

var (
	// ErrWatchdog is returned when the bridge reports a stalled transfer.
	ErrWatchdog = errors.New("bridge watchdog fired before the bitstream was complete")
	// ErrTimeout is returned when the bridge stays silent past a deadline.
	ErrTimeout = errors.New("timeout waiting for bridge")
)

// ProgressCallback is called to report upload progress in bytes.
type ProgressCallback func(current, total int)

// Port is the serial link to a bridge.
type Port interface {
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Write(data []byte) (int, error)
	SetDTR(value bool) error
	Flush() error
}

// Uploader sends bitstreams to a running bridge and collects its report.
type Uploader struct {
	port     Port
	progress ProgressCallback
	echo     io.Writer

	ChunkSize  int
	ChunkDelay time.Duration
	// ReadyTimeout and ResultTimeout bound the two waits in Send.
	ReadyTimeout  time.Duration
	ResultTimeout time.Duration
}

// New creates a new Uploader for the given port.
func New(port Port) *Uploader {
	return &Uploader{
		port:          port,
		ChunkSize:     ChunkSize,
		ChunkDelay:    InterChunkDelay,
		ReadyTimeout:  ReadyTimeout,
		ResultTimeout: ResultTimeout,
	}
}

// SetProgressCallback sets the progress callback function.
func (u *Uploader) SetProgressCallback(cb ProgressCallback) {
	u.progress = cb
}

// SetEcho copies everything the bridge prints to w.
func (u *Uploader) SetEcho(w io.Writer) {
	u.echo = w
}

func (u *Uploader) reportProgress(current, total int) {
	if u.progress != nil {
		u.progress(current, total)
	}
}

// Connect discards stale input and raises DTR so the bridge sees a host.
func (u *Uploader) Connect() error {
	if err := u.port.Flush(); err != nil {
		return fmt.Errorf("failed to flush input: %w", err)
	}
	if err := u.port.SetDTR(true); err != nil {
		return fmt.Errorf("failed to raise DTR: %w", err)
	}
	return nil
}

// WaitReady blocks until the bridge announces it is waiting for a bitstream.
func (u *Uploader) WaitReady(timeout time.Duration) error {
	_, err := u.scan(timeout, func(text string) (bool, error) {
		return strings.Contains(text, report.ReadyMarker), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for ready banner: %w", err)
	}
	return nil
}

// Upload writes the bitstream in chunks, pausing between them.
func (u *Uploader) Upload(data []byte) error {
	size := u.ChunkSize
	if size <= 0 {
		size = len(data)
	}
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		if _, err := u.port.Write(data[start:end]); err != nil {
			return fmt.Errorf("write at offset %d failed: %w", start, err)
		}
		u.reportProgress(end, len(data))
		if u.ChunkDelay > 0 {
			time.Sleep(u.ChunkDelay)
		}
	}
	glog.V(1).Infof("uploaded %d bytes", len(data))
	return nil
}

// AwaitResult waits for the flash report. It returns ErrWatchdog if the
// bridge gave up on the transfer.
func (u *Uploader) AwaitResult(timeout time.Duration) (report.Flash, error) {
	var result report.Flash
	_, err := u.scan(timeout, func(text string) (bool, error) {
		if strings.Contains(text, report.WatchdogMarker) {
			return true, ErrWatchdog
		}
		i := strings.Index(text, "pulses:")
		if i < 0 || !strings.Contains(text[i:], report.EOL) {
			return false, nil
		}
		f, err := report.ParseFlash(text)
		if err != nil {
			return true, err
		}
		result = f
		return true, nil
	})
	return result, err
}

// Send runs a whole exchange: ready banner, upload, report.
func (u *Uploader) Send(data []byte) (report.Flash, error) {
	if err := u.WaitReady(u.ReadyTimeout); err != nil {
		return report.Flash{}, err
	}
	if err := u.Upload(data); err != nil {
		return report.Flash{}, err
	}
	return u.AwaitResult(u.ResultTimeout)
}

// scan reads device output until match reports done or timeout expires.
func (u *Uploader) scan(timeout time.Duration, match func(text string) (bool, error)) (string, error) {
	deadline := time.Now().Add(timeout)
	var buffer []byte
	chunk := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := u.port.ReadWithTimeout(chunk, readSlice)
		if n > 0 {
			if u.echo != nil {
				u.echo.Write(chunk[:n])
			}
			buffer = append(buffer, chunk[:n]...)
			if len(buffer) > maxScan {
				buffer = buffer[len(buffer)-maxScan:]
			}
			text := string(buffer)
			if done, err := match(text); done {
				return text, err
			}
		}
		if err != nil && n == 0 {
			return "", fmt.Errorf("read failed: %w", err)
		}
	}
	return "", ErrTimeout
}
