package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type fakeLink struct {
	incoming []byte
	written  []byte
	status   serial.ModemStatusBits
	readErr  error
	writeErr error
	closed   bool
}

func (f *fakeLink) ReadWithTimeout(buf []byte, _ time.Duration) (int, error) {
	n := copy(buf, f.incoming)
	f.incoming = f.incoming[n:]
	return n, f.readErr
}

func (f *fakeLink) Write(data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, data...)
	return len(data), nil
}

func (f *fakeLink) ModemStatus() (*serial.ModemStatusBits, error) {
	st := f.status
	return &st, nil
}

func (f *fakeLink) Close() error {
	f.closed = true
	return nil
}

func openerFor(links ...*fakeLink) (Opener, *int) {
	opened := 0
	return func() (Link, error) {
		if opened >= len(links) {
			return nil, errors.New("no such port")
		}
		l := links[opened]
		opened++
		return l, nil
	}, &opened
}

func TestParseSignal(t *testing.T) {
	for _, s := range []string{"dsr", "dcd", "cts", "always"} {
		sig, err := ParseSignal(s)
		require.NoError(t, err)
		assert.Equal(t, Signal(s), sig)
	}
	_, err := ParseSignal("rts")
	assert.Error(t, err)
}

func TestSerial_ConnectionFollowsSignal(t *testing.T) {
	link := &fakeLink{}
	open, _ := openerFor(link)
	tr := NewSerial(open, SignalDSR)

	tr.Task()
	assert.False(t, tr.Connected())

	link.status.DSR = true
	tr.Task()
	assert.True(t, tr.Connected())
}

func TestSerial_AlwaysConnectedWhenOpen(t *testing.T) {
	open, _ := openerFor(&fakeLink{})
	tr := NewSerial(open, SignalAlways)
	assert.False(t, tr.Connected())
	tr.Task()
	assert.True(t, tr.Connected())
}

func TestSerial_StagesIncomingBytes(t *testing.T) {
	link := &fakeLink{incoming: []byte("hello world")}
	open, _ := openerFor(link)
	tr := NewSerial(open, SignalAlways)

	tr.Task()
	require.Equal(t, 11, tr.Available())

	buf := make([]byte, 5)
	assert.Equal(t, 5, tr.Read(buf))
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, 6, tr.Available())

	rest := make([]byte, 64)
	n := tr.Read(rest)
	assert.Equal(t, " world", string(rest[:n]))
	assert.Equal(t, 0, tr.Available())
}

func TestSerial_StagingIsBounded(t *testing.T) {
	link := &fakeLink{incoming: make([]byte, RxSize+10)}
	open, _ := openerFor(link)
	tr := NewSerial(open, SignalAlways)

	tr.Task()
	tr.Task()
	assert.Equal(t, RxSize, tr.Available())
	assert.Len(t, link.incoming, 10)
}

func TestSerial_WriteAndFlush(t *testing.T) {
	link := &fakeLink{}
	open, _ := openerFor(link)
	tr := NewSerial(open, SignalAlways)
	tr.Task()

	tr.WriteString("IDLE\r\n")
	assert.Empty(t, link.written)
	tr.Flush()
	assert.Equal(t, "IDLE\r\n", string(link.written))
}

func TestSerial_FlushHoldsTextUntilHost(t *testing.T) {
	link := &fakeLink{}
	open, _ := openerFor(link)
	tr := NewSerial(open, SignalDSR)
	tr.Task()

	tr.WriteString("USB Disconnected :(\r\n")
	tr.Flush()
	assert.Empty(t, link.written)

	link.status.DSR = true
	tr.Task()
	tr.Flush()
	assert.Equal(t, "USB Disconnected :(\r\n", string(link.written))
}

func TestSerial_QueueOverflowWithoutHost(t *testing.T) {
	open, _ := openerFor(&fakeLink{})
	tr := NewSerial(open, SignalDSR)
	tr.Task()

	for i := 0; i < 1000; i++ {
		tr.WriteString("UNKNOWN STATE\r\n")
	}
	assert.LessOrEqual(t, len(tr.tx), TxSize)
}

func TestSerial_WriteErrorDropsPort(t *testing.T) {
	link := &fakeLink{writeErr: errors.New("broken pipe")}
	open, _ := openerFor(link)
	tr := NewSerial(open, SignalAlways)
	tr.Task()

	tr.WriteString("IDLE\r\n")
	tr.Flush()
	assert.True(t, link.closed)
	assert.False(t, tr.Connected())
	assert.Empty(t, tr.tx)
}

func TestSerial_ReopensAfterReadError(t *testing.T) {
	first := &fakeLink{incoming: []byte("abc"), readErr: errors.New("device gone")}
	second := &fakeLink{}
	open, opened := openerFor(first, second)
	tr := NewSerial(open, SignalAlways)

	tr.Task()
	assert.True(t, first.closed)
	assert.False(t, tr.Connected())
	assert.Equal(t, 0, tr.Available(), "staged bytes are discarded with the port")

	tr.Task()
	assert.Equal(t, 2, *opened)
	assert.True(t, tr.Connected())
}

func TestSerial_OpenFailureKeepsDisconnected(t *testing.T) {
	open, _ := openerFor()
	tr := NewSerial(open, SignalAlways)
	tr.Task()
	tr.Task()
	assert.False(t, tr.Connected())
	assert.Equal(t, 0, tr.Available())
}

func TestSerial_CloseAndReopen(t *testing.T) {
	first, second := &fakeLink{}, &fakeLink{}
	open, opened := openerFor(first, second)
	tr := NewSerial(open, SignalAlways)

	require.NoError(t, tr.Close())
	tr.Task()
	require.True(t, tr.Connected())

	require.NoError(t, tr.Close())
	assert.True(t, first.closed)
	assert.False(t, tr.Connected())

	tr.Task()
	assert.True(t, tr.Connected())
	assert.Equal(t, 2, *opened)
}
