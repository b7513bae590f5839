package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/ice-bridge/internal/ice"
)

func TestBannersEndWithEOL(t *testing.T) {
	assert.Equal(t, "\r\n", EOL)
	for _, s := range []string{Connected, Reconnected, Disconnected, WaitingTransfer, TransferStarted, Receiving, Flashing, Idle} {
		assert.True(t, strings.HasSuffix(s, EOL), "%q", s)
	}
}

func TestWatchdog(t *testing.T) {
	assert.Equal(t, "Watchdog timeout, 512 bytes received of 104090\r\n", Watchdog(512, 104090))
}

func TestReceived(t *testing.T) {
	assert.Equal(t, "Received bitstream in 1234 us :)\r\n", Received(1234))
}

func TestFlash_String(t *testing.T) {
	f := Flash{Timing: ice.FlashTiming{Init: 10, Start: 20, Open: ice.Failed, Write: 40, Close: 50}, Pulses: 7}
	assert.Equal(t,
		"FPGA Flash times (us): init 10, start 20, open -1, write 40, close 50\r\n, pulses: 7\r\n",
		f.String())
}

func TestParseFlash_FromDeviceOutput(t *testing.T) {
	want := Flash{Timing: ice.FlashTiming{Init: 1, Start: 2, Open: -1, Write: 4000, Close: 5}, Pulses: 12345}
	text := Flashing + want.String() + Idle

	got, err := ParseFlash(text)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseFlash_PulsesOnly(t *testing.T) {
	got, err := ParseFlash("pulses: 12345\nWaiting for bitstream transfer\n")
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), got.Pulses)
	assert.Equal(t, ice.FlashTiming{}, got.Timing)
}

func TestParseFlash_Missing(t *testing.T) {
	_, err := ParseFlash(WaitingTransfer)
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestParseFlash_Overflow(t *testing.T) {
	_, err := ParseFlash("pulses: 99999999999")
	assert.Error(t, err)
}
