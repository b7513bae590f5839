package machine

import "strconv"

// State is a phase of the connection/transfer/flash cycle.
type State int

// States.
const (
	Init State = iota
	WaitForConnection
	Connected
	Disconnected
	WaitForTransfer
	Transferring
	Flashing
	Idle
)

var stateNames = [...]string{
	Init:              "INIT",
	WaitForConnection: "WAIT_FOR_CONNECTION",
	Connected:         "CONNECTED",
	Disconnected:      "DISCONNECTED",
	WaitForTransfer:   "WAIT_FOR_TRANSFER",
	Transferring:      "TRANSFERRING",
	Flashing:          "FLASHING",
	Idle:              "IDLE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}
