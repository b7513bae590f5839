package detect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bigbag/ice-bridge/internal/serial"
)

// USB IDs of the bridge board. The PID is left open because it depends on
// the firmware build.
const (
	BridgeVID = "2e8a"
	AnyPID    = ""
)

// ErrNotFound is returned when no bridge is attached.
var ErrNotFound = errors.New("no ice-bridge device found")

// Result represents a detected bridge.
type Result struct {
	Port         string
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Lister enumerates USB serial ports.
type Lister func() ([]serial.PortInfo, error)

// Detector finds bridges among the attached serial ports.
type Detector struct {
	list Lister
	vid  string
	pid  string
}

// New creates a Detector matching vid and, if not empty, pid.
func New(list Lister, vid, pid string) *Detector {
	return &Detector{
		list: list,
		vid:  strings.ToLower(vid),
		pid:  strings.ToLower(pid),
	}
}

// Default matches the stock bridge board on the system's ports.
func Default() *Detector {
	return New(serial.ListUSBPorts, BridgeVID, AnyPID)
}

// DetectDevice returns the first bridge found.
func (d *Detector) DetectDevice() (*Result, error) {
	results, err := d.ListDevices()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return &results[0], nil
}

// DetectOnPort checks that portName is an attached bridge.
func (d *Detector) DetectOnPort(portName string) (*Result, error) {
	results, err := d.ListDevices()
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Port == portName {
			return &results[i], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", portName, ErrNotFound)
}

// ListDevices returns every attached bridge.
func (d *Detector) ListDevices() ([]Result, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return Filter(ports, d.vid, d.pid), nil
}

// Filter keeps the ports whose IDs match. An empty pid matches any.
func Filter(ports []serial.PortInfo, vid, pid string) []Result {
	var results []Result
	for _, p := range ports {
		if !strings.EqualFold(p.VID, vid) {
			continue
		}
		if pid != "" && !strings.EqualFold(p.PID, pid) {
			continue
		}
		results = append(results, Result{
			Port:         p.Name,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return results
}
