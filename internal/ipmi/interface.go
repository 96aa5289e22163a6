// Package ipmi talks to the baseboard management controller of Dell servers.
//
// Two transports implement the same capability: one shells out to ipmitool
// (local or lanplus), the other speaks to the in-band OpenIPMI device
// directly. The control loop only sees Transport.
package ipmi

import (
	"context"

	"codeberg.org/mutker/ipmictl/internal/sensor"
)

const (
	KindAuto     = "auto"
	KindIPMITool = "ipmitool"
	KindOpenIPMI = "openipmi"
)

// Transport issues sensor reads and fan commands to a BMC. Implementations
// serialize commands; BMCs do not pipeline reliably.
type Transport interface {
	// Kind names the transport variant
	Kind() string

	// TestConnection verifies the BMC answers at all
	TestConnection(ctx context.Context) error

	// ReadTemperatureSensors returns all temperature readings. An empty slice
	// means no sensors were found and is not an error.
	ReadTemperatureSensors(ctx context.Context) ([]sensor.Reading, error)

	// ReadFanSensors returns all fan tachometer readings
	ReadFanSensors(ctx context.Context) ([]sensor.Reading, error)

	// SetManualMode disables the BMC's dynamic fan control
	SetManualMode(ctx context.Context) error

	// SetAutomaticMode returns fan control to the BMC
	SetAutomaticMode(ctx context.Context) error

	// SetFanSpeed sets all fans to percentage (0-100), enabling manual mode first
	SetFanSpeed(ctx context.Context, percentage int) error

	Close() error
}

// Diagnostic is the outcome of a single raw probe against the BMC.
type Diagnostic struct {
	Command string
	Output  string
	Err     error
}

// Diagnoser is implemented by transports that can run raw probes.
type Diagnoser interface {
	Diagnose(ctx context.Context) []Diagnostic
}

// SensorSource contributes additional temperature readings, such as GPUs
// the BMC cannot see.
type SensorSource interface {
	Name() string
	ReadTemperatureSensors(ctx context.Context) ([]sensor.Reading, error)
	Close() error
}
