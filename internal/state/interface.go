// Package state journals the fan control mode so that a session which died
// with fans under manual control can be detected and undone on next start.
package state

import (
	"context"
	"time"
)

// Mode is the fan control mode last commanded to the BMC
type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeManual    Mode = "manual"
	// ModeUnknown records that a restore was attempted but not confirmed
	ModeUnknown Mode = "unknown"
)

// Record is the single journaled control state
type Record struct {
	Mode      Mode
	FanSpeed  int
	Target    float64
	PID       int
	UpdatedAt time.Time
}

// NeedsRestore reports whether fans may have been left under manual control.
func (r Record) NeedsRestore() bool {
	return r.Mode == ModeManual || r.Mode == ModeUnknown
}

// Journal persists the current control state
type Journal interface {
	Save(ctx context.Context, rec Record) error
	// Load returns the journaled state; ok is false when nothing was saved yet
	Load(ctx context.Context) (rec Record, ok bool, err error)
	Close() error
}
