package monitor

import "codeberg.org/mutker/ipmictl/internal/errors"

const (
	ErrStartFailed     = errors.ErrStartMonitor
	ErrInvalidInterval = errors.ErrInvalidInterval
	ErrIterationPanic  = errors.ErrorCode("monitor_iteration_panic")
)
