package metrics

import "codeberg.org/mutker/ipmictl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrInvalidAddress = errors.ErrorCode("metrics_invalid_address")

	// Server Errors
	ErrListenFailed    = errors.ErrorCode("metrics_listen_failed")
	ErrServiceShutdown = errors.ErrShutdownFailed

	// Collection Errors
	ErrInvalidMetrics = errors.ErrorCode("metrics_invalid_metrics")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
