package errors

// Error kinds shared across packages
const (
	// ErrValidation marks input that was rejected synchronously and must not be retried
	ErrValidation ErrorCode = "validation_error"
	// ErrHardware marks a transport or BMC command failure
	ErrHardware ErrorCode = "hardware_error"
)

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig    ErrorCode = "invalid_configuration"
	ErrBindFlags        ErrorCode = "bind_flags_failed"
	ErrParseFlags       ErrorCode = "parse_flags_failed"
	ErrReadConfig       ErrorCode = "read_config_failed"
	ErrInvalidInterval  ErrorCode = "invalid_interval"
	ErrInvalidOutput    ErrorCode = "invalid_output_format"
	ErrInvalidTransport ErrorCode = "invalid_transport"
	ErrInvalidFanLimits ErrorCode = "invalid_fan_speed_limits"
	ErrUnknownCommand   ErrorCode = "unknown_command"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Lifecycle errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Application errors
	ErrInitApp         ErrorCode = "init_app_failed"
	ErrStartMonitor    ErrorCode = "start_monitor_failed"
	ErrRestoreAutoFan  ErrorCode = "restore_auto_fan_failed"
	ErrConnectionTest  ErrorCode = "connection_test_failed"
	ErrCommandFailed   ErrorCode = "command_failed"
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrValidation:       "Validation failed",
	ErrHardware:         "Hardware command failed",
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrUnavailable:      "Service unavailable",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrParseFlags:       "Failed to parse flags",
	ErrReadConfig:       "Failed to read config file",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidOutput:    "Invalid output format",
	ErrInvalidTransport: "Invalid transport",
	ErrInvalidFanLimits: "Invalid fan speed limits",
	ErrUnknownCommand:   "Unknown command",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrAlreadyRunning:   "Another instance is already running",
	ErrInitApp:          "Failed to initialize application",
	ErrStartMonitor:     "Failed to start temperature monitoring",
	ErrRestoreAutoFan:   "Failed to restore automatic fan control",
	ErrConnectionTest:   "Failed to connect to BMC",
	ErrCommandFailed:    "Command failed",
	ErrOperationFailed:  "Operation failed",
	ErrTimeout:          "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
