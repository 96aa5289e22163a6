package ipmi

import (
	"fmt"

	"codeberg.org/mutker/ipmictl/internal/errors"
)

const (
	msgConnectionFailed   = "failed to connect to BMC"
	msgReadTemperatures   = "failed to read temperature sensors"
	msgReadFans           = "failed to read fan sensors"
	msgSetManualMode      = "failed to set manual fan mode"
	msgSetAutomaticMode   = "failed to enable automatic fan control"
	msgSetFanSpeed        = "failed to set fan speed"
	msgOpenDevice         = "failed to open IPMI device"
	msgUnsupportedRemote  = "openipmi transport only reaches the local BMC; install ipmitool for remote hosts"
	msgUnsupportedVariant = "unknown transport"
)

// hardwareError wraps a transport failure so callers can recognize it with
// errors.IsHardware while keeping the underlying cause.
func hardwareError(msg string, cause error) errors.Error {
	return errors.New().Wrap(errors.ErrHardware, cause).WithMessage(msg)
}

// completionError is a non-zero IPMI completion code
type completionError struct {
	netfn, cmd, code byte
}

func (e *completionError) Error() string {
	return fmt.Sprintf("netfn 0x%02x cmd 0x%02x: completion code 0x%02x (%s)",
		e.netfn, e.cmd, e.code, completionCodeText(e.code))
}

func completionCodeText(code byte) string {
	switch code {
	case 0xc0:
		return "node busy"
	case 0xc1:
		return "invalid command"
	case 0xc3:
		return "timeout"
	case 0xc5:
		return "reservation canceled"
	case 0xc7, 0xc8:
		return "invalid data length"
	case 0xc9:
		return "parameter out of range"
	case 0xcb:
		return "requested data not present"
	case 0xcc:
		return "invalid data field"
	case 0xd4:
		return "insufficient privilege"
	case 0xd5:
		return "not supported in present state"
	default:
		return "unspecified error"
	}
}
