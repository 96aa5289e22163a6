package ipmi

import (
	"fmt"

	"codeberg.org/mutker/ipmictl/internal/errors"
)

// Dell OEM fan control, NetFn 0x30 command 0x30
const (
	dellNetFn         = 0x30
	dellCmdFanControl = 0x30
)

var (
	dellManualMode    = []byte{0x01, 0x00}
	dellAutomaticMode = []byte{0x01, 0x01}
)

func dellFanSpeed(percentage int) []byte {
	return []byte{0x02, 0xff, byte(percentage)}
}

// rawArgs renders an OEM request the way ipmitool expects it
func rawArgs(netfn, cmd byte, data []byte) []string {
	args := []string{"raw", fmt.Sprintf("0x%02x", netfn), fmt.Sprintf("0x%02x", cmd)}
	for _, b := range data {
		args = append(args, fmt.Sprintf("0x%02x", b))
	}

	return args
}

// ValidateFanSpeed rejects percentages outside 0-100.
func ValidateFanSpeed(percentage int) error {
	if percentage < 0 || percentage > 100 {
		return errors.New().WithData(errors.ErrValidation,
			fmt.Sprintf("fan speed percentage must be between 0 and 100, got %d", percentage))
	}

	return nil
}
