//go:build !linux

package ipmi

import (
	"fmt"
	"runtime"
	"time"
)

func openDevice(string, time.Duration) (messenger, error) {
	return nil, fmt.Errorf("in-band IPMI is not supported on %s", runtime.GOOS)
}
