package ipmi

import "time"

const (
	DefaultHost      = "localhost"
	DefaultPort      = 623
	DefaultInterface = "lanplus"
	DefaultToolPath  = "ipmitool"
	DefaultDevice    = "/dev/ipmi0"

	defaultSettleDelay = 500 * time.Millisecond
	defaultTimeout     = 5 * time.Second
)

// Options selects and parameterizes a transport.
type Options struct {
	Transport string // auto, ipmitool or openipmi
	Host      string
	Port      int
	Username  string
	Password  string
	Interface string // ipmitool -I value for remote hosts
	ToolPath  string
	Device    string // OpenIPMI character device

	// SettleDelay is waited after a fan speed command before returning
	SettleDelay time.Duration
	// Timeout bounds a single in-band request
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Interface == "" {
		o.Interface = DefaultInterface
	}
	if o.ToolPath == "" {
		o.ToolPath = DefaultToolPath
	}
	if o.Device == "" {
		o.Device = DefaultDevice
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	return o
}

// IsLocal reports whether host addresses the BMC of this machine.
func IsLocal(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}

	return false
}
