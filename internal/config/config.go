// Package config loads settings from /etc/ipmictl.toml, IPMICTL_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/ipmictl.toml"
	DefaultEnvPrefix  = "IPMICTL"
	DefaultLogLevel   = "info"
)

var validCommands = map[string]bool{
	"status": true,
	"temp":   true,
	"set":    true,
	"auto":   true,
	"test":   true,
	"pid":    true,
}

type Config struct {
	// Command is the first positional argument, Args the rest
	Command string   `mapstructure:"-"`
	Args    []string `mapstructure:"-"`

	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Interface string `mapstructure:"interface"`
	Transport string `mapstructure:"transport"`
	Device    string `mapstructure:"device"`

	LogLevel    string `mapstructure:"log_level"`
	Output      string `mapstructure:"output"`
	AutoRestore bool   `mapstructure:"auto_restore"`

	Target   float64       `mapstructure:"target"`
	Interval time.Duration `mapstructure:"interval"`
	Kp       float64       `mapstructure:"kp"`
	Ki       float64       `mapstructure:"ki"`
	Kd       float64       `mapstructure:"kd"`
	MinSpeed int           `mapstructure:"min_speed"`
	MaxSpeed int           `mapstructure:"max_speed"`
	Runtime  time.Duration `mapstructure:"runtime"`

	SafetySpeed    int           `mapstructure:"safety_speed"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffStep    time.Duration `mapstructure:"backoff_step"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`

	GPUSensors  bool   `mapstructure:"gpu_sensors"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	StateDB     string `mapstructure:"state_db"`
	PIDFile     string `mapstructure:"pid_file"`

	// test command
	Full       bool `mapstructure:"full"`
	Diagnostic bool `mapstructure:"diagnostic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 623)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("interface", "lanplus")
	v.SetDefault("transport", "auto")
	v.SetDefault("device", "/dev/ipmi0")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("output", "table")
	v.SetDefault("auto_restore", true)
	v.SetDefault("target", 60.0)
	v.SetDefault("interval", 30.0)
	v.SetDefault("kp", 0.1)
	v.SetDefault("ki", 0.02)
	v.SetDefault("kd", 0.01)
	v.SetDefault("min_speed", 30)
	v.SetDefault("max_speed", 100)
	v.SetDefault("runtime", 0.0)
	v.SetDefault("safety_speed", 70)
	v.SetDefault("error_threshold", 3)
	v.SetDefault("backoff_base", 5.0)
	v.SetDefault("backoff_step", 3.0)
	v.SetDefault("stop_timeout", 2.0)
	v.SetDefault("gpu_sensors", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("state_db", "/var/lib/ipmictl/state.db")
	v.SetDefault("pid_file", "")
	v.SetDefault("full", false)
	v.SetDefault("diagnostic", false)
}

// flag name -> viper key
var flagKeys = map[string]string{
	"host":            "host",
	"port":            "port",
	"username":        "username",
	"password":        "password",
	"interface":       "interface",
	"transport":       "transport",
	"device":          "device",
	"log-level":       "log_level",
	"output":          "output",
	"auto-restore":    "auto_restore",
	"target":          "target",
	"interval":        "interval",
	"kp":              "kp",
	"ki":              "ki",
	"kd":              "kd",
	"min-speed":       "min_speed",
	"max-speed":       "max_speed",
	"runtime":         "runtime",
	"safety-speed":    "safety_speed",
	"error-threshold": "error_threshold",
	"backoff-base":    "backoff_base",
	"backoff-step":    "backoff_step",
	"stop-timeout":    "stop_timeout",
	"gpu-sensors":     "gpu_sensors",
	"metrics-addr":    "metrics_addr",
	"state-db":        "state_db",
	"pid-file":        "pid_file",
	"full":            "full",
	"diagnostic":      "diagnostic",
}

// NewFlagSet defines all command line flags. Durations are given in seconds.
func NewFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ipmictl", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", "", "Path to the configuration file")

	fs.StringP("host", "H", "localhost", "BMC hostname or IP address")
	fs.Int("port", 623, "BMC port")
	fs.StringP("username", "U", "", "BMC username")
	fs.StringP("password", "P", "", "BMC password")
	fs.StringP("interface", "I", "lanplus", "ipmitool interface for remote hosts (lanplus or lan)")
	fs.String("transport", "auto", "Transport: auto, ipmitool or openipmi")
	fs.String("device", "/dev/ipmi0", "OpenIPMI device")

	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.StringP("output", "o", "table", "Output format (table, json, yaml)")
	fs.Bool("auto-restore", true, "Restore automatic fan control on exit")

	fs.Float64P("target", "t", 60, "Target temperature in Celsius")
	fs.Float64("interval", 30, "Monitoring interval in seconds")
	fs.Float64("kp", 0.1, "Proportional gain")
	fs.Float64("ki", 0.02, "Integral gain")
	fs.Float64("kd", 0.01, "Derivative gain")
	fs.Int("min-speed", 30, "Minimum fan speed percentage")
	fs.Int("max-speed", 100, "Maximum fan speed percentage")
	fs.Float64("runtime", 0, "Run time in seconds (0 runs until interrupted)")

	fs.Int("safety-speed", 70, "Fan speed applied after repeated failures")
	fs.Int("error-threshold", 3, "Consecutive failures before the safety speed is applied")
	fs.Float64("backoff-base", 5, "Base wait after a failed iteration in seconds")
	fs.Float64("backoff-step", 3, "Additional wait per consecutive failure in seconds")
	fs.Float64("stop-timeout", 2, "Maximum wait for the monitor to stop in seconds")

	fs.Bool("gpu-sensors", false, "Include NVIDIA GPU temperatures")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.String("state-db", "/var/lib/ipmictl/state.db", "Control state journal (empty disables)")
	fs.String("pid-file", "", "PID file for the pid command")

	fs.Bool("full", false, "test: also read temperature and fan sensors")
	fs.Bool("diagnostic", false, "test: show raw command output")

	return fs
}

// Load reads configuration from file, environment and args, which must not
// include the program name.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := NewFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrParseFlags, err)
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path, explicit := o.configPath, o.configPath != ""
	if !explicit {
		if f := fs.Lookup("config"); f.Changed {
			path, explicit = f.Value.String(), true
		} else if env := os.Getenv(o.envPrefix + "_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultConfigFile
		}
	}

	if err := readConfigFile(v, path, explicit); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = rest[0]
		cfg.Args = rest[1:]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile loads a TOML file. A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string, explicit bool) error {
	if !explicit {
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// secondsHook decodes durations given as plain numbers as seconds and
// accepts Go duration strings too.
func secondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}

		switch d := data.(type) {
		case int:
			return time.Duration(d) * time.Second, nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case float64:
			return time.Duration(d * float64(time.Second)), nil
		case string:
			if secs, err := strconv.ParseFloat(d, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(d)
		default:
			return data, nil
		}
	}
}

func invalid(code errors.ErrorCode, value any) error {
	errFactory := errors.New()
	return errFactory.Wrap(errors.ErrValidation, errFactory.WithData(code, value))
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if !LogLevel(c.LogLevel).IsValid() && c.LogLevel != "warn" {
		return invalid(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch strings.ToLower(c.Output) {
	case "table", "json", "yaml":
	default:
		return invalid(errors.ErrInvalidOutput, c.Output)
	}

	switch c.Transport {
	case "auto", "ipmitool", "openipmi":
	default:
		return invalid(errors.ErrInvalidTransport, c.Transport)
	}

	if c.Interval <= 0 {
		return invalid(errors.ErrInvalidInterval, c.Interval)
	}

	if c.MinSpeed < 0 || c.MaxSpeed > 100 || c.MinSpeed > c.MaxSpeed {
		return invalid(errors.ErrInvalidFanLimits, struct{ Min, Max int }{c.MinSpeed, c.MaxSpeed})
	}

	if c.SafetySpeed < 0 || c.SafetySpeed > 100 {
		return invalid(errors.ErrInvalidFanLimits, struct{ Safety int }{c.SafetySpeed})
	}

	if c.ErrorThreshold < 1 {
		return invalid(errors.ErrInvalidArgument, struct{ ErrorThreshold int }{c.ErrorThreshold})
	}

	if c.Runtime < 0 || c.BackoffBase < 0 || c.BackoffStep < 0 || c.StopTimeout <= 0 {
		return invalid(errors.ErrInvalidInterval, "durations must not be negative")
	}

	if c.Command != "" && !validCommands[c.Command] {
		return invalid(errors.ErrUnknownCommand, c.Command)
	}

	return nil
}
