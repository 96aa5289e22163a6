// Package pid implements the temperature-to-fan-speed regulator.
//
// The controller works on "cooling error": a reading above the setpoint is a
// positive error and asks for more airflow. Near the setpoint the output
// follows a smooth base curve; further away the PID term takes over. Output is
// clamped to the configured limits and slewed at a bounded rate.
package pid

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
)

const (
	DefaultKp         = 0.1
	DefaultKi         = 0.02
	DefaultKd         = 0.01
	DefaultOutputMin  = 30.0
	DefaultOutputMax  = 100.0
	DefaultSampleTime = time.Second
)

const (
	// First output after (re)initialization
	startErrorSpan      = 15.0
	startOutputLow      = 35.0
	startOutputHigh     = 60.0
	startIntegralShare  = 0.3
	largeErrorThreshold = 8.0
	largeErrorScale     = 0.3
	blendErrorSpan      = 5.0

	// Slew rate in percent per second
	maxChangePerSecond = 5.0
	nearSetpointError  = 2.0
	nearSetpointScale  = 0.5

	// Base response curve
	baseMidOutput  = 40.0
	baseHighOutput = 75.0
	baseRampSpan   = 5.0
	baseEaseSpan   = 10.0
)

// Tunings holds the discrete PID gains.
type Tunings struct {
	Kp, Ki, Kd float64
}

// Limits bounds the controller output, in fan speed percent.
type Limits struct {
	Min, Max float64
}

// Controller is a PID regulator with anti-windup, derivative on measurement,
// bumpless transfer and output rate limiting. It is safe for concurrent use,
// but Compute is expected to be driven by a single monitoring task.
type Controller struct {
	mu sync.Mutex

	setpoint   float64
	tunings    Tunings
	limits     Limits
	sampleTime float64

	integral      float64
	lastError     float64
	lastInput     float64
	lastOutput    float64
	lastTimestamp time.Time

	autoMode    bool
	initialized bool
	transferred bool
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithTunings sets the initial gains.
func WithTunings(kp, ki, kd float64) Option {
	return func(c *Controller) {
		c.tunings = Tunings{Kp: kp, Ki: ki, Kd: kd}
	}
}

// WithOutputLimits sets the initial output limits. Inverted limits are ignored.
func WithOutputLimits(minOutput, maxOutput float64) Option {
	return func(c *Controller) {
		if minOutput <= maxOutput {
			c.limits = Limits{Min: minOutput, Max: maxOutput}
		}
	}
}

// WithSetpoint sets the initial target temperature.
func WithSetpoint(setpoint float64) Option {
	return func(c *Controller) {
		c.setpoint = setpoint
	}
}

// New creates a controller in manual mode.
func New(opts ...Option) *Controller {
	c := &Controller{
		tunings:    Tunings{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd},
		limits:     Limits{Min: DefaultOutputMin, Max: DefaultOutputMax},
		sampleTime: DefaultSampleTime.Seconds(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetTunings replaces the gains, effective from the next Compute.
func (c *Controller) SetTunings(kp, ki, kd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tunings = Tunings{Kp: kp, Ki: ki, Kd: kd}
}

// SetOutputLimits updates the output range. Inverted limits are rejected and
// the previous range is kept.
func (c *Controller) SetOutputLimits(minOutput, maxOutput float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if minOutput > maxOutput {
		return errors.New().WithData(errors.ErrValidation, struct {
			Min float64
			Max float64
		}{minOutput, maxOutput})
	}

	c.limits = Limits{Min: minOutput, Max: maxOutput}
	if c.autoMode {
		c.integral = c.clamp(c.integral)
	}

	return nil
}

// SetSetpoint replaces the target temperature.
func (c *Controller) SetSetpoint(setpoint float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setpoint = setpoint
}

// SetSampleTime changes the minimum spacing between updates and rescales the
// integral and derivative gains so the continuous-time response is preserved.
func (c *Controller) SetSampleTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		return
	}

	ratio := d.Seconds() / c.sampleTime
	c.tunings.Ki *= ratio
	c.tunings.Kd /= ratio
	c.sampleTime = d.Seconds()
}

// SetAutoMode enables or disables the controller. Enabling a disabled
// controller resets its dynamic state; disabling only flips the mode.
func (c *Controller) SetAutoMode(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enable && !c.autoMode {
		c.reset()
	}
	c.autoMode = enable
}

// SetAutoModeWithInput enables the controller for bumpless transfer from the
// given measurement: the integral takes over the last output.
func (c *Controller) SetAutoModeWithInput(input float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.autoMode {
		c.reset()
		c.lastInput = input
		c.integral = c.clamp(c.lastOutput)
		c.transferred = true
	}
	c.autoMode = true
}

func (c *Controller) reset() {
	c.lastError = 0
	c.integral = 0
	c.lastInput = 0
	c.initialized = false
	c.transferred = false
}

// ComputeNow runs Compute with the current wall-clock time.
func (c *Controller) ComputeNow(input float64) float64 {
	return c.Compute(input, time.Now())
}

// Compute returns the fan speed for the measured temperature at time now.
// A disabled controller returns 0. Calls closer together than the sample
// time return the previous output unchanged.
func (c *Controller) Compute(input float64, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.autoMode {
		return 0
	}

	elapsed := now.Sub(c.lastTimestamp).Seconds()
	if c.initialized && elapsed < c.sampleTime {
		return c.lastOutput
	}

	err := input - c.setpoint

	if !c.initialized {
		return c.start(input, err, now, elapsed)
	}

	derivative := (input - c.lastInput) / elapsed

	integralScale := 1.0
	if math.Abs(err) > largeErrorThreshold {
		integralScale = largeErrorScale
	}
	c.integral = c.clamp(c.integral + c.tunings.Ki*err*elapsed*integralScale)

	base := c.baseResponse(err)
	pidComponent := c.tunings.Kp*err + c.tunings.Kd*derivative + c.integral

	blend := math.Min(math.Abs(err)/blendErrorSpan, 1.0)
	output := base*(1.0-blend) + pidComponent*blend

	output = c.clamp(output)
	output = c.clamp(c.limitRate(output, err, elapsed))

	c.lastError = err
	c.lastInput = input
	c.lastOutput = output
	c.lastTimestamp = now

	return output
}

// start produces the first output after initialization without the PID
// formula, scaling with how far above the setpoint the reading is.
func (c *Controller) start(input, err float64, now time.Time, elapsed float64) float64 {
	output := c.limits.Min
	if err > 0 {
		magnitude := math.Min(err, startErrorSpan) / startErrorSpan
		output = startOutputLow + magnitude*(startOutputHigh-startOutputLow)
	}
	output = c.clamp(output)

	// Re-enabled controllers keep slewing from where they left off; no time
	// elapsed since the last output allows no change at all.
	if c.transferred && !c.lastTimestamp.IsZero() {
		output = c.clamp(c.limitRate(output, err, math.Max(elapsed, 0)))
	}

	// The integral share is clamped like every other integral update, so
	// with the default limits it starts at outputMin rather than below it.
	c.integral = c.clamp(startIntegralShare * output)
	c.lastError = err
	c.lastInput = input
	c.lastOutput = output
	c.lastTimestamp = now
	c.initialized = true
	c.transferred = false

	return output
}

func (c *Controller) limitRate(output, err, elapsed float64) float64 {
	rate := maxChangePerSecond
	if math.Abs(err) < nearSetpointError {
		rate *= nearSetpointScale
	}
	maxChange := rate * elapsed

	switch {
	case output > c.lastOutput+maxChange:
		return c.lastOutput + maxChange
	case output < c.lastOutput-maxChange:
		return c.lastOutput - maxChange
	default:
		return output
	}
}

// BaseResponse maps an error onto the smooth non-PID curve: minimum output
// below -1°C, a ramp to 40% up to the setpoint, 40-75% over the next 5°C and
// a quadratic ease towards the maximum beyond that.
func (c *Controller) BaseResponse(err float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.baseResponse(err)
}

func (c *Controller) baseResponse(err float64) float64 {
	switch {
	case err <= -1.0:
		return c.limits.Min
	case err < 0.0:
		t := err + 1.0
		return c.limits.Min + t*(baseMidOutput-c.limits.Min)
	case err <= baseRampSpan:
		t := err / baseRampSpan
		return baseMidOutput + t*(baseHighOutput-baseMidOutput)
	default:
		t := math.Min(err-baseRampSpan, baseEaseSpan) / baseEaseSpan
		return baseHighOutput + t*t*(c.limits.Max-baseHighOutput)
	}
}

func (c *Controller) clamp(v float64) float64 {
	return math.Max(c.limits.Min, math.Min(v, c.limits.Max))
}

// Setpoint returns the target temperature.
func (c *Controller) Setpoint() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

// Tunings returns the current gains.
func (c *Controller) Tunings() Tunings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunings
}

// OutputLimits returns the current output range.
func (c *Controller) OutputLimits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// SampleTime returns the minimum spacing between updates.
func (c *Controller) SampleTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.sampleTime * float64(time.Second))
}

// IsAuto reports whether the controller is enabled.
func (c *Controller) IsAuto() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoMode
}

// LastOutput returns the most recent output.
func (c *Controller) LastOutput() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOutput
}

// Integral returns the accumulated integral term.
func (c *Controller) Integral() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.integral
}
