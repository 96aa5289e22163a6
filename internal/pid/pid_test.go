package pid_test

import (
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delta = 1e-6

var t0 = time.Unix(1_700_000_000, 0)

func at(seconds float64) time.Time {
	return t0.Add(time.Duration(seconds * float64(time.Second)))
}

func newAuto(opts ...pid.Option) *pid.Controller {
	c := pid.New(append([]pid.Option{pid.WithSetpoint(60)}, opts...)...)
	c.SetAutoMode(true)
	return c
}

func TestComputeDisabled(t *testing.T) {
	c := pid.New(pid.WithSetpoint(60))
	assert.Zero(t, c.Compute(90, t0))
}

func TestComputeFirstCall(t *testing.T) {
	tests := []struct {
		name  string
		input float64
		want  float64
	}{
		{"five above setpoint", 65, 35 + 5.0/15.0*25},
		{"capped at fifteen above", 95, 60},
		{"at setpoint", 60, pid.DefaultOutputMin},
		{"below setpoint", 40, pid.DefaultOutputMin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAuto()
			got := c.Compute(tt.input, t0)
			assert.InDelta(t, tt.want, got, delta)
		})
	}
}

func TestComputeEndToEnd(t *testing.T) {
	c := newAuto()

	first := c.Compute(65, t0)
	assert.InDelta(t, 43.333, first, 0.001)
	assert.GreaterOrEqual(t, first, 35.0)
	assert.LessOrEqual(t, first, 60.0)
}

func TestComputeSampleTimeGate(t *testing.T) {
	c := newAuto()

	first := c.Compute(65, at(0))
	assert.Equal(t, first, c.Compute(80, at(0.5)))
	assert.NotEqual(t, first, c.Compute(80, at(1)))
}

func TestComputeIntegralAccumulates(t *testing.T) {
	c := newAuto(pid.WithTunings(0, 0.1, 0))

	first := c.Compute(61, at(0))
	second := c.Compute(61, at(1))
	assert.Greater(t, second, first)
	assert.InDelta(t, 35+25.0/15.0+2.5, second, delta)

	lastOutput := second
	lastIntegral := c.Integral()
	for i := 2; i < 10; i++ {
		out := c.Compute(61, at(float64(i)))
		assert.GreaterOrEqual(t, out, lastOutput)
		assert.Greater(t, c.Integral(), lastIntegral)
		lastOutput = out
		lastIntegral = c.Integral()
	}
}

func TestComputeRateLimit(t *testing.T) {
	t.Run("large error", func(t *testing.T) {
		c := newAuto(pid.WithTunings(10, 0, 0))
		require.InDelta(t, 50.0, c.Compute(69, at(0)), delta)

		got := c.Compute(200, at(1))
		assert.InDelta(t, 55.0, got, delta)
	})

	t.Run("near setpoint", func(t *testing.T) {
		c := newAuto(pid.WithTunings(10, 0, 0))
		require.InDelta(t, 50.0, c.Compute(69, at(0)), delta)

		got := c.Compute(61, at(1))
		assert.InDelta(t, 47.5, got, delta)
	})

	t.Run("scales with elapsed time", func(t *testing.T) {
		c := newAuto(pid.WithTunings(10, 0, 0))
		require.InDelta(t, 50.0, c.Compute(69, at(0)), delta)

		got := c.Compute(200, at(3))
		assert.InDelta(t, 65.0, got, delta)
	})
}

func TestComputeStaysWithinLimits(t *testing.T) {
	c := newAuto()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		input := -50 + rng.Float64()*250
		out := c.Compute(input, at(float64(i)))
		require.GreaterOrEqual(t, out, pid.DefaultOutputMin, "input %.2f", input)
		require.LessOrEqual(t, out, pid.DefaultOutputMax, "input %.2f", input)

		integral := c.Integral()
		require.GreaterOrEqual(t, integral, pid.DefaultOutputMin)
		require.LessOrEqual(t, integral, pid.DefaultOutputMax)
	}
}

func TestBumplessTransfer(t *testing.T) {
	c := newAuto()

	var now float64
	for ; now < 20; now++ {
		c.Compute(80, at(now))
	}
	before := c.LastOutput()

	c.SetAutoMode(false)
	assert.Zero(t, c.Compute(80, at(now)))

	c.SetAutoModeWithInput(80)
	require.True(t, c.IsAuto())

	after := c.Compute(80, at(now))
	assert.LessOrEqual(t, abs(after-before), 5.0+delta)
}

func TestBumplessTransferWithoutElapsedTime(t *testing.T) {
	c := newAuto()
	before := c.Compute(65, at(0))

	c.SetAutoMode(false)
	c.SetAutoModeWithInput(90)

	assert.InDelta(t, before, c.Compute(90, at(0)), delta)
}

func TestComputeFirstCallSeedsClampedIntegral(t *testing.T) {
	tests := []struct {
		name     string
		limits   pid.Limits
		input    float64
		output   float64
		integral float64
	}{
		{"share below min clamps to min", pid.Limits{Min: 30, Max: 100}, 65, 35 + 5.0/15.0*25, 30},
		{"share inside limits", pid.Limits{Min: 0, Max: 100}, 65, 35 + 5.0/15.0*25, 0.3 * (35 + 5.0/15.0*25)},
		{"at setpoint", pid.Limits{Min: 30, Max: 100}, 60, 30, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAuto(pid.WithOutputLimits(tt.limits.Min, tt.limits.Max))
			assert.InDelta(t, tt.output, c.Compute(tt.input, t0), delta)
			assert.InDelta(t, tt.integral, c.Integral(), delta)
		})
	}
}

func TestManualKeepsState(t *testing.T) {
	c := newAuto()
	c.Compute(70, at(0))
	c.Compute(70, at(1))
	integral := c.Integral()

	c.SetAutoMode(false)
	assert.False(t, c.IsAuto())
	assert.Equal(t, integral, c.Integral())
}

func TestSetOutputLimits(t *testing.T) {
	c := pid.New()

	err := c.SetOutputLimits(80, 40)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, pid.Limits{Min: 30, Max: 100}, c.OutputLimits())

	require.NoError(t, c.SetOutputLimits(20, 90))
	assert.Equal(t, pid.Limits{Min: 20, Max: 90}, c.OutputLimits())
}

func TestSetOutputLimitsReclampsIntegral(t *testing.T) {
	c := newAuto()
	c.Compute(65, at(0))
	require.InDelta(t, 30.0, c.Integral(), delta)

	require.NoError(t, c.SetOutputLimits(50, 100))
	assert.InDelta(t, 50.0, c.Integral(), delta)
}

func TestSetSampleTime(t *testing.T) {
	c := pid.New()

	c.SetSampleTime(2 * time.Second)
	tunings := c.Tunings()
	assert.InDelta(t, 0.04, tunings.Ki, delta)
	assert.InDelta(t, 0.005, tunings.Kd, delta)
	assert.InDelta(t, pid.DefaultKp, tunings.Kp, delta)
	assert.Equal(t, 2*time.Second, c.SampleTime())

	c.SetSampleTime(0)
	c.SetSampleTime(-time.Second)
	assert.Equal(t, tunings, c.Tunings())
	assert.Equal(t, 2*time.Second, c.SampleTime())
}

func TestSetSetpointAndTunings(t *testing.T) {
	c := pid.New()

	c.SetSetpoint(55)
	c.SetTunings(1, 2, 3)

	assert.Equal(t, 55.0, c.Setpoint())
	assert.Equal(t, pid.Tunings{Kp: 1, Ki: 2, Kd: 3}, c.Tunings())
}

func TestBaseResponse(t *testing.T) {
	c := pid.New()

	tests := []struct {
		err  float64
		want float64
	}{
		{-30, 30},
		{-1, 30},
		{-0.5, 35},
		{0, 40},
		{2.5, 57.5},
		{5, 75},
		{10, 81.25},
		{15, 100},
		{40, 100},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, c.BaseResponse(tt.err), delta, "error %.2f", tt.err)
	}
}

func TestBaseResponseBelowSetpoint(t *testing.T) {
	c := pid.New(pid.WithOutputLimits(25, 100))

	for err := -1.0; err > -100; err -= 3.7 {
		assert.Equal(t, 25.0, c.BaseResponse(err))
	}
}

func TestBaseResponseMonotonicAboveRamp(t *testing.T) {
	c := pid.New()

	prev := c.BaseResponse(5)
	for err := 5.05; err < 15; err += 0.05 {
		got := c.BaseResponse(err)
		assert.Greater(t, got, prev, "error %.2f", err)
		assert.LessOrEqual(t, got, pid.DefaultOutputMax)
		prev = got
	}
	assert.LessOrEqual(t, c.BaseResponse(1000), pid.DefaultOutputMax)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
