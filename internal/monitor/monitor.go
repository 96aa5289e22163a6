// Package monitor runs the closed control loop: it polls the worst-case
// temperature on a fixed cadence, feeds it to the PID controller and applies
// the result as fan speed, backing off and failing safe on errors.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/ipmi"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/metrics"
	"codeberg.org/mutker/ipmictl/internal/pid"
	"codeberg.org/mutker/ipmictl/internal/state"
)

const (
	DefaultSafetySpeed    = 70
	DefaultErrorThreshold = 3
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffStep    = 3 * time.Second
	DefaultStopTimeout    = 2 * time.Second

	restoreTimeout = 10 * time.Second
)

// StatusEvent is emitted after every successful iteration
type StatusEvent struct {
	Temperature float64   `json:"temperature" yaml:"temperature"`
	Target      float64   `json:"target" yaml:"target"`
	FanSpeed    int       `json:"fan_speed" yaml:"fan_speed"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
}

func (e StatusEvent) TimestampFormatted() string {
	return e.Timestamp.Format("15:04:05")
}

// Sink observes status events. It is called from the monitoring goroutine.
type Sink func(StatusEvent)

type Config struct {
	SafetySpeed    int
	ErrorThreshold int
	BackoffBase    time.Duration
	BackoffStep    time.Duration
	StopTimeout    time.Duration

	// Optional collaborators; nil disables them
	Metrics metrics.MetricsCollector
	Journal state.Journal
}

func DefaultConfig() Config {
	return Config{
		SafetySpeed:    DefaultSafetySpeed,
		ErrorThreshold: DefaultErrorThreshold,
		BackoffBase:    DefaultBackoffBase,
		BackoffStep:    DefaultBackoffStep,
		StopTimeout:    DefaultStopTimeout,
	}
}

// Option adjusts a single monitoring session
type Option func(*startOptions)

type startOptions struct {
	target   float64
	interval time.Duration
	sink     Sink
}

func WithTarget(target float64) Option {
	return func(o *startOptions) {
		o.target = target
	}
}

func WithInterval(interval time.Duration) Option {
	return func(o *startOptions) {
		o.interval = interval
	}
}

func WithSink(sink Sink) Option {
	return func(o *startOptions) {
		o.sink = sink
	}
}

// session exists only while monitoring is active
type session struct {
	target    float64
	interval  time.Duration
	sink      Sink
	recovery  *recovery
	cancel    context.CancelFunc
	done      chan struct{}
	lastSpeed atomic.Int32
}

// Monitor drives a Controller from a Transport. Start and Stop may be
// called from any goroutine; Compute is only ever called by the single
// worker goroutine of the active session.
type Monitor struct {
	lifecycle sync.Mutex // serializes Start and Stop
	mu        sync.Mutex // guards session
	session   *session

	transport ipmi.Transport
	ctrl      *pid.Controller
	cfg       Config
	metrics   metrics.MetricsCollector
	journal   state.Journal
	log       logger.Logger
}

func New(t ipmi.Transport, ctrl *pid.Controller, cfg Config, log logger.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.SafetySpeed <= 0 {
		cfg.SafetySpeed = def.SafetySpeed
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffStep < 0 {
		cfg.BackoffStep = def.BackoffStep
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	m := &Monitor{
		transport: t,
		ctrl:      ctrl,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		journal:   cfg.Journal,
		log:       log.With("monitor"),
	}
	if m.metrics == nil {
		m.metrics, _ = metrics.NewService(metrics.DefaultConfig(), logger.Nop())
	}
	if m.journal == nil {
		m.journal, _ = state.Open(state.Config{}, logger.Nop())
	}

	return m
}

// Running reports whether a session is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session != nil
}

// ConsecutiveErrors returns the current failure streak, 0 when idle
func (m *Monitor) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return 0
	}
	return m.session.recovery.count()
}

// Start begins monitoring. It is a no-op when already running. The
// controller is re-armed from the current worst-case temperature and the
// BMC is switched to manual fan control before the worker is launched;
// failures up to that point are returned.
func (m *Monitor) Start(ctx context.Context, opts ...Option) error {
	errFactory := errors.New()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.Running() {
		m.log.Debug().Msg("Monitoring already running")
		return nil
	}

	o := startOptions{target: m.ctrl.Setpoint(), interval: m.ctrl.SampleTime()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.interval <= 0 {
		return errFactory.Wrap(errors.ErrValidation, errFactory.WithData(ErrInvalidInterval, o.interval))
	}

	m.ctrl.SetSetpoint(o.target)
	m.ctrl.SetSampleTime(o.interval)

	temp, err := ipmi.HighestTemperature(ctx, m.transport, m.log)
	if err != nil {
		return errFactory.Wrap(ErrStartFailed, err)
	}

	m.ctrl.SetAutoModeWithInput(temp)

	if err := m.transport.SetManualMode(ctx); err != nil {
		m.ctrl.SetAutoMode(false)
		return errFactory.Wrap(ErrStartFailed, err)
	}
	m.saveState(ctx, state.ModeManual, 0, o.target)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		target:   o.target,
		interval: o.interval,
		sink:     o.sink,
		recovery: newRecovery(m.cfg),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	go m.run(runCtx, s)

	m.log.Info().
		Float64("target", o.target).
		Dur("interval", o.interval).
		Float64("temperature", temp).
		Msg("Temperature monitoring started")

	return nil
}

// Stop ends monitoring and returns fan control to the BMC. It is a no-op
// when idle. It waits at most the stop timeout for the worker; false means
// the worker was still busy and the fan mode must be considered unknown.
// Restore failures are logged, never returned.
func (m *Monitor) Stop() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return true
	}

	s.cancel()

	stopped := true
	timer := time.NewTimer(m.cfg.StopTimeout)
	select {
	case <-s.done:
	case <-timer.C:
		stopped = false
		m.log.Warn().Dur("timeout", m.cfg.StopTimeout).Msg("Monitoring task did not stop in time")
	}
	timer.Stop()

	m.ctrl.SetAutoMode(false)

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	mode := state.ModeAutomatic
	if err := m.transport.SetAutomaticMode(ctx); err != nil {
		m.log.Error().Err(err).Msg("Failed to restore automatic fan control")
		mode = state.ModeUnknown
	} else {
		m.log.Info().Msg("Automatic fan control restored")
	}
	if !stopped {
		mode = state.ModeUnknown
	}
	m.saveState(ctx, mode, int(s.lastSpeed.Load()), s.target)

	return stopped
}

func (m *Monitor) run(ctx context.Context, s *session) {
	defer close(s.done)

	next := time.Now()
	for ctx.Err() == nil {
		tick := next

		ev, err := m.iterate(ctx, s, tick)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if err != nil {
			wait = m.handleFailure(ctx, s, err)
			next = time.Now().Add(wait)
		} else {
			s.recovery.success()
			m.emit(s, ev)
			m.record(ctx, s, ev)

			// an overrun delays the next tick rather than firing twice
			next = tick.Add(s.interval)
			if now := time.Now(); next.Before(now) {
				next = now
			}
			wait = time.Until(next)
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// iterate runs one control step. Panics are turned into errors so that the
// recovery policy applies to them too.
func (m *Monitor) iterate(ctx context.Context, s *session, tick time.Time) (ev StatusEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New().WithData(ErrIterationPanic, fmt.Sprint(r))
		}
	}()

	temp, err := ipmi.HighestTemperature(ctx, m.transport, m.log)
	if err != nil {
		return StatusEvent{}, err
	}

	output := m.ctrl.Compute(temp, tick)
	speed := toSpeed(output, m.ctrl.OutputLimits())

	if err := m.transport.SetFanSpeed(ctx, speed); err != nil {
		return StatusEvent{}, err
	}

	m.log.Debug().
		Float64("temperature", temp).
		Float64("target", s.target).
		Float64("output", output).
		Int("fan_speed", speed).
		Msg("Control iteration")

	return StatusEvent{
		Temperature: temp,
		Target:      s.target,
		FanSpeed:    speed,
		Timestamp:   tick,
	}, nil
}

func (m *Monitor) handleFailure(ctx context.Context, s *session, err error) time.Duration {
	wait, safety := s.recovery.failure()
	count := s.recovery.count()

	m.metrics.RecordFailure(count)
	m.log.Warn().
		Err(err).
		Int("consecutive_errors", count).
		Dur("retry_in", wait).
		Msg("Monitoring iteration failed")

	if safety {
		m.log.Warn().
			Int("fan_speed", m.cfg.SafetySpeed).
			Msg("Too many consecutive errors, applying safety fan speed")

		if err := m.transport.SetFanSpeed(ctx, m.cfg.SafetySpeed); err != nil {
			m.log.Error().Err(err).Msg("Failed to apply safety fan speed")
		} else {
			s.lastSpeed.Store(int32(m.cfg.SafetySpeed))
			m.saveState(ctx, state.ModeManual, m.cfg.SafetySpeed, s.target)
		}
		m.metrics.RecordSafetyAction()
	}

	return wait
}

func (m *Monitor) record(ctx context.Context, s *session, ev StatusEvent) {
	if err := m.metrics.Record(ctx, &metrics.MetricsSnapshot{
		Timestamp:   ev.Timestamp,
		Temperature: ev.Temperature,
		Target:      ev.Target,
		Output:      m.ctrl.LastOutput(),
		FanSpeed:    ev.FanSpeed,
	}); err != nil {
		m.log.Debug().Err(err).Msg("Failed to record metrics")
	}

	if int32(ev.FanSpeed) != s.lastSpeed.Swap(int32(ev.FanSpeed)) {
		m.saveState(ctx, state.ModeManual, ev.FanSpeed, s.target)
	}
}

func (m *Monitor) emit(s *session, ev StatusEvent) {
	if s.sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("Status sink panicked")
		}
	}()

	s.sink(ev)
}

func (m *Monitor) saveState(ctx context.Context, mode state.Mode, speed int, target float64) {
	if err := m.journal.Save(ctx, state.Record{Mode: mode, FanSpeed: speed, Target: target}); err != nil {
		m.log.Warn().Err(err).Str("mode", string(mode)).Msg("Failed to journal fan state")
	}
}

// toSpeed rounds the controller output to a whole percentage inside the
// controller's limits.
func toSpeed(output float64, limits pid.Limits) int {
	v := math.Round(output)
	v = math.Max(v, math.Ceil(limits.Min))
	v = math.Min(v, math.Floor(limits.Max))
	v = math.Max(0, math.Min(100, v))

	return int(v)
}

// sleep waits for d or until ctx is done; it reports whether to continue
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
