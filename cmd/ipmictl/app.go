package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/ipmictl/internal/config"
	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/ipmi"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/metrics"
	"codeberg.org/mutker/ipmictl/internal/monitor"
	"codeberg.org/mutker/ipmictl/internal/output"
	"codeberg.org/mutker/ipmictl/internal/pid"
	"codeberg.org/mutker/ipmictl/internal/pidfile"
	"codeberg.org/mutker/ipmictl/internal/sensor"
	"codeberg.org/mutker/ipmictl/internal/state"
	"github.com/cenkalti/backoff/v4"
)

const (
	connectRetries    = 5
	connectMaxElapsed = 30 * time.Second
	testFanSpeed      = 50
	diagnosticLines   = 10
)

// fanSettleTime is how long the test command holds the test speed
var fanSettleTime = 2 * time.Second

type app struct {
	cfg       *config.Config
	log       logger.Logger
	out       *output.Printer
	transport ipmi.Transport
	journal   state.Journal
	cleanup   *cleanup
	restorer  *restorer
	closeOnce sync.Once

	// newBackOff paces connection retries
	newBackOff func() backoff.BackOff
}

func newApp(cfg *config.Config, out *output.Printer, log logger.Logger, t ipmi.Transport) *app {
	log = log.With("app")

	journal, err := state.Open(state.Config{DBPath: cfg.StateDB, Enabled: cfg.StateDB != ""}, log)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.StateDB).Msg("State journal unavailable, continuing without it")
		journal, _ = state.Open(state.Config{}, log)
	}

	return &app{
		cfg:       cfg,
		log:       log,
		out:       out,
		transport: t,
		journal:   journal,
		cleanup:   &cleanup{},
		restorer:  &restorer{transport: t, journal: journal, log: log},
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = connectMaxElapsed
			return bo
		},
	}
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		a.cleanup.run()

		if err := a.journal.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close state journal")
		}
		if err := a.transport.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close transport")
		}
	})
}

func (a *app) dispatch(ctx context.Context) error {
	if a.cfg.Command == "test" {
		return a.test(ctx)
	}

	if err := a.connect(ctx); err != nil {
		return err
	}

	switch a.cfg.Command {
	case "status":
		return a.status(ctx)
	case "temp":
		return a.temp(ctx)
	case "set":
		return a.set(ctx)
	case "auto":
		return a.auto(ctx)
	case "pid":
		return a.control(ctx)
	default:
		return errors.New().WithData(errors.ErrUnknownCommand, a.cfg.Command)
	}
}

// connect verifies the BMC answers, retrying with exponential back-off
func (a *app) connect(ctx context.Context) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := a.transport.TestConnection(ctx)
		if err == nil {
			return nil
		}
		if errors.IsValidation(err) {
			return backoff.Permanent(err)
		}

		a.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("transport", a.transport.Kind()).
			Msg("Connection test failed")

		return err
	}, backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), connectRetries-1), ctx))
	if err != nil {
		return errors.New().Wrap(errors.ErrConnectionTest, err)
	}

	a.log.Debug().Str("transport", a.transport.Kind()).Msg("Connected to BMC")

	return nil
}

func (a *app) status(ctx context.Context) error {
	fans, err := a.transport.ReadFanSensors(ctx)
	if err != nil {
		return err
	}

	return a.out.Readings("fans", "Fan Speeds", fans)
}

func (a *app) temp(ctx context.Context) error {
	temps, err := a.transport.ReadTemperatureSensors(ctx)
	if err != nil {
		return err
	}

	return a.out.Readings("temperatures", "Temperature Sensors", temps)
}

// set applies a fixed fan speed. With auto-restore the speed is held until
// the process is interrupted, then automatic control is restored.
func (a *app) set(ctx context.Context) error {
	errFactory := errors.New()

	if len(a.cfg.Args) != 1 {
		return errFactory.Wrap(errors.ErrValidation,
			errFactory.WithMessage(errors.ErrInvalidArgument, "set requires exactly one fan speed percentage"))
	}

	speed, err := strconv.Atoi(strings.TrimSuffix(a.cfg.Args[0], "%"))
	if err != nil {
		return errFactory.Wrap(errors.ErrValidation, errFactory.WithData(errors.ErrInvalidArgument, a.cfg.Args[0]))
	}
	if err := ipmi.ValidateFanSpeed(speed); err != nil {
		return err
	}

	if a.cfg.AutoRestore {
		a.cleanup.add(func() {
			_ = a.restorer.restore()
		})
	}

	if err := a.transport.SetFanSpeed(ctx, speed); err != nil {
		return err
	}
	a.saveState(ctx, state.Record{Mode: state.ModeManual, FanSpeed: speed})

	if err := a.out.Message(fmt.Sprintf("Fan speed set to %d%%", speed), map[string]any{
		"fan_speed": speed,
	}); err != nil {
		return err
	}

	if !a.cfg.AutoRestore {
		return nil
	}

	a.log.Info().Msg("Holding fan speed, automatic fan control will be restored on exit")
	<-ctx.Done()
	a.cleanup.run()

	return nil
}

func (a *app) auto(ctx context.Context) error {
	if err := a.transport.SetAutomaticMode(ctx); err != nil {
		return err
	}
	a.saveState(ctx, state.Record{Mode: state.ModeAutomatic})

	return a.out.Message("Automatic fan control enabled", map[string]any{"mode": string(state.ModeAutomatic)})
}

// test checks connectivity and sensor access and, with --full, that the
// BMC accepts the fan commands.
func (a *app) test(ctx context.Context) error {
	errFactory := errors.New()
	fields := map[string]any{"transport": a.transport.Kind()}

	if err := a.transport.TestConnection(ctx); err != nil {
		return errFactory.Wrap(errors.ErrConnectionTest, err)
	}
	a.log.Info().Msg("Connection OK")

	if a.cfg.Diagnostic {
		if d, ok := a.transport.(ipmi.Diagnoser); ok {
			fields["diagnostics"] = a.diagnose(ctx, d)
		} else {
			a.log.Warn().Str("transport", a.transport.Kind()).Msg("Transport has no diagnostics")
		}
	}

	fans, err := a.transport.ReadFanSensors(ctx)
	if err != nil {
		return err
	}
	if len(fans) == 0 {
		a.log.Warn().Msg("No fans detected")
	}

	temps, err := a.transport.ReadTemperatureSensors(ctx)
	if err != nil {
		return err
	}
	if len(temps) == 0 {
		a.log.Warn().Msg("No temperature sensors detected")
	}

	if a.cfg.Full {
		if err := a.testFanControl(ctx); err != nil {
			return err
		}
		fields["fan_control"] = "ok"
	}

	if a.out.Format() != output.FormatTable {
		fields["fans"] = nonNil(fans)
		fields["temperatures"] = nonNil(temps)
		return a.out.Message("Compatibility test passed", fields)
	}

	fields["fans"] = len(fans)
	fields["temperatures"] = len(temps)
	if err := a.out.Message("Compatibility test passed", fields); err != nil {
		return err
	}
	if err := a.out.Readings("fans", "Fan Speeds", fans); err != nil {
		return err
	}

	return a.out.Readings("temperatures", "Temperature Sensors", temps)
}

func (a *app) testFanControl(ctx context.Context) error {
	a.cleanup.add(func() {
		_ = a.restorer.restore()
	})

	if err := a.transport.SetManualMode(ctx); err != nil {
		return err
	}
	a.log.Info().Msg("Manual mode enabled")

	if err := a.transport.SetFanSpeed(ctx, testFanSpeed); err != nil {
		return err
	}
	a.log.Info().Int("fan_speed", testFanSpeed).Msg("Fan speed set")

	timer := time.NewTimer(fanSettleTime)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	return a.restorer.restore()
}

func (a *app) diagnose(ctx context.Context, d ipmi.Diagnoser) []map[string]string {
	results := d.Diagnose(ctx)
	report := make([]map[string]string, 0, len(results))

	for _, r := range results {
		entry := map[string]string{"command": r.Command, "output": truncateLines(r.Output, diagnosticLines)}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
			a.log.Warn().Err(r.Err).Str("command", r.Command).Msg("Diagnostic command failed")
		} else {
			a.log.Info().Str("command", r.Command).Msg("Diagnostic command succeeded")
		}
		report = append(report, entry)
	}

	return report
}

// control runs closed-loop temperature control until interrupted or the runtime elapses
func (a *app) control(ctx context.Context) error {
	errFactory := errors.New()
	cfg := a.cfg

	if err := pidfile.Write(cfg.PIDFile); err != nil {
		return err
	}
	a.cleanup.add(func() {
		if err := pidfile.Remove(cfg.PIDFile); err != nil {
			a.log.Warn().Err(err).Msg("Failed to remove PID file")
		}
	})

	a.recoverPreviousSession(ctx)

	ctrl := newController(cfg)

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Address = cfg.MetricsAddr
	metricsCfg.Enabled = cfg.MetricsAddr != ""
	collector, err := metrics.NewService(metricsCfg, a.log)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	a.cleanup.add(func() {
		if err := collector.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	})

	mon := monitor.New(a.transport, ctrl, monitor.Config{
		SafetySpeed:    cfg.SafetySpeed,
		ErrorThreshold: cfg.ErrorThreshold,
		BackoffBase:    cfg.BackoffBase,
		BackoffStep:    cfg.BackoffStep,
		StopTimeout:    cfg.StopTimeout,
		Metrics:        collector,
		Journal:        a.journal,
	}, a.log)

	a.log.Info().
		Float64("target", cfg.Target).
		Dur("interval", cfg.Interval).
		Int("min_speed", cfg.MinSpeed).
		Int("max_speed", cfg.MaxSpeed).
		Msg("Starting PID temperature control")

	a.cleanup.add(func() {
		if !mon.Stop() {
			a.log.Warn().Msg("Monitoring did not stop cleanly, fan mode is unknown")
		}
	})

	if err := mon.Start(ctx,
		monitor.WithTarget(cfg.Target),
		monitor.WithInterval(cfg.Interval),
		monitor.WithSink(a.printStatus),
	); err != nil {
		return err
	}

	if cfg.Runtime > 0 {
		timer := time.NewTimer(cfg.Runtime)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			a.log.Info().Dur("runtime", cfg.Runtime).Msg("Runtime elapsed")
		}
	} else {
		a.log.Info().Msg("PID control started, press Ctrl+C to stop")
		<-ctx.Done()
	}

	a.cleanup.run()

	return a.out.Message("PID temperature control stopped", nil)
}

// newController builds the controller with per-second gains. The monitor
// rescales them to the monitoring interval when it starts.
func newController(cfg *config.Config) *pid.Controller {
	return pid.New(
		pid.WithTunings(cfg.Kp, cfg.Ki, cfg.Kd),
		pid.WithOutputLimits(float64(cfg.MinSpeed), float64(cfg.MaxSpeed)),
		pid.WithSetpoint(cfg.Target),
	)
}

// recoverPreviousSession restores automatic control when the journal shows
// that an earlier session exited with fans under manual control.
func (a *app) recoverPreviousSession(ctx context.Context) {
	rec, ok, err := a.journal.Load(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to read state journal")
		return
	}
	if !ok || !rec.NeedsRestore() {
		return
	}

	a.log.Warn().
		Str("mode", string(rec.Mode)).
		Int("fan_speed", rec.FanSpeed).
		Int("pid", rec.PID).
		Time("updated_at", rec.UpdatedAt).
		Msg("Previous session left fans under manual control, restoring automatic control")

	_ = restoreAutomatic(a.transport, a.journal, a.log)
}

func (a *app) printStatus(ev monitor.StatusEvent) {
	line := fmt.Sprintf("[%s] Temperature: %.1f°C | Target: %.1f°C | Fan: %d%%",
		ev.TimestampFormatted(), ev.Temperature, ev.Target, ev.FanSpeed)

	if err := a.out.Event(ev, line); err != nil {
		a.log.Debug().Err(err).Msg("Failed to print status")
	}
}

func (a *app) saveState(ctx context.Context, rec state.Record) {
	if err := a.journal.Save(ctx, rec); err != nil {
		a.log.Warn().Err(err).Str("mode", string(rec.Mode)).Msg("Failed to journal fan state")
	}
}

func nonNil(readings []sensor.Reading) []sensor.Reading {
	if readings == nil {
		return []sensor.Reading{}
	}
	return readings
}

func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}
