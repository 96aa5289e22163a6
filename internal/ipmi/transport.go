package ipmi

import (
	"context"
	"fmt"
	"os/exec"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/sensor"
)

var lookPath = exec.LookPath

// New selects a transport once at startup. With Transport "auto" ipmitool
// is preferred when installed, otherwise the local OpenIPMI device is used.
func New(opts Options, log logger.Logger) (Transport, error) {
	opts = opts.withDefaults()

	kind := opts.Transport
	if kind == "" || kind == KindAuto {
		kind = KindOpenIPMI
		if _, err := lookPath(opts.ToolPath); err == nil {
			kind = KindIPMITool
		}
		log.Debug().Str("transport", kind).Msg("Selected transport")
	}

	switch kind {
	case KindIPMITool:
		return NewIPMITool(opts, log, nil), nil
	case KindOpenIPMI:
		if !IsLocal(opts.Host) {
			return nil, errors.New().WithMessage(errors.ErrInvalidTransport,
				fmt.Sprintf("%s (host %s)", msgUnsupportedRemote, opts.Host))
		}
		return OpenOpenIPMI(opts, log)
	default:
		return nil, errors.New().WithMessage(errors.ErrInvalidTransport,
			fmt.Sprintf("%s: %q", msgUnsupportedVariant, kind))
	}
}

// HighestTemperature returns the worst-case temperature across all sensors.
// When no sensor carries a usable value sensor.DefaultTemperature is
// returned. Transport failures are returned unchanged.
func HighestTemperature(ctx context.Context, t Transport, log logger.Logger) (float64, error) {
	readings, err := t.ReadTemperatureSensors(ctx)
	if err != nil {
		return sensor.DefaultTemperature, err
	}

	temp, ok := sensor.Highest(readings)
	if !ok {
		log.Warn().
			Int("sensors", len(readings)).
			Float64("temperature", temp).
			Msg("No valid temperature readings found, using default temperature")
	}

	return temp, nil
}

type extraSensors struct {
	Transport
	sources []SensorSource
	log     logger.Logger
}

// WithExtraSensors decorates t so that temperature reads also include the
// readings of sources. A failing source is logged and skipped; only BMC
// failures fail the read.
func WithExtraSensors(t Transport, log logger.Logger, sources ...SensorSource) Transport {
	if len(sources) == 0 {
		return t
	}

	return &extraSensors{Transport: t, sources: sources, log: log}
}

func (e *extraSensors) ReadTemperatureSensors(ctx context.Context) ([]sensor.Reading, error) {
	readings, err := e.Transport.ReadTemperatureSensors(ctx)
	if err != nil {
		return nil, err
	}

	for _, src := range e.sources {
		extra, err := src.ReadTemperatureSensors(ctx)
		if err != nil {
			e.log.Warn().Str("source", src.Name()).Err(err).Msg("Failed to read extra temperature sensors")
			continue
		}
		readings = append(readings, extra...)
	}

	return readings, nil
}

// Diagnose forwards to the wrapped transport when it supports diagnostics
func (e *extraSensors) Diagnose(ctx context.Context) []Diagnostic {
	if d, ok := e.Transport.(Diagnoser); ok {
		return d.Diagnose(ctx)
	}

	return nil
}

func (e *extraSensors) Close() error {
	err := e.Transport.Close()
	for _, src := range e.sources {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}
