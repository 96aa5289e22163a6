// Package gpu reads NVIDIA GPU temperatures through NVML so that GPUs,
// which the BMC cannot see, take part in chassis fan control.
package gpu

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/sensor"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

type gpuDevice struct {
	index int
	name  string
	uuid  string
	dev   device
}

// Source reports one temperature reading per GPU.
type Source struct {
	mu      sync.Mutex
	ctrl    nvmlController
	devices []gpuDevice
	log     logger.Logger
}

// Open initializes NVML and enumerates all GPUs.
func Open(log logger.Logger) (*Source, error) {
	return open(&nvmlWrapper{}, log)
}

func open(ctrl nvmlController, log logger.Logger) (*Source, error) {
	errFactory := errors.New()
	log = log.With("gpu")

	if err := ctrl.Initialize(); err != nil {
		return nil, err
	}

	count, err := ctrl.GetDeviceCount()
	if err != nil {
		_ = ctrl.Shutdown()
		return nil, err
	}
	if count == 0 {
		_ = ctrl.Shutdown()
		return nil, errFactory.WithMessage(ErrDeviceNotFound, "no NVIDIA GPU found")
	}

	s := &Source{ctrl: ctrl, log: log}
	for i := 0; i < count; i++ {
		dev, err := ctrl.GetDevice(i)
		if err != nil {
			_ = ctrl.Shutdown()
			return nil, err
		}

		d := gpuDevice{index: i, name: fmt.Sprintf("GPU %d", i), dev: dev}
		if name, ret := dev.GetName(); isNVMLSuccess(ret) {
			d.name = name
		} else {
			log.Warn().Int("index", i).Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
		}
		if uuid, ret := dev.GetUUID(); isNVMLSuccess(ret) {
			d.uuid = uuid
		}

		log.Info().Int("index", i).Str("uuid", d.uuid).Msgf("Detected GPU: %v", d.name)
		s.devices = append(s.devices, d)
	}

	return s, nil
}

func (*Source) Name() string {
	return "nvml"
}

// ReadTemperatureSensors returns the core temperature of every GPU. Devices
// that fail to report are skipped; an error is returned only when none do.
func (s *Source) ReadTemperatureSensors(_ context.Context) ([]sensor.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readings := make([]sensor.Reading, 0, len(s.devices))
	var lastErr error

	for _, d := range s.devices {
		temp, ret := d.dev.GetTemperature(nvml.TEMPERATURE_GPU)
		if !isNVMLSuccess(ret) {
			lastErr = errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret)).
				WithData(fmt.Sprintf("gpu%d", d.index))
			s.log.Debug().Int("index", d.index).Err(lastErr).Msg("Failed to read GPU temperature")
			continue
		}

		readings = append(readings, sensor.Reading{
			ID:     fmt.Sprintf("gpu%d", d.index),
			Name:   d.name,
			Value:  float64(temp),
			Unit:   "degrees C",
			Status: "ok",
		})
	}

	if len(readings) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return readings, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctrl.Shutdown()
}
