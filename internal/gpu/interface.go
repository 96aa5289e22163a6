package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// device is the subset of nvml.Device used to read temperatures
type device interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
}

// nvmlController abstracts NVML library operations for testing
type nvmlController interface {
	Initialize() error
	Shutdown() error
	GetDeviceCount() (int, error)
	GetDevice(index int) (device, error)
}
