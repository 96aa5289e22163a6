// Package sensor holds the readings reported by the management controller.
package sensor

import "math"

// DefaultTemperature is used as the control input when no temperature
// reading is available.
const DefaultTemperature = 60.0

// Reading represents a single sensor value as reported by the BMC.
type Reading struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Value  float64 `json:"value" yaml:"value"`
	Unit   string  `json:"unit" yaml:"unit"`
	Status string  `json:"status" yaml:"status"`
}

// Highest returns the maximum finite value among readings. The second
// return value is false when no reading carries a usable number.
func Highest(readings []Reading) (float64, bool) {
	highest := math.Inf(-1)
	found := false

	for _, r := range readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		if r.Value > highest {
			highest = r.Value
		}
		found = true
	}

	if !found {
		return DefaultTemperature, false
	}

	return highest, true
}
