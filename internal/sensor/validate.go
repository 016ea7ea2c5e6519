package sensor

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned for physically implausible samples.
var ErrOutOfRange = errors.New("sensor: value out of range")

// Plausible sensor bounds. Temperature is exclusive on both ends,
// humidity inclusive.
const (
	MinTemperature = 10.0
	MaxTemperature = 60.0
	MinHumidity    = 10.0
	MaxHumidity    = 100.0
)

// Validate checks temperature and humidity bounds. The discomfort index is
// computed on the device from the same two values and is not range checked.
func Validate(s Sample) error {
	if !(s.Temperature > MinTemperature && s.Temperature < MaxTemperature) {
		return fmt.Errorf("%w: temp=%v", ErrOutOfRange, s.Temperature)
	}
	if !(s.Humidity >= MinHumidity && s.Humidity <= MaxHumidity) {
		return fmt.Errorf("%w: humidity=%v", ErrOutOfRange, s.Humidity)
	}
	return nil
}
