package sensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrFrameMalformed is returned for lines that do not split into
	// exactly three fields.
	ErrFrameMalformed = errors.New("sensor: malformed frame")
	// ErrFieldUnparsable is returned when a field is not a decimal number.
	ErrFieldUnparsable = errors.New("sensor: unparsable field")
)

const (
	frameSeparator = ","
	frameFields    = 3
)

// ParseFrame converts one line of the device protocol,
// "temperature,humidity,discomfortIndex", into a Sample. Surrounding
// whitespace (including the CR some sketches emit) is ignored. NaN and
// infinities count as unparsable.
func ParseFrame(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	if strings.Count(line, frameSeparator) != frameFields-1 {
		return Sample{}, fmt.Errorf("%w: %q", ErrFrameMalformed, line)
	}
	parts := strings.Split(line, frameSeparator)

	var vals [frameFields]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Sample{}, fmt.Errorf("%w: field %d %q", ErrFieldUnparsable, i, p)
		}
		vals[i] = v
	}

	return Sample{
		Temperature:     vals[0],
		Humidity:        vals[1],
		DiscomfortIndex: vals[2],
	}, nil
}
