// Package sensor holds the telemetry data model and the pure stages of the
// ingestion pipeline: frame parsing, range validation, change detection and
// the actuation decision.
package sensor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sample is one temperature/humidity/discomfort-index triple as received
// from the microcontroller, before it is stamped and accepted.
type Sample struct {
	Temperature     float64 `json:"temp"`     // °C
	Humidity        float64 `json:"humidity"` // %RH
	DiscomfortIndex float64 `json:"discomfortIndex"`
}

// Reading is an accepted Sample. Readings are never mutated; the next
// accepted frame produces a new one.
type Reading struct {
	Sample
	Timestamp time.Time `json:"timestamp"`
}

// NewReading stamps s with ts.
func NewReading(s Sample, ts time.Time) Reading {
	return Reading{Sample: s, Timestamp: ts}
}

// Command is the binary actuation decision sent to the climate relay.
type Command int

const (
	Off Command = iota
	On
)

// Wire bytes understood by the microcontroller sketch.
const (
	byteOn  = '1'
	byteOff = '0'
)

func (c Command) String() string {
	if c == On {
		return "ON"
	}
	return "OFF"
}

// Byte returns the single ASCII byte written to the device.
func (c Command) Byte() byte {
	if c == On {
		return byteOn
	}
	return byteOff
}

// Status is the ac_status column value stored for this command.
func (c Command) Status() string {
	return "AC " + c.String()
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	cmd, err := ParseCommand(s)
	if err != nil {
		return err
	}
	*c = cmd
	return nil
}

// ParseCommand accepts "on"/"off" (any case) as well as "1"/"0".
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1":
		return On, nil
	case "off", "0":
		return Off, nil
	}
	return Off, fmt.Errorf("sensor: unknown command %q", s)
}

// Entry is one persisted sensor_log row. Manual overrides carry zero
// sensor fields.
type Entry struct {
	Temperature     float64   `json:"temp"`
	Humidity        float64   `json:"humidity"`
	DiscomfortIndex float64   `json:"discomfort_index"`
	ACStatus        string    `json:"ac_status"`
	Timestamp       time.Time `json:"timestamp"`
}

// EntryFor builds the log row for an automatically actuated reading.
func EntryFor(r Reading, c Command) Entry {
	return Entry{
		Temperature:     r.Temperature,
		Humidity:        r.Humidity,
		DiscomfortIndex: r.DiscomfortIndex,
		ACStatus:        c.Status(),
		Timestamp:       r.Timestamp,
	}
}

// ManualEntry builds the log row for an operator override.
func ManualEntry(c Command, ts time.Time) Entry {
	return Entry{ACStatus: c.Status(), Timestamp: ts}
}
