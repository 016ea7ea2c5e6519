package ingest

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/dht-dash/internal/link"
	"github.com/shaunagostinho/dht-dash/internal/sensor"
)

// errDetached is returned by Send while no device is attached.
var errDetached = fmt.Errorf("ingest: no device attached: %w", link.ErrUnavailable)

// CommandWriter sends one byte to the device.
type CommandWriter interface {
	WriteCommand(b byte) error
}

// Actuator writes relay commands to whichever device is currently
// attached. Delivery is best effort: there is no acknowledgement, so the
// relay can drift from the last computed command if a write fails.
type Actuator struct {
	mu       sync.Mutex
	dev      CommandWriter
	quiet    time.Duration
	lastWarn time.Time
}

// NewActuator returns an Actuator with no device attached. While detached,
// the "unavailable" diagnostic is logged at most once per quiet window.
func NewActuator(quiet time.Duration) *Actuator {
	if quiet <= 0 {
		quiet = 30 * time.Second
	}
	return &Actuator{quiet: quiet}
}

func (a *Actuator) Attach(dev CommandWriter) {
	a.mu.Lock()
	a.dev = dev
	a.lastWarn = time.Time{}
	a.mu.Unlock()
}

func (a *Actuator) Detach() {
	a.mu.Lock()
	a.dev = nil
	a.mu.Unlock()
}

// Send writes cmd's wire byte. source labels the metric ("auto" or
// "manual").
func (a *Actuator) Send(cmd sensor.Command, source string) error {
	a.mu.Lock()
	dev := a.dev
	if dev == nil {
		if time.Since(a.lastWarn) >= a.quiet {
			log.Printf("[ingest] no device attached, %s command %s not transmitted", source, cmd)
			a.lastWarn = time.Now()
		}
		a.mu.Unlock()
		actuationsTotal.WithLabelValues(cmd.String(), source, "unavailable").Inc()
		return errDetached
	}
	a.mu.Unlock()

	if err := dev.WriteCommand(cmd.Byte()); err != nil {
		actuationsTotal.WithLabelValues(cmd.String(), source, "error").Inc()
		return err
	}
	actuationsTotal.WithLabelValues(cmd.String(), source, "ok").Inc()
	return nil
}
