// Package link owns the serial connection to the sensor microcontroller.
package link

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the transport needs. Tests and demo
// mode substitute their own implementation.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens the device at path.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a real serial device, 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}
