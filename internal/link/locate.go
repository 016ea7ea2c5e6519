package link

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrNoDevice means discovery found no candidate port.
var ErrNoDevice = errors.New("link: no device found")

// Locator decides which port to open.
type Locator interface {
	Locate() (string, error)
}

// PathLocator always returns a fixed device path.
type PathLocator string

func (p PathLocator) Locate() (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrNoDevice)
	}
	return string(p), nil
}

// ProductLocator enumerates serial ports and picks the first one whose USB
// product string or device name contains one of Match (case-insensitive).
type ProductLocator struct {
	Match []string

	// list is swapped out in tests.
	list func() ([]*enumerator.PortDetails, error)
}

// DefaultMatch covers genuine Arduino boards and the common CH340/FTDI clones.
var DefaultMatch = []string{"Arduino", "usbserial", "wchusbserial", "ttyUSB", "ttyACM"}

func NewProductLocator(match []string) *ProductLocator {
	if len(match) == 0 {
		match = DefaultMatch
	}
	return &ProductLocator{Match: match, list: enumerator.GetDetailedPortsList}
}

func (l *ProductLocator) Locate() (string, error) {
	ports, err := l.list()
	if err != nil {
		return "", fmt.Errorf("%w: enumerate: %v", ErrNoDevice, err)
	}
	for _, p := range ports {
		if containsAny(p.Product, l.Match) || containsAny(p.Name, l.Match) {
			log.Printf("[link] found device on %s (product=%q usb=%v)", p.Name, p.Product, p.IsUSB)
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %d ports scanned, none matched %v", ErrNoDevice, len(ports), l.Match)
}

func containsAny(s string, subs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// Chain tries each Locator in order and returns the first hit.
type Chain []Locator

func (c Chain) Locate() (string, error) {
	var errs []error
	for _, l := range c {
		path, err := l.Locate()
		if err == nil {
			return path, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrNoDevice
	}
	return "", errors.Join(errs...)
}
