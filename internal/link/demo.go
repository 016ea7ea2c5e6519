package link

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Simulator stands in for the sensor board in demo mode. It emits one
// frame per interval in the same text protocol as the real sketch,
// occasionally repeats a frame or emits noise, and records the actuation
// bytes it receives.
type Simulator struct {
	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	next     time.Time
	out      []byte
	t        float64 // virtual time accumulator
	last     string
	relay    byte
	closed   bool
	rnd      *rand.Rand
}

// NewSimulator returns a Simulator emitting a frame every interval.
func NewSimulator(interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Simulator{
		interval: interval,
		timeout:  chunkTimeout,
		next:     time.Now().Add(interval),
		relay:    '0',
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Opener returns an Opener that ignores the path and yields s.
func (s *Simulator) Opener() Opener {
	return func(path string, baud int) (Port, error) {
		log.Printf("[link] demo device standing in for %s", path)
		return s, nil
	}
}

func (s *Simulator) SetReadTimeout(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = t
	return nil
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(s.out) == 0 {
		wait := time.Until(s.next)
		if wait > s.timeout {
			timeout := s.timeout
			s.mu.Unlock()
			time.Sleep(timeout)
			return 0, nil
		}
		s.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
		s.mu.Lock()
		s.out = append(s.out, s.frame()...)
		s.next = time.Now().Add(s.interval)
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		if b == '0' || b == '1' {
			s.relay = b
		}
	}
	return len(p), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Relay reports the last actuation byte received.
func (s *Simulator) Relay() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay
}

// frame produces the next line. Caller holds mu.
func (s *Simulator) frame() string {
	s.t += 0.05

	switch r := s.rnd.Float64(); {
	case r < 0.05:
		return "ERR:DHT\r\n"
	case r < 0.20 && s.last != "":
		return s.last
	}

	// Daily-ish swing; cooling kicks in when the relay is on.
	temp := 27 + 5*math.Sin(s.t) + s.rnd.Float64()*0.5
	if s.relay == '1' {
		temp -= 2
	}
	humi := 60 + 15*math.Cos(s.t*0.7) + s.rnd.Float64()*2
	temp = math.Round(temp*10) / 10
	humi = math.Round(humi)

	s.last = fmt.Sprintf("%.1f,%.1f,%.2f\r\n", temp, humi, discomfortIndex(temp, humi))
	return s.last
}

// discomfortIndex is Thom's formula as computed by the board firmware.
func discomfortIndex(t, h float64) float64 {
	return 0.81*t + 0.01*h*(0.99*t-14.3) + 46.3
}
