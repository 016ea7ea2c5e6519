package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrUnavailable wraps every open, read and write failure on the device.
var ErrUnavailable = errors.New("link: transport unavailable")

const (
	// chunkTimeout bounds a single port read so a pending write never waits
	// longer than this for the lock.
	chunkTimeout = 100 * time.Millisecond
	// maxPending caps buffered bytes when the device sends no newlines.
	maxPending = 1024

	drainSilence = 100 * time.Millisecond
	drainTimeout = 1500 * time.Millisecond
)

// Config holds connection parameters.
type Config struct {
	BaudRate int
	// Settle is how long to wait after opening before first use. Most
	// boards reset when DTR toggles on open.
	Settle time.Duration
	Opener Opener
}

// Transport is a line-oriented, mutex-guarded view of the device port.
// Reads and writes never run concurrently on the handle.
type Transport struct {
	mu      sync.Mutex
	port    Port
	path    string
	pending []byte
	buf     []byte
	// discarding is set after an overlong line was dropped; bytes are
	// skipped until the next line terminator.
	discarding bool
}

// Open locates the device, opens it, waits for the settle delay and
// discards any boot output. Discovery failures wrap ErrNoDevice; open
// failures wrap ErrUnavailable.
func Open(ctx context.Context, loc Locator, cfg Config) (*Transport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 2400
	}
	if cfg.Opener == nil {
		cfg.Opener = OpenSerial
	}

	path, err := loc.Locate()
	if err != nil {
		return nil, err
	}

	port, err := cfg.Opener(path, cfg.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if err := port.SetReadTimeout(chunkTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set timeout on %s: %v", ErrUnavailable, path, err)
	}
	log.Printf("[link] opened %s at %d baud", path, cfg.BaudRate)

	if cfg.Settle > 0 {
		select {
		case <-ctx.Done():
			port.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.Settle):
		}
	}

	t := &Transport{port: port, path: path, buf: make([]byte, 128)}
	t.drain()
	return t, nil
}

// NewTransport wraps an already open port. No settle delay is applied.
func NewTransport(port Port, path string) *Transport {
	return &Transport{port: port, path: path, buf: make([]byte, 128)}
}

// Path returns the device path.
func (t *Transport) Path() string { return t.path }

// ReadLine returns the next complete, non-empty line without its
// terminator. It returns "" and a nil error if no line arrived within
// timeout.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		line, ok, err := t.readChunk()
		if err != nil {
			return "", err
		}
		if ok {
			return line, nil
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}
	}
}

func (t *Transport) readChunk() (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return "", false, ErrUnavailable
	}
	if line, ok := t.popLine(); ok {
		return line, true, nil
	}

	n, err := t.port.Read(t.buf)
	if n > 0 {
		t.accept(t.buf[:n])
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read %s: %v", ErrUnavailable, t.path, err)
	}
	line, ok := t.popLine()
	return line, ok, nil
}

// accept appends data to pending. When pending exceeds maxPending, whole
// leading lines are dropped first; a single unterminated line that is too
// long is dropped entirely, along with the rest of it as it arrives, so a
// line missing its head never reaches the caller. Caller holds mu.
func (t *Transport) accept(data []byte) {
	if t.discarding {
		idx := bytes.IndexAny(data, "\r\n")
		if idx < 0 {
			return
		}
		data = data[idx+1:]
		t.discarding = false
	}
	t.pending = append(t.pending, data...)

	for len(t.pending) > maxPending {
		idx := bytes.IndexAny(t.pending, "\r\n")
		if idx < 0 {
			log.Printf("[link] dropping overlong line on %s (%d bytes without terminator)", t.path, len(t.pending))
			t.pending = t.pending[:0]
			t.discarding = true
			return
		}
		t.pending = t.pending[idx+1:]
	}
}

// popLine removes the first complete line from pending. Blank lines
// produced by CRLF pairs are skipped. Caller holds mu.
func (t *Transport) popLine() (string, bool) {
	for {
		idx := bytes.IndexAny(t.pending, "\r\n")
		if idx < 0 {
			return "", false
		}
		line := string(t.pending[:idx])
		t.pending = t.pending[idx+1:]
		if line != "" {
			return line, true
		}
	}
}

// WriteCommand sends a single byte to the device.
func (t *Transport) WriteCommand(b byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrUnavailable
	}
	if _, err := t.port.Write([]byte{b}); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, t.path, err)
	}
	return nil
}

// Close releases the port. Subsequent calls return ErrUnavailable.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.pending = nil
	t.discarding = false
	return err
}

// drain discards boot banners and half-sent frames until the line has been
// quiet for drainSilence, or drainTimeout has elapsed.
func (t *Transport) drain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.port.SetReadTimeout(drainSilence)
	defer t.port.SetReadTimeout(chunkTimeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		n, _ := t.port.Read(t.buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.Printf("[link] drain cleared %d bytes on %s", total, t.path)
	}
}
