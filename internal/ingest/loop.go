// Package ingest runs the serial ingestion loop: read a frame, validate
// it, drop repeats, decide the relay command, send it, persist the row and
// publish the latest state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaunagostinho/dht-dash/internal/link"
	"github.com/shaunagostinho/dht-dash/internal/sensor"
	"github.com/shaunagostinho/dht-dash/internal/state"
)

// Device is an open sensor link.
type Device interface {
	CommandWriter
	ReadLine(timeout time.Duration) (string, error)
	Close() error
}

// Dialer locates and opens the device. Errors wrapping link.ErrNoDevice
// are treated as fatal; anything else is retried.
type Dialer func(ctx context.Context) (Device, error)

// Store is the durable sink for log rows.
type Store interface {
	Append(ctx context.Context, e sensor.Entry) error
}

// Recorder is an optional secondary sink.
type Recorder interface {
	Record(e sensor.Entry) error
}

// Outcome classifies one loop iteration.
type Outcome int

const (
	Idle Outcome = iota
	ReadFailed
	ParseFailed
	ValidateFailed
	Duplicate
	Accepted
)

var outcomeNames = [...]string{"idle", "read_failed", "parse_failed", "validate_failed", "duplicate", "accepted"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// failed reports whether the loop should pause before the next read.
func (o Outcome) failed() bool {
	return o == ReadFailed || o == ParseFailed || o == ValidateFailed
}

// Config tunes the loop.
type Config struct {
	Policy sensor.Policy
	// ReadTimeout bounds one ReadLine call.
	ReadTimeout time.Duration
	// RetryDelay is the pause after a failed iteration.
	RetryDelay time.Duration
	// ConnectAttempts bounds open retries before Run gives up.
	ConnectAttempts int
	// ConnectBackoff is the first retry interval; it doubles up to a minute.
	ConnectBackoff time.Duration
	// ReconnectAfter is the number of consecutive read failures that
	// triggers closing and reopening the device.
	ReconnectAfter int
	// StoreTimeout bounds a single Append.
	StoreTimeout time.Duration
}

// DefaultConfig mirrors the board's 2400 baud, ~2 s cadence.
func DefaultConfig() Config {
	return Config{
		Policy:          sensor.DefaultPolicy(),
		ReadTimeout:     2 * time.Second,
		RetryDelay:      time.Second,
		ConnectAttempts: 10,
		ConnectBackoff:  time.Second,
		ReconnectAfter:  5,
		StoreTimeout:    5 * time.Second,
	}
}

// Loop is the ingestion state machine. Run must be called from exactly one
// goroutine; Override and SetPolicy are safe to call concurrently with it.
type Loop struct {
	cfg      Config
	dial     Dialer
	store    Store
	archive  Recorder
	cell     *state.Cell
	actuator *Actuator
	now      func() time.Time
	policy   atomic.Pointer[sensor.Policy]

	dev          Device
	dedup        sensor.Deduplicator
	readFailures int
}

// New builds a Loop. archive may be nil. cfg.Policy is used as given, so
// callers should start from DefaultConfig; zero timings fall back to it.
func New(cfg Config, dial Dialer, store Store, archive Recorder, cell *state.Cell, actuator *Actuator) *Loop {
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = def.ConnectBackoff
	}
	if cfg.ReconnectAfter <= 0 {
		cfg.ReconnectAfter = def.ReconnectAfter
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if actuator == nil {
		actuator = NewActuator(0)
	}
	l := &Loop{
		cfg:      cfg,
		dial:     dial,
		store:    store,
		archive:  archive,
		cell:     cell,
		actuator: actuator,
		now:      time.Now,
	}
	l.SetPolicy(cfg.Policy)
	return l
}

// SetPolicy replaces the decision policy; the next accepted frame uses it.
func (l *Loop) SetPolicy(p sensor.Policy) {
	l.policy.Store(&p)
	log.Printf("[ingest] discomfort threshold set to %.1f", p.Threshold)
}

// Policy returns the policy currently in effect.
func (l *Loop) Policy() sensor.Policy {
	return *l.policy.Load()
}

// Run connects and polls until ctx is cancelled (returns nil) or the
// device cannot be found or opened (returns the error).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer l.disconnect()

	log.Printf("[ingest] polling (threshold=%.1f, read timeout=%v)", l.Policy().Threshold, l.cfg.ReadTimeout)
	for {
		if ctx.Err() != nil {
			log.Printf("[ingest] stopping: %v", ctx.Err())
			return nil
		}

		out := l.Step(ctx)
		framesTotal.WithLabelValues(out.String()).Inc()

		if out == ReadFailed {
			l.readFailures++
			if l.readFailures >= l.cfg.ReconnectAfter {
				log.Printf("[ingest] %d consecutive read failures, reopening device", l.readFailures)
				l.disconnect()
				if err := l.connect(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		} else {
			l.readFailures = 0
		}

		if out.failed() && !sleepCtx(ctx, l.cfg.RetryDelay) {
			return nil
		}
	}
}

// Step performs one read and, if a line arrived, processes it.
func (l *Loop) Step(ctx context.Context) Outcome {
	line, err := l.dev.ReadLine(l.cfg.ReadTimeout)
	if err != nil {
		log.Printf("[ingest] read failed: %v", err)
		return ReadFailed
	}
	if line == "" {
		return Idle
	}
	return l.Handle(ctx, line)
}

// Handle runs one received line through parse, validate, dedup, decide,
// actuate, persist and publish, in that order.
func (l *Loop) Handle(ctx context.Context, line string) Outcome {
	sample, err := sensor.ParseFrame(line)
	if err != nil {
		log.Printf("[ingest] frame dropped: %v", err)
		return ParseFailed
	}
	if err := sensor.Validate(sample); err != nil {
		log.Printf("[ingest] sample dropped: %v", err)
		return ValidateFailed
	}
	if !l.dedup.Novel(sample) {
		log.Printf("[ingest] duplicate ignored: temp=%v humi=%v di=%v",
			sample.Temperature, sample.Humidity, sample.DiscomfortIndex)
		return Duplicate
	}

	cmd := l.Policy().Decide(sample.DiscomfortIndex)
	reading := sensor.NewReading(sample, l.now())

	if err := l.actuator.Send(cmd, "auto"); err != nil && !errors.Is(err, errDetached) {
		log.Printf("[ingest] actuation %s not delivered: %v", cmd, err)
	}

	if err := l.persist(ctx, sensor.EntryFor(reading, cmd)); err == nil {
		log.Printf("[ingest] saved temp=%v humi=%v di=%.2f status=%s",
			sample.Temperature, sample.Humidity, sample.DiscomfortIndex, cmd.Status())
	}

	l.cell.Set(reading, cmd)
	readingGauge.WithLabelValues("temperature").Set(sample.Temperature)
	readingGauge.WithLabelValues("humidity").Set(sample.Humidity)
	readingGauge.WithLabelValues("discomfort_index").Set(sample.DiscomfortIndex)
	return Accepted
}

// Override sends a manual relay command and logs it with zeroed sensor
// fields. The entry is persisted even when the device did not receive the
// command; delivered reports whether the write went through.
func (l *Loop) Override(ctx context.Context, cmd sensor.Command) (delivered bool, err error) {
	if err := l.actuator.Send(cmd, "manual"); err == nil {
		delivered = true
	} else if !errors.Is(err, errDetached) {
		log.Printf("[ingest] manual %s not delivered: %v", cmd, err)
	}

	if err := l.persist(ctx, sensor.ManualEntry(cmd, l.now())); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// persist appends to the store and, if configured, the archive. Store
// errors are logged and returned; they never stop the loop.
func (l *Loop) persist(ctx context.Context, e sensor.Entry) error {
	if l.archive != nil {
		if err := l.archive.Record(e); err != nil {
			log.Printf("[ingest] archive: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()
	if err := l.store.Append(ctx, e); err != nil {
		storeErrorsTotal.Inc()
		log.Printf("[ingest] persist failed: %v", err)
		return err
	}
	return nil
}

func (l *Loop) connect(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.cfg.ConnectBackoff
	exp.MaxInterval = time.Minute
	exp.MaxElapsedTime = 0
	exp.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(l.cfg.ConnectAttempts-1)), ctx)

	attempt := 0
	var dev Device
	err := backoff.RetryNotify(func() error {
		attempt++
		d, err := l.dial(ctx)
		if err != nil {
			if errors.Is(err, link.ErrNoDevice) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		dev = d
		return nil
	}, bo, func(err error, next time.Duration) {
		log.Printf("[ingest] connect attempt %d/%d failed: %v (retry in %v)",
			attempt, l.cfg.ConnectAttempts, err, next)
	})
	if err != nil {
		log.Printf("[ingest] giving up on device: %v", err)
		return fmt.Errorf("ingest: connect: %w", err)
	}

	log.Printf("[ingest] device connected (attempt %d)", attempt)
	l.dev = dev
	l.readFailures = 0
	l.actuator.Attach(dev)
	connectedGauge.Set(1)
	return nil
}

func (l *Loop) disconnect() {
	if l.dev == nil {
		return
	}
	l.actuator.Detach()
	if err := l.dev.Close(); err != nil {
		log.Printf("[ingest] close: %v", err)
	}
	l.dev = nil
	connectedGauge.Set(0)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
