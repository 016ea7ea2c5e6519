package weather

import (
	"context"
	"log"
	"sync"
	"time"
)

// Fetcher is satisfied by *Client.
type Fetcher interface {
	Fetch(ctx context.Context) (Observation, error)
}

// Sink persists each fresh observation.
type Sink interface {
	AppendWeather(ctx context.Context, ts time.Time, temp, humidity float64) error
}

// Poller refreshes the cached observation on an interval. A failed refresh
// keeps the previous value.
type Poller struct {
	src      Fetcher
	sink     Sink
	interval time.Duration

	mu     sync.RWMutex
	latest Observation
	valid  bool
}

// NewPoller builds a Poller. sink may be nil.
func NewPoller(src Fetcher, sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{src: src, sink: sink, interval: interval}
}

// Latest returns the cached observation; ok is false until the first
// successful refresh.
func (p *Poller) Latest() (Observation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.valid
}

// Run refreshes immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[weather] refreshing every %v", p.interval)
	p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh performs one fetch and, on success, updates the cache and the
// sink.
func (p *Poller) Refresh(ctx context.Context) error {
	obs, err := p.src.Fetch(ctx)
	if err != nil {
		log.Printf("[weather] refresh failed, keeping previous value: %v", err)
		return err
	}

	p.mu.Lock()
	p.latest = obs
	p.valid = true
	p.mu.Unlock()
	log.Printf("[weather] temp=%.1f humidity=%.0f", obs.Temperature, obs.Humidity)

	if p.sink != nil {
		if err := p.sink.AppendWeather(ctx, obs.Updated, obs.Temperature, obs.Humidity); err != nil {
			log.Printf("[weather] persist failed: %v", err)
		}
	}
	return nil
}
