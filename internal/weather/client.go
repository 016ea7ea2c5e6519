// Package weather fetches current outdoor conditions from OpenWeatherMap
// and keeps the most recent result for the dashboard.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUpstream wraps every failure to obtain a usable observation.
var ErrUpstream = errors.New("weather: upstream unavailable")

// DefaultURL is the current-conditions endpoint.
const DefaultURL = "https://api.openweathermap.org/data/2.5/weather"

// Observation is one outdoor temperature/humidity sample.
type Observation struct {
	Temperature float64   `json:"temp"`
	Humidity    float64   `json:"humidity"`
	Updated     time.Time `json:"updated"`
}

type owmResp struct {
	Main *struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
}

// Client calls the current-weather API through a circuit breaker so a dead
// upstream is not hammered every refresh.
type Client struct {
	baseURL string
	apiKey  string
	city    string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	now     func() time.Time
}

// ClientConfig describes the upstream.
type ClientConfig struct {
	URL     string
	APIKey  string
	City    string
	Timeout time.Duration
	// TripAfter consecutive failures opens the breaker for OpenFor.
	TripAfter uint32
	OpenFor   time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 15 * time.Minute
	}
	trip := cfg.TripAfter
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		city:    cfg.City,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "openweathermap",
			Timeout: cfg.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= trip
			},
		}),
		now: time.Now,
	}
}

// Fetch returns the current observation for the configured city.
func (c *Client) Fetch(ctx context.Context) (Observation, error) {
	if c.apiKey == "" {
		return Observation{}, fmt.Errorf("%w: missing api key", ErrUpstream)
	}
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrUpstream) {
			return Observation{}, err
		}
		return Observation{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return res.(Observation), nil
}

func (c *Client) fetch(ctx context.Context) (Observation, error) {
	q := url.Values{}
	q.Set("q", c.city)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Observation{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, b)
	}
	var out owmResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Observation{}, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if out.Main == nil {
		return Observation{}, fmt.Errorf("%w: response has no main block", ErrUpstream)
	}
	return Observation{
		Temperature: out.Main.Temp,
		Humidity:    out.Main.Humidity,
		Updated:     c.now(),
	}, nil
}
