package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/dht-dash/internal/sensor"
	"github.com/shaunagostinho/dht-dash/internal/state"
	"github.com/shaunagostinho/dht-dash/internal/store"
	"github.com/shaunagostinho/dht-dash/internal/weather"
)

type fakeLogs struct {
	entries      []sensor.Entry
	weather      []store.WeatherRow
	err          error
	asked        int
	askedWeather int
}

func (f *fakeLogs) Recent(ctx context.Context, n int) ([]sensor.Entry, error) {
	f.asked = n
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.entries) {
		n = len(f.entries)
	}
	return f.entries[:n], nil
}

func (f *fakeLogs) RecentWeather(ctx context.Context, n int) ([]store.WeatherRow, error) {
	f.askedWeather = n
	if f.err != nil {
		return nil, f.err
	}
	return f.weather[:min(n, len(f.weather))], nil
}

type fakeCtl struct {
	mu        sync.Mutex
	cmds      []sensor.Command
	delivered bool
	err       error
	policy    sensor.Policy
}

func (f *fakeCtl) Override(ctx context.Context, cmd sensor.Command) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.delivered, f.err
}

func (f *fakeCtl) SetPolicy(p sensor.Policy) {
	f.mu.Lock()
	f.policy = p
	f.mu.Unlock()
}

type fakeWeather struct {
	obs weather.Observation
	ok  bool
}

func (f *fakeWeather) Latest() (weather.Observation, bool) { return f.obs, f.ok }

type fixture struct {
	cell *state.Cell
	logs *fakeLogs
	ctl  *fakeCtl
	wx   *fakeWeather
	srv  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	f := &fixture{
		cell: &state.Cell{},
		logs: &fakeLogs{},
		ctl:  &fakeCtl{delivered: true},
		wx:   &fakeWeather{},
	}
	f.srv = New(cfg, f.cell, f.logs, f.ctl, f.wx, nil)
	return f
}

func (f *fixture) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

var ts = time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)

func TestLatestNoData(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/latest", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if m := decode(t, rec); m["status"] != "no_data" || m["reading"] != nil {
		t.Errorf("body = %v", m)
	}
}

func TestLatest(t *testing.T) {
	f := newFixture(t)
	f.cell.Set(sensor.NewReading(sensor.Sample{Temperature: 27.5, Humidity: 70, DiscomfortIndex: 77.1}, ts), sensor.On)

	m := decode(t, f.do(http.MethodGet, "/api/latest", "", ""))
	if m["status"] != "ok" || m["command"] != "ON" {
		t.Fatalf("body = %v", m)
	}
	r := m["reading"].(map[string]interface{})
	if r["temp"] != 27.5 || r["humidity"] != 70.0 || r["discomfortIndex"] != 77.1 {
		t.Errorf("reading = %v", r)
	}
}

func TestLogsWindow(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"?n=5", 5},
		{"?n=0", 1},
		{"?n=-3", 1},
		{"?n=100000", 500},
		{"?n=abc", 20},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodGet, "/api/logs"+tt.query, "", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if f.logs.asked != tt.want {
				t.Errorf("asked for %d, want %d", f.logs.asked, tt.want)
			}
			if m := decode(t, rec); m["logs"] == nil {
				t.Errorf("logs must be an empty array, got %v", m)
			}
		})
	}
}

func TestLogsBody(t *testing.T) {
	f := newFixture(t)
	f.logs.entries = []sensor.Entry{
		{Temperature: 24, Humidity: 50, DiscomfortIndex: 70.2, ACStatus: "AC OFF", Timestamp: ts},
		{ACStatus: "AC ON", Timestamp: ts.Add(-time.Minute)},
	}
	m := decode(t, f.do(http.MethodGet, "/api/logs?n=2", "", ""))
	logs := m["logs"].([]interface{})
	if len(logs) != 2 {
		t.Fatalf("logs = %v", logs)
	}
	first := logs[0].(map[string]interface{})
	if first["ac_status"] != "AC OFF" || first["discomfort_index"] != 70.2 {
		t.Errorf("first = %v", first)
	}
}

func TestLogsStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.logs.err = fmt.Errorf("%w: connection refused", store.ErrStorage)
	rec := f.do(http.MethodGet, "/api/logs", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if m := decode(t, rec); m["error"] != "storage unavailable" {
		t.Errorf("body = %v", m)
	}
}

func TestManualOverride(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        sensor.Command
	}{
		{"form on", "application/x-www-form-urlencoded", "action=on", sensor.On},
		{"form off", "application/x-www-form-urlencoded", "action=OFF", sensor.Off},
		{"json", "application/json", `{"action":"on"}`, sensor.On},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/api/ac", tt.contentType, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
			}
			m := decode(t, rec)
			if m["status"] != "ok" || m["delivered"] != true {
				t.Errorf("body = %v", m)
			}
			if len(f.ctl.cmds) != 1 || f.ctl.cmds[0] != tt.want {
				t.Errorf("commands = %v", f.ctl.cmds)
			}
		})
	}
}

func TestManualOverrideRejects(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{"action=toggle", ""} {
		rec := f.do(http.MethodPost, "/api/ac", "application/x-www-form-urlencoded", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d", body, rec.Code)
		}
	}
	if rec := f.do(http.MethodPost, "/api/ac", "application/json", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/ac", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d", rec.Code)
	}
	if len(f.ctl.cmds) != 0 {
		t.Errorf("commands sent: %v", f.ctl.cmds)
	}
}

func TestManualOverrideUndelivered(t *testing.T) {
	f := newFixture(t)
	f.ctl.delivered = false
	m := decode(t, f.do(http.MethodPost, "/api/ac", "application/x-www-form-urlencoded", "action=on"))
	if m["delivered"] != false {
		t.Errorf("body = %v", m)
	}

	f.ctl.err = errors.New("db down")
	rec := f.do(http.MethodPost, "/api/ac", "application/x-www-form-urlencoded", "action=on")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWeather(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/weather", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if m := decode(t, rec); m["error"] != "no weather data available" {
		t.Errorf("body = %v", m)
	}

	f.wx.obs = weather.Observation{Temperature: 12.5, Humidity: 81, Updated: ts}
	f.wx.ok = true
	f.logs.weather = []store.WeatherRow{
		{Temperature: 12.5, Humidity: 81, Timestamp: ts},
		{Temperature: 11.0, Humidity: 85, Timestamp: ts.Add(-5 * time.Minute)},
	}
	rec = f.do(http.MethodGet, "/api/weather", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	m := decode(t, rec)
	cur, _ := m["current"].(map[string]interface{})
	if cur["temp"] != 12.5 || cur["humidity"] != 81.0 {
		t.Errorf("current = %v", m["current"])
	}
	recent, _ := m["recent"].([]interface{})
	if len(recent) != 2 {
		t.Fatalf("recent = %v", m["recent"])
	}
	if row := recent[1].(map[string]interface{}); row["temp"] != 11.0 || row["humidity"] != 85.0 {
		t.Errorf("recent[1] = %v", row)
	}
	if f.logs.askedWeather != defaultWeather {
		t.Errorf("default window = %d", f.logs.askedWeather)
	}
}

func TestWeatherWindow(t *testing.T) {
	f := newFixture(t)
	f.wx.ok = true
	for q, want := range map[string]int{"": defaultWeather, "?n=3": 3, "?n=0": 1, "?n=9999": maxWeather, "?n=x": defaultWeather} {
		if rec := f.do(http.MethodGet, "/api/weather"+q, "", ""); rec.Code != http.StatusOK {
			t.Fatalf("%q: status = %d", q, rec.Code)
		}
		if f.logs.askedWeather != want {
			t.Errorf("%q: asked %d, want %d", q, f.logs.askedWeather, want)
		}
	}
	m := decode(t, f.do(http.MethodGet, "/api/weather", "", ""))
	if recent, ok := m["recent"].([]interface{}); !ok || len(recent) != 0 {
		t.Errorf("empty history must encode as [], got %v", m["recent"])
	}
}

func TestWeatherStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.wx.obs = weather.Observation{Temperature: 12.5, Humidity: 81, Updated: ts}
	f.wx.ok = true
	f.logs.err = fmt.Errorf("query weather: %w", store.ErrStorage)
	rec := f.do(http.MethodGet, "/api/weather", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if m := decode(t, rec); m["error"] != "storage unavailable" {
		t.Errorf("body = %v", m)
	}
}

func TestWeatherDisabled(t *testing.T) {
	srv := New(DefaultConfig(), &state.Cell{}, &fakeLogs{}, &fakeCtl{}, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/weather", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestConfigGetRedacts(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg.Database.Password = "hunter2"
	rec := f.do(http.MethodGet, "/api/config", "", "")
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("password leaked: %s", rec.Body)
	}
	m := decode(t, rec)
	if m["database"].(map[string]interface{})["password"] != redacted {
		t.Errorf("database = %v", m["database"])
	}
}

func TestConfigUpdateThreshold(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/config", "application/json", `{"control":{"threshold":72.5}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if f.ctl.policy.Threshold != 72.5 {
		t.Errorf("policy = %+v", f.ctl.policy)
	}
	if f.srv.cfg.Threshold() != 72.5 {
		t.Errorf("config threshold = %v", f.srv.cfg.Threshold())
	}

	rec = f.do(http.MethodPost, "/api/config", "application/json", `{"database":{"host":"evil"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("read-only section: status = %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/config", "application/json", `{"control":{"threshold":0}}`)
	if rec.Code != http.StatusBadRequest || f.ctl.policy.Threshold != 72.5 {
		t.Errorf("zero threshold: status = %d policy = %+v", rec.Code, f.ctl.policy)
	}
}

func TestConfigConcurrentUpdatesAgree(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf(`{"control":{"threshold":%d}}`, 60+i)
			if rec := f.do(http.MethodPost, "/api/config", "application/json", body); rec.Code != http.StatusOK {
				t.Errorf("threshold %d: status = %d", 60+i, rec.Code)
			}
		}()
	}
	wg.Wait()

	f.ctl.mu.Lock()
	got := f.ctl.policy.Threshold
	f.ctl.mu.Unlock()
	if want := f.srv.cfg.Threshold(); got != want {
		t.Errorf("loop policy %v diverged from stored threshold %v", got, want)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestWebSocketPush(t *testing.T) {
	f := newFixture(t)
	f.srv.pushEvery = 5 * time.Millisecond
	f.cell.Set(sensor.NewReading(sensor.Sample{Temperature: 22, Humidity: 45, DiscomfortIndex: 68}, ts), sensor.Off)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.pushLoop(ctx)

	hs := httptest.NewServer(f.srv.Handler())
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Control == nil || first.Control.Threshold != 75 {
		t.Errorf("snapshot control = %+v", first.Control)
	}
	if first.Latest == nil || first.Latest.Reading.Temperature != 22 {
		t.Errorf("snapshot latest = %+v", first.Latest)
	}

	f.cell.Set(sensor.NewReading(sensor.Sample{Temperature: 29, Humidity: 75, DiscomfortIndex: 80}, ts.Add(2*time.Second)), sensor.On)
	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			t.Fatalf("read push: %v", err)
		}
		if fr.Latest != nil && fr.Latest.Seq == 2 {
			if fr.Latest.Command != sensor.On || fr.Latest.Reading.Temperature != 29 {
				t.Errorf("pushed = %+v", fr.Latest)
			}
			return
		}
	}
}
