package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/dht-dash/internal/sensor"
	"github.com/shaunagostinho/dht-dash/internal/state"
	"github.com/shaunagostinho/dht-dash/internal/store"
	"github.com/shaunagostinho/dht-dash/internal/weather"
)

// Recent-window bounds for /api/logs and /api/weather.
const (
	defaultLogs    = 20
	maxLogs        = 500
	defaultWeather = 5
	maxWeather     = 50
)

// LatestSource is the shared latest-state cell.
type LatestSource interface {
	Get() (state.Latest, bool)
}

// HistorySource returns the newest n persisted sensor and weather rows.
type HistorySource interface {
	Recent(ctx context.Context, n int) ([]sensor.Entry, error)
	RecentWeather(ctx context.Context, n int) ([]store.WeatherRow, error)
}

// Controller accepts manual relay commands and policy changes.
type Controller interface {
	Override(ctx context.Context, cmd sensor.Command) (delivered bool, err error)
	SetPolicy(p sensor.Policy)
}

// WeatherSource is the cached outdoor observation.
type WeatherSource interface {
	Latest() (weather.Observation, bool)
}

// Server exposes the query path over HTTP and pushes state changes to
// WebSocket clients. It never touches the serial link directly.
type Server struct {
	cfg     *Config
	latest  LatestSource
	history HistorySource
	ctl     Controller
	weather WeatherSource
	webFS   fs.FS

	// applyMu orders config updates with the policy they push to the loop.
	applyMu sync.Mutex

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	pushEvery time.Duration
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Latest  *state.Latest        `json:"latest,omitempty"`
	Weather *weather.Observation `json:"weather,omitempty"`
	Control *ControlConfig       `json:"control,omitempty"`
	Stamp   int64                `json:"stamp"` // Unix ms
}

// New creates a Server. weather may be nil when no API key is configured.
func New(cfg *Config, latest LatestSource, history HistorySource, ctl Controller, wx WeatherSource, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		latest:  latest,
		history: history,
		ctl:     ctl,
		weather: wx,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pushEvery: 250 * time.Millisecond,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/ac", s.handleAC)
	mux.HandleFunc("/api/weather", s.handleWeather)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run starts the HTTP server and the push loop. It returns nil after ctx
// is cancelled and the server has drained.
func (s *Server) Run(ctx context.Context) error {
	go s.pushLoop(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial snapshot goes first so a new dashboard does not wait for the
	// next change.
	if data, err := json.Marshal(s.snapshot(true)); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients never send commands here)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// snapshot builds a frame from current state. withControl adds the live
// threshold.
func (s *Server) snapshot(withControl bool) Frame {
	f := Frame{Stamp: time.Now().UnixMilli()}
	if l, ok := s.latest.Get(); ok {
		f.Latest = &l
	}
	if s.weather != nil {
		if obs, ok := s.weather.Latest(); ok {
			f.Weather = &obs
		}
	}
	if withControl {
		f.Control = &ControlConfig{Threshold: s.cfg.Threshold()}
	}
	return f
}

// pushLoop watches the latest-state cell and the weather cache and
// broadcasts whenever either changes.
func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pushEvery)
	defer ticker.Stop()

	var (
		lastSeq uint64
		lastWx  time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := s.snapshot(false)
			changed := false
			if f.Latest != nil && f.Latest.Seq != lastSeq {
				lastSeq = f.Latest.Seq
				changed = true
			}
			if f.Weather != nil && !f.Weather.Updated.Equal(lastWx) {
				lastWx = f.Weather.Updated
				changed = true
			}
			if changed {
				s.broadcast(f)
			}
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

type latestResponse struct {
	Status  string          `json:"status"`
	Reading *sensor.Reading `json:"reading,omitempty"`
	Command *sensor.Command `json:"command,omitempty"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	l, ok := s.latest.Get()
	if !ok {
		writeJSON(w, http.StatusOK, latestResponse{Status: "no_data"})
		return
	}
	writeJSON(w, http.StatusOK, latestResponse{Status: "ok", Reading: &l.Reading, Command: &l.Command})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := window(r.URL.Query().Get("n"), defaultLogs, maxLogs)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entries, err := s.history.Recent(ctx, n)
	if err != nil {
		log.Printf("[server] recent logs: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}
	if entries == nil {
		entries = []sensor.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

// window parses n, falling back to def and clamping to [1, limit].
func window(raw string, def, limit int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return min(max(n, 1), limit)
}

func (s *Server) handleAC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action, err := readAction(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cmd, err := sensor.ParseCommand(action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be on or off"})
		return
	}

	delivered, err := s.ctl.Override(r.Context(), cmd)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     "storage unavailable",
			"delivered": delivered,
		})
		return
	}
	log.Printf("[server] manual override %s (delivered=%v)", cmd, delivered)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "delivered": delivered})
}

// readAction accepts a JSON body {"action":"on"} or a form field.
func readAction(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
			return "", errors.New("invalid JSON body")
		}
		return body.Action, nil
	}
	return r.FormValue("action"), nil
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		obs weather.Observation
		ok  bool
	)
	if s.weather != nil {
		obs, ok = s.weather.Latest()
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no weather data available"})
		return
	}

	n := window(r.URL.Query().Get("n"), defaultWeather, maxWeather)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	recent, err := s.history.RecentWeather(ctx, n)
	if err != nil {
		log.Printf("[server] recent weather: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}
	if recent == nil {
		recent = []store.WeatherRow{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"current": obs, "recent": recent})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.applyMu.Lock()
		applied, err := s.cfg.UpdateFromJSON(body)
		if err != nil {
			s.applyMu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.ctl.SetPolicy(sensor.Policy{Threshold: applied.Threshold})
		s.applyMu.Unlock()

		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.broadcast(Frame{Control: &applied, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
