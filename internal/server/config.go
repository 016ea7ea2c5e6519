package server

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// redacted replaces secrets in API output.
const redacted = "********"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	// Sensor link
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Actuation policy (live-updatable over the API)
	Control ControlConfig `yaml:"control" json:"control"`

	// Ingestion loop pacing
	Ingest IngestConfig `yaml:"ingest" json:"ingest"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Weather  WeatherConfig  `yaml:"weather" json:"weather"`
	Archive  ArchiveConfig  `yaml:"archive" json:"archive"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Type          string   `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath      string   `yaml:"port_path" json:"portPath"` // empty = auto-discover
	BaudRate      int      `yaml:"baud_rate" json:"baudRate"`
	Match         []string `yaml:"match" json:"match"`        // USB product / port name substrings; empty = built-in list
	SettleMs      int      `yaml:"settle_ms" json:"settleMs"` // wait after open (board resets on DTR)
	ReadTimeoutMs int      `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type ControlConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"` // discomfort index at which the relay turns on
}

// validate rejects thresholds that would pin the relay on.
func (cc ControlConfig) validate() error {
	if math.IsNaN(cc.Threshold) || math.IsInf(cc.Threshold, 0) || cc.Threshold <= 0 {
		return fmt.Errorf("control.threshold must be a positive number, got %v", cc.Threshold)
	}
	return nil
}

type IngestConfig struct {
	RetryDelayMs    int `yaml:"retry_delay_ms" json:"retryDelayMs"`
	ConnectAttempts int `yaml:"connect_attempts" json:"connectAttempts"`
	ReconnectAfter  int `yaml:"reconnect_after" json:"reconnectAfter"` // consecutive read failures
}

type DatabaseConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	DBName   string `yaml:"dbname" json:"dbname"`
	SSLMode  string `yaml:"sslmode" json:"sslmode"`
	MaxOpen  int    `yaml:"max_open" json:"maxOpen"`
	MaxIdle  int    `yaml:"max_idle" json:"maxIdle"`
}

type WeatherConfig struct {
	APIKey      string `yaml:"api_key" json:"apiKey"`
	City        string `yaml:"city" json:"city"`
	URL         string `yaml:"url" json:"url"`
	IntervalSec int    `yaml:"interval_sec" json:"intervalSec"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"` // rows per CSV file before rotating
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Type:          "serial",
			BaudRate:      2400,
			SettleMs:      2000,
			ReadTimeoutMs: 2000,
		},
		Control: ControlConfig{
			Threshold: 75,
		},
		Ingest: IngestConfig{
			RetryDelayMs:    1000,
			ConnectAttempts: 10,
			ReconnectAfter:  5,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "weather_data",
			SSLMode: "disable",
			MaxOpen: 20,
			MaxIdle: 5,
		},
		Weather: WeatherConfig{
			City:        "Seoul",
			IntervalSec: 300,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "/var/log/dht-dash",
			MaxRows: 10000,
		},
		Server: ServerConfig{
			ListenAddr: ":5500",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD. Real environment wins.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(ep); err == nil {
			log.Printf("[config] loaded .env from %s", ep)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Control.validate(); err != nil {
		def := DefaultConfig().Control
		log.Printf("[config] %v, using default %v", err, def.Threshold)
		cfg.Control = def
	}
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_PORT, SERIAL_BAUD, DI_THRESHOLD, DB_HOST, DB_PORT,
// DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE, WEATHER_API_KEY, WEATHER_CITY,
// LISTEN_ADDR, ARCHIVE_ENABLED, ARCHIVE_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("DI_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Control.Threshold = f
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.Port = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("WEATHER_API_KEY"); v != "" {
		c.Weather.APIKey = v
	}
	if v := os.Getenv("WEATHER_CITY"); v != "" {
		c.Weather.City = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ARCHIVE_ENABLED"); v != "" {
		c.Archive.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}
}

// ConnectionString renders the lib/pq key/value DSN.
func (d DatabaseConfig) ConnectionString() string {
	parts := []string{
		"host=" + dsnQuote(d.Host),
		"port=" + strconv.Itoa(d.Port),
		"user=" + dsnQuote(d.User),
		"dbname=" + dsnQuote(d.DBName),
		"sslmode=" + dsnQuote(d.SSLMode),
	}
	if d.Password != "" {
		parts = append(parts, "password="+dsnQuote(d.Password))
	}
	return strings.Join(parts, " ")
}

func dsnQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s SerialConfig) Settle() time.Duration      { return ms(s.SettleMs) }
func (s SerialConfig) ReadTimeout() time.Duration { return ms(s.ReadTimeoutMs) }
func (i IngestConfig) RetryDelay() time.Duration  { return ms(i.RetryDelayMs) }
func (w WeatherConfig) Interval() time.Duration   { return time.Duration(w.IntervalSec) * time.Second }

// Threshold returns the live discomfort threshold.
func (c *Config) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Control.Threshold
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/dht-dash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ToJSON serializes config for the API with secrets masked.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	mask(m, "database", "password")
	mask(m, "weather", "apiKey")
	return json.Marshal(m)
}

func mask(m map[string]interface{}, section, key string) {
	sec, ok := m[section].(map[string]interface{})
	if !ok {
		return
	}
	if v, _ := sec[key].(string); v != "" {
		sec[key] = redacted
	}
}

// liveSections are the top-level keys UpdateFromJSON accepts. Everything
// else needs a restart.
var liveSections = map[string]bool{"control": true}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Only live sections may be
// patched. It returns the control section as applied.
func (c *Config) UpdateFromJSON(data []byte) (ControlConfig, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return ControlConfig{}, fmt.Errorf("unmarshal patch: %w", err)
	}
	for key := range patch {
		if !liveSections[key] {
			return ControlConfig{}, fmt.Errorf("section %q cannot be changed at runtime", key)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return ControlConfig{}, fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return ControlConfig{}, fmt.Errorf("unmarshal current config: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return ControlConfig{}, fmt.Errorf("marshal merged config: %w", err)
	}
	var next struct {
		Control ControlConfig `json:"control"`
	}
	if err := json.Unmarshal(merged, &next); err != nil {
		return ControlConfig{}, fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.Control.validate(); err != nil {
		return ControlConfig{}, err
	}
	c.Control = next.Control
	return c.Control, nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
