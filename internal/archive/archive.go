// Package archive mirrors every persisted log entry to rotating CSV files,
// so history survives a database outage.
package archive

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/dht-dash/internal/sensor"
)

// Archive appends entries to CSV files with automatic rotation.
type Archive struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds archive configuration.
type Config struct {
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 50_000 // ~1 day at one frame per 2 s

var csvHeader = []string{"timestamp", "temp_c", "humidity_pct", "discomfort_index", "ac_status"}

// New creates an Archive. Files are created lazily on the first Record.
func New(cfg Config) *Archive {
	if cfg.Path == "" {
		cfg.Path = "/var/log/dht-dash"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Archive{dir: cfg.Path, maxRows: cfg.MaxRows, now: time.Now}
}

// Record appends one entry, rotating the file when it is full.
func (a *Archive) Record(e sensor.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil || a.rows >= a.maxRows {
		if err := a.rotateFile(a.now()); err != nil {
			return fmt.Errorf("archive: rotate: %w", err)
		}
	}

	if err := a.writer.Write(buildRow(e)); err != nil {
		return fmt.Errorf("archive: write: %w", err)
	}
	a.writer.Flush()
	a.rows++
	return a.writer.Error()
}

// Close flushes and closes the current file.
func (a *Archive) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeFile()
}

func (a *Archive) rotateFile(now time.Time) error {
	a.closeFile()

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", a.dir, err)
	}

	filename := fmt.Sprintf("sensor_log_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(a.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	a.file = f
	a.writer = csv.NewWriter(f)
	a.rows = 0

	if err := a.writer.Write(csvHeader); err != nil {
		return err
	}
	a.writer.Flush()

	log.Printf("[archive] opened %s", path)
	return nil
}

func (a *Archive) closeFile() {
	if a.writer != nil {
		a.writer.Flush()
		a.writer = nil
	}
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}

func buildRow(e sensor.Entry) []string {
	return []string{
		e.Timestamp.Format(time.RFC3339Nano),
		strconv.FormatFloat(e.Temperature, 'f', -1, 64),
		strconv.FormatFloat(e.Humidity, 'f', -1, 64),
		strconv.FormatFloat(e.DiscomfortIndex, 'f', -1, 64),
		e.ACStatus,
	}
}
