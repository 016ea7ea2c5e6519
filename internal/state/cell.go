// Package state holds the most recent accepted reading for readers that
// must not touch the serial link.
package state

import (
	"sync"

	"github.com/shaunagostinho/dht-dash/internal/sensor"
)

// Latest is an accepted reading paired with the command derived from it.
type Latest struct {
	Reading sensor.Reading `json:"reading"`
	Command sensor.Command `json:"command"`
	// Seq increases by one on every Set; readers use it to detect change.
	Seq uint64 `json:"seq"`
}

// Cell is a single-slot, mutex-guarded holder of Latest. The lock is only
// held for a value copy.
type Cell struct {
	mu    sync.RWMutex
	cur   Latest
	valid bool
}

// Set publishes a new reading and command.
func (c *Cell) Set(r sensor.Reading, cmd sensor.Command) {
	c.mu.Lock()
	c.cur = Latest{Reading: r, Command: cmd, Seq: c.cur.Seq + 1}
	c.valid = true
	c.mu.Unlock()
}

// Get returns a copy of the current value. ok is false until the first Set.
func (c *Cell) Get() (Latest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur, c.valid
}
