// Package store is the PostgreSQL persistence gateway for sensor and
// weather history.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/shaunagostinho/dht-dash/internal/sensor"
)

// ErrStorage wraps every connectivity, constraint and query failure.
var ErrStorage = errors.New("store: storage error")

//go:embed migrations/*.sql
var migrations embed.FS

// Pool sizing for Connect.
type Pool struct {
	MaxOpen int
	MaxIdle int
}

// Gateway appends log rows and answers recent-window queries. Every
// operation borrows one pooled connection and returns it on all paths.
type Gateway struct {
	db *sql.DB
}

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, dsn string, pool Pool) (*Gateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorage, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStorage, err)
	}

	if pool.MaxOpen <= 0 {
		pool.MaxOpen = 20
	}
	if pool.MaxIdle <= 0 {
		pool.MaxIdle = 5
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)

	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

func (g *Gateway) Close() error {
	return g.db.Close()
}

// EnsureSchema runs the embedded migrations in name order. Every migration
// is idempotent, so this is safe on each startup.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = g.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, string(body))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		log.Printf("[store] migration %s applied", name)
	}
	return nil
}

// Append inserts one sensor_log row.
func (g *Gateway) Append(ctx context.Context, e sensor.Entry) error {
	const query = `
		INSERT INTO sensor_log (timestamp, temp, humidity, discomfort_index, ac_status)
		VALUES ($1, $2, $3, $4, $5)
	`
	return g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, e.Timestamp, e.Temperature, e.Humidity, e.DiscomfortIndex, e.ACStatus)
		return err
	})
}

// Recent returns up to n rows, newest first.
func (g *Gateway) Recent(ctx context.Context, n int) ([]sensor.Entry, error) {
	const query = `
		SELECT temp, humidity, discomfort_index, ac_status, timestamp
		FROM sensor_log
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`
	entries := []sensor.Entry{}
	if n <= 0 {
		return entries, nil
	}

	err := g.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, n)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e      sensor.Entry
				di     sql.NullFloat64
				status sql.NullString
			)
			if err := rows.Scan(&e.Temperature, &e.Humidity, &di, &status, &e.Timestamp); err != nil {
				return err
			}
			e.DiscomfortIndex = di.Float64
			e.ACStatus = status.String
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AppendWeather records one outdoor observation.
func (g *Gateway) AppendWeather(ctx context.Context, ts time.Time, temp, humidity float64) error {
	const query = `
		INSERT INTO weather_data (timestamp, temperature, humidity)
		VALUES ($1, $2, $3)
	`
	return g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, ts, temp, humidity)
		return err
	})
}

// WeatherRow is one weather_data row.
type WeatherRow struct {
	Temperature float64   `json:"temp"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecentWeather returns up to n weather rows, newest first.
func (g *Gateway) RecentWeather(ctx context.Context, n int) ([]WeatherRow, error) {
	const query = `
		SELECT timestamp, temperature, humidity
		FROM weather_data
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`
	out := []WeatherRow{}
	if n <= 0 {
		return out, nil
	}

	err := g.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, n)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var w WeatherRow
			if err := rows.Scan(&w.Timestamp, &w.Temperature, &w.Humidity); err != nil {
				return err
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withConn borrows a connection for the duration of fn.
func (g *Gateway) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", ErrStorage, err)
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// withTx runs fn in a transaction on a borrowed connection. The
// transaction is rolled back unless fn succeeds and the commit goes through.
func (g *Gateway) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return g.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
