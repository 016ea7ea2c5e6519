package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaunagostinho/dht-dash/internal/archive"
	"github.com/shaunagostinho/dht-dash/internal/ingest"
	"github.com/shaunagostinho/dht-dash/internal/link"
	"github.com/shaunagostinho/dht-dash/internal/sensor"
	"github.com/shaunagostinho/dht-dash/internal/server"
	"github.com/shaunagostinho/dht-dash/internal/state"
	"github.com/shaunagostinho/dht-dash/internal/store"
	"github.com/shaunagostinho/dht-dash/internal/weather"
	"github.com/shaunagostinho/dht-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/dht-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated sensor board")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :5500)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] dht-dash starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Serial.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	db, err := connectStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("[main] database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("[main] schema: %v", err)
	}

	var rec ingest.Recorder
	if cfg.Archive.Enabled {
		arc := archive.New(archive.Config{Path: cfg.Archive.Path, MaxRows: cfg.Archive.MaxRows})
		defer arc.Close()
		rec = arc
	}

	cell := &state.Cell{}
	icfg := ingest.DefaultConfig()
	icfg.Policy = sensor.Policy{Threshold: cfg.Control.Threshold}
	icfg.ReadTimeout = cfg.Serial.ReadTimeout()
	icfg.RetryDelay = cfg.Ingest.RetryDelay()
	icfg.ConnectAttempts = cfg.Ingest.ConnectAttempts
	icfg.ReconnectAfter = cfg.Ingest.ReconnectAfter
	loop := ingest.New(icfg, dialer(cfg.Serial), db, rec, cell, ingest.NewActuator(0))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// A missing board ends ingestion only; history and overrides stay
		// available over HTTP.
		if err := loop.Run(ctx); err != nil {
			log.Printf("[main] ingestion stopped: %v", err)
		}
	}()

	var wx server.WeatherSource
	if cfg.Weather.APIKey != "" {
		poller := weather.NewPoller(weather.NewClient(weather.ClientConfig{
			URL:    cfg.Weather.URL,
			APIKey: cfg.Weather.APIKey,
			City:   cfg.Weather.City,
		}), db, cfg.Weather.Interval())
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
		wx = poller
	} else {
		log.Println("[main] no weather API key, outdoor conditions disabled")
	}

	srv := server.New(cfg, cell, db, loop, wx, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}
	wg.Wait()
	log.Println("[main] stopped")
}

// dialer builds the ingestion loop's connect function: an explicit path
// wins, then USB product discovery. Demo mode swaps in the simulator.
func dialer(sc server.SerialConfig) ingest.Dialer {
	var (
		loc    link.Locator
		opener link.Opener
		settle = sc.Settle()
	)
	if sc.Type == "demo" {
		sim := link.NewSimulator(2 * time.Second)
		loc = link.PathLocator("demo")
		opener = sim.Opener()
		settle = 0
	} else {
		var chain link.Chain
		if sc.PortPath != "" {
			chain = append(chain, link.PathLocator(sc.PortPath))
		}
		loc = append(chain, link.NewProductLocator(sc.Match))
	}

	return func(ctx context.Context) (ingest.Device, error) {
		t, err := link.Open(ctx, loc, link.Config{
			BaudRate: sc.BaudRate,
			Settle:   settle,
			Opener:   opener,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// connectStore retries the initial database connection so the service can
// start alongside its database container.
func connectStore(ctx context.Context, dc server.DatabaseConfig) (*store.Gateway, error) {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = time.Minute

	var gw *store.Gateway
	err := backoff.RetryNotify(func() error {
		g, err := store.Connect(ctx, dc.ConnectionString(), store.Pool{MaxOpen: dc.MaxOpen, MaxIdle: dc.MaxIdle})
		if err != nil {
			return err
		}
		gw = g
		return nil
	}, backoff.WithContext(exp, ctx), func(err error, next time.Duration) {
		log.Printf("[store] connect to %s:%d failed: %v (retry in %v)", dc.Host, dc.Port, err, next)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[store] connected to %s:%d/%s", dc.Host, dc.Port, dc.DBName)
	return gw, nil
}
