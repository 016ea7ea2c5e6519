package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtdash",
		Name:      "frames_total",
		Help:      "Ingestion loop iterations by outcome.",
	}, []string{"outcome"})

	actuationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtdash",
		Name:      "actuations_total",
		Help:      "Relay commands sent to the device.",
	}, []string{"command", "source", "result"})

	storeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtdash",
		Name:      "store_errors_total",
		Help:      "Failed sensor_log appends.",
	})

	readingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dhtdash",
		Name:      "reading",
		Help:      "Most recent accepted reading.",
	}, []string{"field"})

	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dhtdash",
		Name:      "device_connected",
		Help:      "1 while the serial device is open.",
	})
)
