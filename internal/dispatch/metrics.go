package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_searches_total",
		Help: "Driver searches by outcome (assigned, exhausted, cancelled, expired).",
	}, []string{"outcome"})

	offersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_total",
		Help: "Ride offers by result (accepted, declined, timeout, withdrawn).",
	}, []string{"result"})

	assignmentSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_assignment_duration_seconds",
		Help:    "Time from search start to driver assignment.",
		Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 180},
	})
)
