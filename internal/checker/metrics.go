package checker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_competitor_checks_total",
		Help: "Competitor checks by outcome status",
	}, []string{"status"})

	priceChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_price_changes_total",
		Help: "Detected price changes by direction",
	}, []string{"direction"})

	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricewatch_competitor_check_duration_seconds",
		Help:    "Duration of a full fetch, extract and persist cycle",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})
)
