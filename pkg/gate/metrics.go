package gate

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	botmetrics "github.com/deliverybot/deploybot/pkg/metrics"
)

const labelBackend = botmetrics.LabelBackend

var waitDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "deploybot",
	Subsystem: "gate",
	Name:      "wait_duration_seconds",
	Help:      "Time spent waiting to hold a key, in seconds.",
	Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
}, []string{botmetrics.LabelBackend})
