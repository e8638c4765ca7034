package bus

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	botmetrics "github.com/deliverybot/deploybot/pkg/metrics"
)

const labelEvent = botmetrics.LabelEvent

var (
	redeliveries = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "deploybot",
		Subsystem: "bus",
		Name:      "redeliveries_total",
		Help:      "Events published again after their handler failed.",
	}, []string{botmetrics.LabelEvent})

	deadLetters = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "deploybot",
		Subsystem: "bus",
		Name:      "dead_letters_total",
		Help:      "Events dropped after exhausting their redeliveries.",
	}, []string{botmetrics.LabelEvent})

	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "deploybot",
		Subsystem: "bus",
		Name:      "queue_length_count",
		Help:      "Count of events waiting in the local queue.",
	}, []string{})
)
