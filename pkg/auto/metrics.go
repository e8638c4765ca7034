package auto

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	botmetrics "github.com/deliverybot/deploybot/pkg/metrics"
)

const (
	labelOutcome = botmetrics.LabelOutcome

	outcomeDeployed        = "deployed"
	outcomeStale           = "stale"
	outcomeAlreadyDeployed = "already_deployed"
	outcomeChecksPending   = "checks_pending"
	outcomeLocked          = "locked"
	outcomeConfigError     = "config_error"
	outcomeFailed          = "failed"
)

var (
	watchesAdded = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "deploybot",
		Subsystem: "auto",
		Name:      "watches_added_total",
		Help:      "Watches added for refs matching an auto_deploy_on pattern.",
	}, []string{})

	watchOutcomes = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "deploybot",
		Subsystem: "auto",
		Name:      "watch_outcomes_total",
		Help:      "Results of processing a watch, by outcome.",
	}, []string{botmetrics.LabelOutcome})
)
