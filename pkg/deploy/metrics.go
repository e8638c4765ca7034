package deploy

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	botmetrics "github.com/deliverybot/deploybot/pkg/metrics"
)

const (
	labelResult = botmetrics.LabelResult

	resultDeployed      = "deployed"
	resultChecksPending = "checks_pending"
	resultLocked        = "locked"
	resultConfigError   = "config_error"
	resultFailed        = "failed"
)

var attempts = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "deploybot",
	Subsystem: "deploy",
	Name:      "attempts_total",
	Help:      "Deployments attempted, by result.",
}, []string{botmetrics.LabelResult})
