package metrics

/*
Labels and so on for metrics used in deploybot.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for auto deploy metrics
	LabelOutcome = "outcome"
	LabelEvent   = "event"
	LabelBackend = "backend"
	LabelResult  = "result"
)
