package quotagate

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnSelect is called after every selection attempt.
	OnSelect(event SelectEvent)

	// OnResult is called when a dispatch reaches its outcome. For streams
	// this is when the stream ends, not when headers arrive.
	OnResult(event ResultEvent)

	// OnRelease is called after each capacity release.
	OnRelease(event ReleaseEvent)
}

// SelectOutcome classifies a selection attempt.
type SelectOutcome string

const (
	SelectChosen    SelectOutcome = "selected"
	SelectExhausted SelectOutcome = "exhausted"
	SelectTimeout   SelectOutcome = "timeout"
	SelectError     SelectOutcome = "error"
)

// SelectEvent describes a selection attempt.
type SelectEvent struct {
	Route     string
	RequestID string
	Outcome   SelectOutcome
	Decision  Decision // zero unless Outcome is SelectChosen
	Duration  time.Duration
	Error     error
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	Route      string
	Provider   string
	ProfileID  string
	RequestID  string
	Stream     bool
	StatusCode int
	Duration   time.Duration
	Error      error
}

// ReleaseEvent describes one capacity release.
type ReleaseEvent struct {
	Route     string
	Provider  string
	ProfileID string
	RequestID string
	Error     error
}
