package events

import (
	"errors"
	"time"

	"github.com/MikeSquared-Agency/TraceFinder/internal/unmix"
)

type RunStartedEvent struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Mixed     string    `json:"mixed"`
	Factors   []string  `json:"factors"`
	Workers   int       `json:"workers"`
	Policy    string    `json:"policy"`
	Timestamp time.Time `json:"timestamp"`
}

type RunCompletedEvent struct {
	RunID      string        `json:"run_id"`
	Sources    []string      `json:"sources"`
	Summary    unmix.Summary `json:"summary"`
	DurationMs int64         `json:"duration_ms"`
	SinkErrors []string      `json:"sink_errors,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

type RunFailedEvent struct {
	RunID     string    `json:"run_id"`
	Error     string    `json:"error"`
	Factor    string    `json:"factor,omitempty"`
	Source    string    `json:"source,omitempty"`
	Specimen  string    `json:"specimen,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRunFailedEvent copies the offending identifiers out of err.
func NewRunFailedEvent(runID string, err error, now time.Time) RunFailedEvent {
	ev := RunFailedEvent{RunID: runID, Error: err.Error(), Timestamp: now}
	var ue *unmix.Error
	if errors.As(err, &ue) {
		ev.Factor = ue.Factor
		ev.Source = ue.Source
		ev.Specimen = ue.Specimen
	}
	return ev
}
