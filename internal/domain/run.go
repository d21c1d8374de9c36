package domain

import "time"

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeSynthetic Outcome = "synthetic"
	OutcomeFailed    Outcome = "failed"
)

// RunReport summarizes one pipeline run. It is returned to callers, served by
// the HTTP trigger, and published as the run outcome event.
type RunReport struct {
	RunID           string           `json:"run_id"`
	Outcome         Outcome          `json:"outcome"`
	Stage           Stage            `json:"stage"`
	FailedStage     Stage            `json:"failed_stage,omitempty"`
	SourceFile      string           `json:"source_file,omitempty"`
	Window          string           `json:"window,omitempty"`
	PrecipitationMM *float64         `json:"precipitation_mm,omitempty"`
	IsFallback      bool             `json:"isFallback"`
	Synthetic       bool             `json:"synthetic"`
	Pixel           *PixelCoordinate `json:"pixel,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// Succeeded reports whether the run counts as a success for exit codes and
// HTTP status. Synthetic runs succeed.
func (r RunReport) Succeeded() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeSynthetic
}
