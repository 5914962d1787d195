package domain

import "time"

// StageID names one step of the generation pipeline.
type StageID string

const (
	StageArtwork    StageID = "artwork"
	StagePoetry     StageID = "poetry"
	StageRefinement StageID = "refinement"
	StageAssembly   StageID = "assembly"
)

// Stages is the fixed execution order of the pipeline.
var Stages = []StageID{StageArtwork, StagePoetry, StageRefinement, StageAssembly}

// StageStatus enumerates the lifecycle of a single stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageError      StageStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// PreviewHint is rendered by the UI only and never drives control flow.
type PreviewHint struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Title   string `json:"title"`
}

// StageState tracks one stage of one GenerationRequest.
type StageState struct {
	ID         StageID      `json:"stage"`
	Status     StageStatus  `json:"status"`
	Result     any          `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Preview    *PreviewHint `json:"preview,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Outcome summarizes a run for callers.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSubmitted means assembly was accepted asynchronously and the run
	// is waiting for the provider webhook.
	OutcomeSubmitted Outcome = "submitted"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

// Snapshot is a copy of a run's state safe to hand to observers.
type Snapshot struct {
	Request     GenerationRequest `json:"request"`
	Stages      []StageState      `json:"stages"`
	Outcome     Outcome           `json:"outcome"`
	DownloadURL string            `json:"download_url,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Stage returns the state of the given stage, if present.
func (s Snapshot) Stage(id StageID) (StageState, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return StageState{}, false
}
