package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// Run is one invocation of the pipeline over a batch of ideas.
type Run struct {
	ID         string                `json:"id"`
	Status     RunStatus             `json:"status"`
	Pins       map[Purpose]ConfigPin `json:"pins,omitempty"`
	Summary    RunSummary            `json:"summary"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// RunSummary holds per-stage counts for a run.
type RunSummary struct {
	Ideas  int                   `json:"ideas"`
	Stages map[Stage]StageCounts `json:"stages"`
}

// NewRunSummary returns a summary with a zero entry for every stage.
func NewRunSummary() RunSummary {
	s := RunSummary{Stages: make(map[Stage]StageCounts, len(Stages))}
	for _, st := range Stages {
		s.Stages[st] = StageCounts{}
	}
	return s
}

// Record tallies one stage outcome.
func (s *RunSummary) Record(stage Stage, status StageStatus) {
	if s.Stages == nil {
		s.Stages = make(map[Stage]StageCounts)
	}
	c := s.Stages[stage]
	c.Processed++
	switch status {
	case StageStatusCompleted:
		c.Succeeded++
	case StageStatusFailed:
		c.Failed++
	case StageStatusSkipped:
		c.Skipped++
	}
	s.Stages[stage] = c
}

// Merge adds the counts of other into s.
func (s *RunSummary) Merge(other RunSummary) {
	if s.Stages == nil {
		s.Stages = make(map[Stage]StageCounts)
	}
	s.Ideas += other.Ideas
	for st, oc := range other.Stages {
		c := s.Stages[st]
		c.Processed += oc.Processed
		c.Succeeded += oc.Succeeded
		c.Failed += oc.Failed
		c.Skipped += oc.Skipped
		s.Stages[st] = c
	}
}
