// Package monitoring summarizes pipeline health from recent runs and model
// circuit breakers, and raises alerts when failure rates cross thresholds.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/store"
)

// StageHealth aggregates one stage's outcomes across the lookback window.
type StageHealth struct {
	Processed int     `json:"processed"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	FailRate  float64 `json:"fail_rate"`
}

// Snapshot is a point-in-time view of pipeline health.
type Snapshot struct {
	Runs         int                         `json:"runs"`
	RunsComplete int                         `json:"runs_complete"`
	RunsFailed   int                         `json:"runs_failed"`
	RunsCanceled int                         `json:"runs_canceled"`
	RunsRunning  int                         `json:"runs_running"`
	Ideas        int                         `json:"ideas"`
	Stages       map[model.Stage]StageHealth `json:"stages"`
	OpenBreakers []string                    `json:"open_breakers,omitempty"`

	LookbackRuns int       `json:"lookback_runs"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RunLister lists recent runs, newest first.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// BreakerReporter exposes circuit breaker states keyed by configuration.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Collector gathers health metrics from the store and the gateway.
type Collector struct {
	runs     RunLister
	breakers BreakerReporter
}

// NewCollector creates a Collector. breakers may be nil.
func NewCollector(runs RunLister, breakers BreakerReporter) *Collector {
	return &Collector{runs: runs, breakers: breakers}
}

// Collect summarizes the most recent lookback runs.
func (c *Collector) Collect(ctx context.Context, lookback int) (*Snapshot, error) {
	if lookback <= 0 {
		lookback = 20
	}
	snap := &Snapshot{
		Stages:       make(map[model.Stage]StageHealth, len(model.Stages)),
		LookbackRuns: lookback,
		CollectedAt:  time.Now().UTC(),
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: lookback})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	total := model.NewRunSummary()
	snap.Runs = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCanceled:
			snap.RunsCanceled++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		total.Merge(r.Summary)
	}
	snap.Ideas = total.Ideas

	for _, stage := range model.Stages {
		counts := total.Stages[stage]
		h := StageHealth{
			Processed: counts.Processed,
			Succeeded: counts.Succeeded,
			Failed:    counts.Failed,
			Skipped:   counts.Skipped,
		}
		if counts.Processed > 0 {
			h.FailRate = float64(counts.Failed) / float64(counts.Processed)
		}
		snap.Stages[stage] = h
	}

	if c.breakers != nil {
		for key, state := range c.breakers.BreakerStates() {
			if state == "open" {
				snap.OpenBreakers = append(snap.OpenBreakers, key)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	return snap, nil
}
