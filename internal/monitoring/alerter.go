package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/config"
	"github.com/sells-group/idea-eval/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStageFailureRate AlertType = "stage_failure_rate"
	AlertRunFailed        AlertType = "run_failed"
	AlertBreakerOpen      AlertType = "breaker_open"
)

// minProcessed is the sample size below which failure rates are not alerted.
const minProcessed = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, stage := range model.Stages {
		h := snap.Stages[stage]
		if h.Processed < minProcessed || h.FailRate <= a.cfg.FailureRateThreshold {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertStageFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"%s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %d runs)",
				stage, h.FailRate*100, a.cfg.FailureRateThreshold*100,
				h.Failed, h.Processed, snap.LookbackRuns,
			),
			Details: map[string]any{
				"stage":        string(stage),
				"failure_rate": h.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       h.Failed,
				"processed":    h.Processed,
			},
			Timestamp: now,
		})
	}

	if snap.RunsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("%d run(s) aborted in last %d runs", snap.RunsFailed, snap.LookbackRuns),
			Details: map[string]any{
				"failed": snap.RunsFailed,
				"runs":   snap.Runs,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "medium",
			Message:  fmt.Sprintf("circuit open for %s", strings.Join(snap.OpenBreakers, ", ")),
			Details: map[string]any{
				"configs": snap.OpenBreakers,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
