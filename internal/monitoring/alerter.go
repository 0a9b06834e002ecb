package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/config"
	"github.com/sells-group/chainsync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

// Alert types.
const (
	AlertEndpointErrorRate AlertType = "endpoint_error_rate"
	AlertAllBreakersOpen   AlertType = "all_breakers_open"
	AlertDeadLetters       AlertType = "dead_letters"
)

var alertTypes = []AlertType{AlertEndpointErrorRate, AlertAllBreakersOpen, AlertDeadLetters}

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("webhook", "send_alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Per-endpoint error rate, once enough traffic has been seen.
	if a.cfg.ErrorRateThreshold > 0 {
		for _, ep := range snap.Endpoints {
			if ep.TotalRequests < a.cfg.MinRequests || ep.ErrorRate <= a.cfg.ErrorRateThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertEndpointErrorRate,
				Severity: "warning",
				Message: fmt.Sprintf(
					"Endpoint %s error rate %.1f%% exceeds threshold %.1f%% (%d errors / %d requests)",
					ep.URL, ep.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
					ep.TotalErrors, ep.TotalRequests,
				),
				Details: map[string]any{
					"endpoint":      ep.URL,
					"error_rate":    ep.ErrorRate,
					"threshold":     a.cfg.ErrorRateThreshold,
					"breaker_state": ep.BreakerState,
				},
				Timestamp: now,
			})
		}
	}

	if len(snap.Endpoints) > 0 && snap.OpenBreakers == len(snap.Endpoints) {
		alerts = append(alerts, Alert{
			Type:     AlertAllBreakersOpen,
			Severity: "high",
			Message:  fmt.Sprintf("All %d RPC endpoints have open circuit breakers", len(snap.Endpoints)),
			Details: map[string]any{
				"endpoints": len(snap.Endpoints),
			},
			Timestamp: now,
		})
	}

	if snap.Queue != nil && a.cfg.DeadLetterThreshold > 0 && snap.Queue.Dead >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetters,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d dead-lettered jobs (threshold %d)",
				snap.Queue.Dead, a.cfg.DeadLetterThreshold,
			),
			Details: map[string]any{
				"dead":      snap.Queue.Dead,
				"pending":   snap.Queue.Pending,
				"threshold": a.cfg.DeadLetterThreshold,
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
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
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
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return &resilience.ClassifiedError{
			Kind:       resilience.KindForHTTPStatus(resp.StatusCode),
			Err:        eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}
