package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/config"
)

// Checker runs periodic health checks in the background. Each check is
// recorded on the collector's metrics, and alert types that stop firing are
// logged as resolved.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, evaluates it and sends any alerts. It returns
// the alerts that fired.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	m := c.collector.metrics

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		if m != nil {
			m.ObserveCheck(CheckFailed, time.Now())
		}
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	for _, t := range c.transition(alerts) {
		log.Info("monitoring: alert resolved", zap.String("type", string(t)))
	}
	if m != nil {
		m.ObserveAlerts(alerts)
	}

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		if m != nil {
			m.ObserveCheck(CheckHealthy, snap.CollectedAt)
		}
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	if m != nil {
		m.ObserveCheck(CheckAlerting, snap.CollectedAt)
		if c.cfg.WebhookURL != "" {
			m.ObserveDeliveries(sent, len(alerts)-sent)
		}
	}
	log.Info("monitoring: health check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

// transition records which alert types are firing now and returns the ones
// that fired on the previous check but not this one.
func (c *Checker) transition(alerts []Alert) []AlertType {
	now := make(map[AlertType]bool, len(alerts))
	for _, a := range alerts {
		now[a.Type] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var resolved []AlertType
	for _, t := range alertTypes {
		if c.firing[t] && !now[t] {
			resolved = append(resolved, t)
		}
	}
	c.firing = now
	return resolved
}
