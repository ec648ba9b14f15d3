// Package monitor provides New Relic APM integration.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// Agent wraps the New Relic application. All Record methods are no-ops
// until Start connects, so callers never need nil checks.
type Agent struct {
	cfg *config.MonitorConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

func NewAgent(cfg *config.MonitorConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware).
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error on the transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds a transaction to the context.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets the transaction from the context.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordNonceSubmission records a nonce submission event.
func (a *Agent) RecordNonceSubmission(accountID, height, deadline uint64, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	a.RecordCustomEvent("NonceSubmission", map[string]interface{}{
		"accountId": accountID,
		"height":    height,
		"deadline":  deadline,
		"status":    status,
	})
}

// RecordBlockWon records a won block event.
func (a *Agent) RecordBlockWon(height, generatorID uint64, reward int64) {
	a.RecordCustomEvent("BlockWon", map[string]interface{}{
		"height":    height,
		"generator": generatorID,
		"reward":    reward,
	})
}

// RecordPayout records a payout transaction event.
func (a *Agent) RecordPayout(transactionID uint64, total int64, recipients int) {
	a.RecordCustomEvent("Payout", map[string]interface{}{
		"transactionId": transactionID,
		"total":         total,
		"recipients":    recipients,
	})
}

// UpdatePoolMetrics updates pool-wide metrics.
func (a *Agent) UpdatePoolMetrics(capacityTB float64, miners int) {
	a.RecordCustomMetric("Custom/Pool/CapacityTB", capacityTB)
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
}

// UpdateNetworkMetrics updates chain metrics from the latest mining info.
func (a *Agent) UpdateNetworkMetrics(height, baseTarget uint64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/BaseTarget", float64(baseTarget))
}
