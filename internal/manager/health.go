package manager

import (
	"context"
	"strings"

	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
)

const checkPrefix = "poller:"

func checkName(contract string) string { return checkPrefix + contract }

// Health returns the latest poller check results keyed by contract.
func (m *Manager) Health() map[string]faulttolerance.HealthCheck {
	out := make(map[string]faulttolerance.HealthCheck)
	for name, check := range m.health.GetHealth() {
		if contract, ok := strings.CutPrefix(name, checkPrefix); ok {
			out[contract] = check
		}
	}
	return out
}

// OverallHealth is healthy when every poller is, unhealthy when none is and
// degraded in between.
func (m *Manager) OverallHealth() faulttolerance.HealthStatus {
	return m.health.GetOverallHealth()
}

// CheckHealth runs one round of poller checks now.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.health.RunOnce(ctx)
}

// onHealthCycle reconnects pollers that stayed unhealthy past the grace
// period and raises a cluster alert when fewer than half are healthy.
func (m *Manager) onHealthCycle(results map[string]faulttolerance.HealthCheck) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()

	now := m.now()
	grace := m.cfg.Manager.UnhealthyGrace

	tracked, healthy := 0, 0
	for name, check := range results {
		contract, ok := strings.CutPrefix(name, checkPrefix)
		if !ok {
			continue
		}
		tracked++
		if check.Status == faulttolerance.HealthStatusHealthy {
			healthy++
			delete(m.reconnectedAt, contract)
			continue
		}
		if check.UnhealthySince.IsZero() || now.Sub(check.UnhealthySince) < grace {
			continue
		}
		if last, ok := m.reconnectedAt[contract]; ok && now.Sub(last) < grace {
			continue
		}
		m.reconnectedAt[contract] = now
		m.reconnect(contract)
	}

	if tracked == 0 {
		m.degraded = false
		return
	}
	considered := min(tracked, m.Ceiling())
	if 2*healthy < considered {
		if !m.degraded {
			m.degraded = true
			m.raiseDegraded(healthy, tracked)
		}
		return
	}
	if m.degraded {
		m.logger.Infof("Poller health recovered: %d/%d healthy", healthy, tracked)
	}
	m.degraded = false
}

func (m *Manager) reconnect(contract string) {
	m.mu.RLock()
	ex, ok := m.exchanges[contract]
	m.mu.RUnlock()
	if !ok {
		return
	}

	log := m.logger.WithField("contract", contract)
	ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.Manager.PingTimeout)
	defer cancel()

	client, endpoint, err := m.pool.Next(ctx)
	if err != nil {
		log.Errorf("No endpoint to reconnect poller: %v", err)
		return
	}
	if err := ex.poller.Reconnect(m.runCtx, client); err != nil {
		log.Errorf("Reconnect poller: %v", err)
		return
	}
	log.Warnf("Unhealthy poller moved to %s", endpoint)
}

func (m *Manager) raiseDegraded(healthy, tracked int) {
	err := m.alerts.Raise(m.runCtx, models.AlertClusterDegraded, models.SeverityCritical, map[string]any{
		"shard":   m.cfg.ShardIndex,
		"healthy": healthy,
		"tracked": tracked,
	})
	if err != nil {
		m.logger.Errorf("Raise degraded alert: %v", err)
	}
}
