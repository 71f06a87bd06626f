package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/internal/storage"
)

// policyTTL bounds how long a cached policy is trusted before the database
// is read again.
const policyTTL = 10 * time.Minute

// loadPolicy reads the security policy from the cache, falling back to the
// database and writing the result back. With no policy on file, no operator
// is authorized and the configured ceiling applies.
func (m *Manager) loadPolicy(ctx context.Context) (*models.SecurityPolicy, error) {
	var policy models.SecurityPolicy
	found, err := m.cache.GetGlobalJSON(ctx, cache.KindPolicy, &policy)
	if err != nil {
		m.logger.Warnf("Read cached security policy: %v", err)
	}
	if found {
		return &policy, nil
	}

	stored, err := m.store.SecurityPolicy(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.logger.Warn("No security policy on file, running every contract read-only")
		return &models.SecurityPolicy{MaxConcurrentContracts: m.cfg.Manager.MaxContracts}, nil
	case err != nil:
		return nil, fmt.Errorf("load security policy: %w", err)
	}

	if err := m.cache.SetGlobalJSON(ctx, cache.KindPolicy, stored, policyTTL); err != nil {
		m.logger.Warnf("Cache security policy: %v", err)
	}
	return stored, nil
}

func (m *Manager) applyPolicy(policy *models.SecurityPolicy) {
	ceiling := m.cfg.Manager.MaxContracts
	if policy.MaxConcurrentContracts > 0 && policy.MaxConcurrentContracts < ceiling {
		ceiling = policy.MaxConcurrentContracts
	}

	m.mu.Lock()
	m.policy = policy
	m.ceiling = ceiling
	m.mu.Unlock()

	m.logger.Infof("Security policy: %d authorized operators, ceiling %d", len(policy.Operators()), ceiling)
}

// Policy returns the active security policy. Before Initialize it is empty.
func (m *Manager) Policy() *models.SecurityPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return &models.SecurityPolicy{}
	}
	return m.policy
}

// Ceiling is the most contracts this worker will track.
func (m *Manager) Ceiling() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ceiling
}
