package faulttolerance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name           string        `json:"name"`
	Status         HealthStatus  `json:"status"`
	LastCheck      time.Time     `json:"last_check"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	UnhealthySince time.Time     `json:"unhealthy_since,omitempty"`

	checkFunc func(ctx context.Context) error
}

// HealthMonitor runs registered checks periodically, each bounded by its own timeout.
type HealthMonitor struct {
	checks       map[string]*HealthCheck
	mutex        sync.RWMutex
	logger       logrus.FieldLogger
	interval     time.Duration
	checkTimeout time.Duration
	now          func() time.Time

	// OnCycle, when set, receives a snapshot after every round of checks.
	OnCycle func(results map[string]HealthCheck)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logrus.FieldLogger, interval, checkTimeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if checkTimeout <= 0 {
		checkTimeout = 10 * time.Second
	}

	return &HealthMonitor{
		checks:       make(map[string]*HealthCheck),
		logger:       logger,
		interval:     interval,
		checkTimeout: checkTimeout,
		now:          time.Now,
	}
}

// AddCheck adds or replaces a health check
func (hm *HealthMonitor) AddCheck(name string, checkFunc func(ctx context.Context) error) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.checks[name] = &HealthCheck{
		Name:      name,
		Status:    HealthStatusHealthy,
		checkFunc: checkFunc,
	}
}

// RemoveCheck drops a health check; unknown names are ignored.
func (hm *HealthMonitor) RemoveCheck(name string) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	delete(hm.checks, name)
}

// Start starts the health monitoring
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.wg.Add(1)
	go hm.monitorLoop(ctx)
	hm.logger.Info("Health monitor started")
}

// Stop stops the health monitoring
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
	hm.logger.Info("Health monitor stopped")
}

func (hm *HealthMonitor) monitorLoop(ctx context.Context) {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.RunOnce(ctx)
		}
	}
}

// RunOnce runs all registered health checks concurrently and reports the cycle.
func (hm *HealthMonitor) RunOnce(ctx context.Context) {
	hm.mutex.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check *HealthCheck) {
			defer wg.Done()
			hm.runCheck(ctx, check)
		}(check)
	}
	wg.Wait()

	if hm.OnCycle != nil {
		hm.OnCycle(hm.GetHealth())
	}
}

func (hm *HealthMonitor) runCheck(parent context.Context, check *HealthCheck) {
	if check.checkFunc == nil {
		return
	}

	start := hm.now()
	ctx, cancel := context.WithTimeout(parent, hm.checkTimeout)
	defer cancel()

	err := check.checkFunc(ctx)
	duration := time.Since(start)

	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	check.LastCheck = start
	check.Duration = duration

	if err != nil {
		if check.Status != HealthStatusUnhealthy {
			hm.logger.Errorf("Health check '%s' failed: %v", check.Name, err)
			check.UnhealthySince = start
		}
		check.Status = HealthStatusUnhealthy
		check.Error = err.Error()
		return
	}

	if check.Status != HealthStatusHealthy {
		hm.logger.Infof("Health check '%s' recovered", check.Name)
	}
	check.Status = HealthStatusHealthy
	check.Error = ""
	check.UnhealthySince = time.Time{}
}

// GetHealth returns a copy of the current check states.
func (hm *HealthMonitor) GetHealth() map[string]HealthCheck {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	result := make(map[string]HealthCheck, len(hm.checks))
	for name, check := range hm.checks {
		c := *check
		c.checkFunc = nil
		result[name] = c
	}
	return result
}

// GetOverallHealth returns the overall health status
func (hm *HealthMonitor) GetOverallHealth() HealthStatus {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	if len(hm.checks) == 0 {
		return HealthStatusHealthy
	}

	unhealthy := 0
	for _, check := range hm.checks {
		if check.Status == HealthStatusUnhealthy {
			unhealthy++
		}
	}

	switch {
	case unhealthy == 0:
		return HealthStatusHealthy
	case unhealthy == len(hm.checks):
		return HealthStatusUnhealthy
	default:
		return HealthStatusDegraded
	}
}
