package faulttolerance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorRunOnce(t *testing.T) {
	hm := NewHealthMonitor(quietLogger(), time.Hour, 50*time.Millisecond)

	var failing atomic.Bool
	failing.Store(true)
	hm.AddCheck("ok", func(ctx context.Context) error { return nil })
	hm.AddCheck("flaky", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	})

	var cycles int
	hm.OnCycle = func(map[string]HealthCheck) { cycles++ }

	hm.RunOnce(context.Background())
	health := hm.GetHealth()
	assert.Equal(t, HealthStatusHealthy, health["ok"].Status)
	assert.Equal(t, HealthStatusUnhealthy, health["flaky"].Status)
	assert.Equal(t, "down", health["flaky"].Error)
	assert.False(t, health["flaky"].UnhealthySince.IsZero())
	assert.Equal(t, HealthStatusDegraded, hm.GetOverallHealth())

	since := health["flaky"].UnhealthySince
	hm.RunOnce(context.Background())
	assert.Equal(t, since, hm.GetHealth()["flaky"].UnhealthySince, "unhealthy-since is kept across failing rounds")

	failing.Store(false)
	hm.RunOnce(context.Background())
	health = hm.GetHealth()
	assert.Equal(t, HealthStatusHealthy, health["flaky"].Status)
	assert.True(t, health["flaky"].UnhealthySince.IsZero())
	assert.Equal(t, HealthStatusHealthy, hm.GetOverallHealth())
	assert.Equal(t, 3, cycles)
}

func TestHealthMonitorCheckTimeout(t *testing.T) {
	hm := NewHealthMonitor(quietLogger(), time.Hour, 20*time.Millisecond)
	hm.AddCheck("hung", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	hm.RunOnce(context.Background())
	check := hm.GetHealth()["hung"]
	require.Equal(t, HealthStatusUnhealthy, check.Status)
	assert.Contains(t, check.Error, "deadline exceeded")
	assert.Equal(t, HealthStatusUnhealthy, hm.GetOverallHealth())
}

func TestHealthMonitorRemoveCheck(t *testing.T) {
	hm := NewHealthMonitor(quietLogger(), time.Hour, time.Second)
	hm.AddCheck("a", func(ctx context.Context) error { return errors.New("x") })
	hm.RemoveCheck("a")
	hm.RemoveCheck("missing")

	hm.RunOnce(context.Background())
	assert.Empty(t, hm.GetHealth())
	assert.Equal(t, HealthStatusHealthy, hm.GetOverallHealth())
}

func TestHealthMonitorStartStop(t *testing.T) {
	hm := NewHealthMonitor(quietLogger(), 5*time.Millisecond, time.Second)
	var runs atomic.Int32
	hm.AddCheck("tick", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	hm.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	hm.Stop()
}
