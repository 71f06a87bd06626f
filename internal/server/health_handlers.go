package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
)

type HealthHandler struct {
	exchanges Exchanges
}

func NewHealthHandler(exchanges Exchanges) *HealthHandler {
	return &HealthHandler{exchanges: exchanges}
}

// Report summarizes poller health. It answers 503 until the manager is
// initialized and while it shuts down.
func (h *HealthHandler) Report(c *gin.Context) {
	checks := h.exchanges.Health()
	healthy := 0
	for _, check := range checks {
		if check.Status == faulttolerance.HealthStatusHealthy {
			healthy++
		}
	}

	status := "ok"
	switch {
	case !h.exchanges.Ready():
		status = "unavailable"
	case healthy < len(checks):
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unavailable" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"tracked":   len(checks),
		"healthy":   healthy,
		"exchanges": checks,
	})
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.exchanges.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
