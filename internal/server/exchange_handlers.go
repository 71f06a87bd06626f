package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/manager"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultTradeLimit = 10
	maxTradeLimit     = 100
)

type ExchangeHandler struct {
	exchanges Exchanges
	trades    Trades
	logger    logrus.FieldLogger
}

func NewExchangeHandler(exchanges Exchanges, trades Trades, logger logrus.FieldLogger) *ExchangeHandler {
	return &ExchangeHandler{exchanges: exchanges, trades: trades, logger: logger}
}

func (h *ExchangeHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.exchanges.Status())
}

func (h *ExchangeHandler) Get(c *gin.Context) {
	status, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ExchangeHandler) LatestTrades(c *gin.Context) {
	status, ok := h.lookup(c)
	if !ok {
		return
	}

	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTradeLimit)
	}

	trades, err := h.trades.LatestTrades(c.Request.Context(), status.Contract, limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (h *ExchangeHandler) CountTrades(c *gin.Context) {
	status, ok := h.lookup(c)
	if !ok {
		return
	}
	count, err := h.trades.CountTrades(c.Request.Context(), status.Contract)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{status.Contract: count})
}

func (h *ExchangeHandler) CountAllTrades(c *gin.Context) {
	count, err := h.trades.CountTrades(c.Request.Context(), "")
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

type matchRequest struct {
	Reason   string `json:"reason"`
	Priority *int   `json:"priority"`
}

// RequestMatch queues a re-match of one order on the matching exchange.
func (h *ExchangeHandler) RequestMatch(c *gin.Context) {
	status, ok := h.lookup(c)
	if !ok {
		return
	}
	if status.Matching == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "exchange is read-only on this worker"})
		return
	}

	orderID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id must be an unsigned integer"})
		return
	}

	body := matchRequest{Reason: "manual"}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority := 0
	if body.Priority != nil {
		priority = *body.Priority
	}
	if priority < 0 || priority > broker.MaxMatchPriority {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be between 0 and " + strconv.Itoa(broker.MaxMatchPriority)})
		return
	}

	err = h.exchanges.RequestMatch(c.Request.Context(), status.Contract, orderID, body.Reason, uint8(priority))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"contract": status.Contract, "order_id": orderID, "priority": priority})
}

// lookup finds the tracked exchange named by the :contract parameter and
// answers 404 when this worker does not track it.
func (h *ExchangeHandler) lookup(c *gin.Context) (manager.ExchangeStatus, bool) {
	contract := models.NormalizeAddress(c.Param("contract"))
	for _, st := range h.exchanges.Status() {
		if st.Contract == contract {
			return st, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "exchange not tracked by this worker"})
	return manager.ExchangeStatus{}, false
}

func (h *ExchangeHandler) internalError(c *gin.Context, err error) {
	h.logger.WithField("path", c.FullPath()).Errorf("Request failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
