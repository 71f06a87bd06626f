package server

import "github.com/gin-gonic/gin"

func registerExchangeRoutes(router *gin.RouterGroup, h *ExchangeHandler) {
	router.GET("/trades/count", h.CountAllTrades)

	exchanges := router.Group("/exchanges")
	{
		exchanges.GET("", h.List)
		exchanges.GET("/:contract", h.Get)
		exchanges.GET("/:contract/trades/latest", h.LatestTrades)
		exchanges.GET("/:contract/trades/count", h.CountTrades)
		exchanges.POST("/:contract/orders/:id/match", h.RequestMatch)
	}
}
