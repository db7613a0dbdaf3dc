package api

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes API 엔드포인트를 등록합니다.
func SetupRoutes(e *echo.Echo, h *Handler) {
	e.GET("/", h.Root)
	e.GET("/version", h.Version)

	g := e.Group("/api")

	g.POST("/sms/inbound", h.InboundSMS)
	g.POST("/telemetry", h.Telemetry)

	g.GET("/health", h.Health)
	g.GET("/metrics", h.Metrics)

	g.GET("/dlo", h.ListDeadLetters)
	g.POST("/dlo/:sms_id/retry", h.RetryDeadLetter)
	g.DELETE("/dlo", h.PurgeDeadLetters)

	g.GET("/incidents", h.Incidents)

	e.RouteNotFound("/*", notFoundHandler)
}
