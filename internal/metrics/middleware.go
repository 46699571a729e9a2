package metrics

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware records request counts and latency per route
// template. Scrapes, health checks and WebSocket upgrades are not recorded;
// event streams are tracked by RecordWebSocketConnection.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		switch {
		case c.Request.URL.Path == "/metrics", c.Request.URL.Path == "/health":
			c.Next()
			return
		case strings.EqualFold(c.GetHeader("Upgrade"), "websocket"):
			c.Next()
			return
		}

		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		c.Next()
		m.HTTPRequestsInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// PrometheusHandler serves the default registry.
func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
