package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// traceHeaders are the request headers a browser client needs to send runs
// and continue traces across origins.
var traceHeaders = []string{
	"Content-Type", "Content-Length", "Content-Encoding", "Accept", "Origin",
	"x-api-key", "X-Request-ID", "langsmith-trace", "baggage",
}

// CORS lets browser clients on the given origins post runs and read
// Retry-After. No origins means any origin.
func CORS(origins ...string) gin.HandlerFunc {
	return cors.New(corsConfig(origins))
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  traceHeaders,
		ExposeHeaders: []string{"Retry-After", "langsmith-trace"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	}
	return cfg
}
