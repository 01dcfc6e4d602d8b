// Package server wires the gin engine: middleware, route registration, and
// the request handlers under handlers/.
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/relaygate/gateway/internal/clienttype"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/logging"
)

var mwlog = logging.For("server")

// CORSMiddleware handles CORS headers for browser-hosted IDE extensions.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-AG-Conversation-Id, X-Client-Name")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the Bearer token for /v1/* endpoints. With no
// API_PASSWORD configured the gateway is open, the single-user local
// deployment default.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIPassword == "" {
			c.Next()
			return
		}
		if bearerToken(c) != cfg.APIPassword && c.GetHeader("X-API-Key") != cfg.APIPassword {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "invalid or missing API key"},
			})
			return
		}
		c.Next()
	}
}

// PanelAuthMiddleware guards the /panel endpoints with PANEL_PASSWORD.
// Unlike the API, an unset panel password closes the panel rather than
// opening it: the panel exposes config and logs.
func PanelAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.PanelPassword == "" || bearerToken(c) != cfg.PanelPassword {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "panel access denied"},
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ClassifyMiddleware derives the client type from fingerprint headers and
// the owner id from the caller's token. The owner id is a deterministic
// hash, never the token itself, so it can be logged and used as a cache
// tenancy key without leaking the secret.
func ClassifyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(clienttype.CtxClientType, clienttype.Detect(c.Request.Header))
		if token := bearerToken(c); token != "" {
			sum := sha256.Sum256([]byte(token))
			c.Set(clienttype.CtxOwnerID, hex.EncodeToString(sum[:8]))
		}
		c.Next()
	}
}

// RateLimitMiddleware enforces a per-owner token-bucket limit on inbound
// requests. Disabled (pass-through) when rps is zero.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(owner string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[owner]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[owner] = l
		}
		return l
	}

	return func(c *gin.Context) {
		owner := c.GetString(clienttype.CtxOwnerID)
		if owner == "" {
			owner = c.ClientIP()
		}
		if !limiterFor(owner).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"type": "rate_limit_error", "message": "too many requests"},
			})
			return
		}
		c.Next()
	}
}

// RecoveryMiddleware converts a handler panic into a sanitized 500: the
// message never includes the panic value, which may embed request content.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				mwlog.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("handler panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"type": "internal_error", "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

var serverTracer = otel.Tracer("gateway/server")

// TraceMiddleware opens one span per inbound request.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := serverTracer.Start(c.Request.Context(), "http.request", trace.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", c.FullPath()),
		))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status", c.Writer.Status()))
		span.End()
	}
}
