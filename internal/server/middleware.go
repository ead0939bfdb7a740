package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"drover/internal/apperr"
	"drover/internal/authn"
	"drover/internal/observability"
)

// httpStatusFor maps error kinds onto HTTP statuses for the REST-shaped
// endpoints (sync, peers, health). /rpc uses the JSON-RPC code table instead.
func httpStatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindBadInput, apperr.KindUnknownTool:
		return http.StatusBadRequest
	case apperr.KindNoTab, apperr.KindRefStale:
		return http.StatusConflict
	case apperr.KindExhausted:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindBlocked:
		return http.StatusForbidden
	case apperr.KindIntegrity:
		return http.StatusUnprocessableEntity
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{
		"error": gin.H{
			"kind":    string(apperr.KindOf(err)),
			"message": err.Error(),
		},
	}
	if detail := apperr.DetailOf(err); len(detail) > 0 {
		body["error"].(gin.H)["details"] = detail
	}
	return body
}

// publicPaths are reachable without credentials: probes, metrics, and the
// OAuth surface that clients must hit before they have a token.
var publicPaths = map[string]bool{
	"/health":    true,
	"/ready":     true,
	"/live":      true,
	"/metrics":   true,
	"/openapi":   true,
	"/authorize": true,
	"/token":     true,
	"/register":  true,
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/.well-known/")
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		principal, err := s.auth.Authenticate(c.Request)
		if err != nil {
			status := httpStatusFor(apperr.KindOf(err))
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", strings.Join(s.auth.Advertised(), ", "))
			}
			c.AbortWithStatusJSON(status, errorBody(err))
			return
		}
		ctx := observability.ContextWithPrincipal(c.Request.Context(), principal.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set("principal", principal)
		c.Next()
	}
}

func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-Id")
		if traceID == "" {
			traceID = newTraceID()
		}
		c.Header("X-Trace-Id", traceID)
		ctx := observability.ContextWithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		if s.metrics == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRPCRequest(c.Request.Context(), route, c.Writer.Status(), time.Since(started))
	}
}

// recoveryMiddleware converts handler panics into the standard error
// envelope instead of gin's default HTML page.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.ErrorContext(c.Request.Context(), "handler panic", "panic", r, "path", c.Request.URL.Path)
				err := apperr.New(apperr.KindInternal, "internal error")
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(err))
			}
		}()
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-API-Key", sessionHeader, "X-Trace-Id", "Last-Event-ID"},
		ExposeHeaders:   []string{sessionHeader, "X-Trace-Id"},
		MaxAge:          12 * time.Hour,
	}
	return cors.New(cfg)
}

// principalFrom returns the authenticated principal, or nil on public paths.
func principalFrom(c *gin.Context) *authn.Principal {
	if v, ok := c.Get("principal"); ok {
		if p, ok := v.(*authn.Principal); ok {
			return p
		}
	}
	return nil
}
