package server

import (
	"github.com/gin-gonic/gin"
)

// Router assembles the full route table. Middleware order matters: recovery
// first so nothing escapes, then tracing, CORS, metrics, and finally auth.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Client IPs are taken from forwarding headers only when a fronting
	// proxy is configured, and then only from the local hop.
	if s.cfg.Auth.TrustProxy {
		_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	} else {
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(s.recoveryMiddleware())
	r.Use(s.traceMiddleware())
	r.Use(corsMiddleware())
	r.Use(s.metricsMiddleware())
	r.Use(s.authMiddleware())

	// Primary transport.
	r.POST("/rpc", s.handleRPC)
	r.GET("/rpc", s.handleRPCStream)

	// Legacy stream endpoints kept for older clients.
	r.GET("/events", s.handleEventsGet)
	r.POST("/events", s.handleEventsPost)

	// Probes and introspection.
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/live", s.handleLive)
	r.GET("/openapi", s.handleOpenAPI)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Peer sync.
	if s.sync != nil {
		g := r.Group("/sync")
		g.GET("/index", s.handleSyncIndex)
		g.GET("/sessions/:name", s.handleSyncExport)
		g.POST("/sessions", s.handleSyncImport)
		g.GET("/peers", s.handlePeerList)
		g.POST("/peers", s.handlePeerAdd)
		g.DELETE("/peers/:name", s.handlePeerRemove)
		g.POST("/peers/:name/pull", s.handlePeerPull)
	}

	// OAuth proxy surface: authorize, token, dynamic registration, and
	// well-known metadata. The auth middleware skips these paths.
	if s.oauth != nil {
		s.oauth.Mount(r)
	}

	return r
}
