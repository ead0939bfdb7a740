package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"drover/internal/version"
)

// handleOpenAPI publishes a machine-readable description of the transport.
// Every registered tool appears as one operation under /rpc so generic HTTP
// tooling can discover the catalog without speaking the protocol first.
func (s *Server) handleOpenAPI(c *gin.Context) {
	tools := s.dispatcher.Registry().List()

	schemas := make(map[string]any, len(tools))
	for _, t := range tools {
		schemas[t.Name] = t.InputSchema
	}

	doc := gin.H{
		"openapi": "3.1.0",
		"info": gin.H{
			"title":       "drover",
			"description": "Multi-tenant browser automation broker.",
			"version":     version.Version,
		},
		"paths": gin.H{
			"/rpc": gin.H{
				"post": gin.H{
					"summary":     "JSON-RPC 2.0 endpoint: initialize, ping, tools/list, tools/call",
					"operationId": "rpc",
					"parameters": []gin.H{{
						"name":     sessionHeader,
						"in":       "header",
						"required": false,
						"schema":   gin.H{"type": "string"},
					}},
					"responses": gin.H{"200": gin.H{"description": "JSON-RPC response envelope"}},
				},
			},
			"/health": gin.H{
				"get": gin.H{
					"summary":   "Aggregated health probes",
					"responses": gin.H{"200": gin.H{"description": "probe report"}},
				},
			},
			"/events": gin.H{
				"get": gin.H{
					"summary":   "Legacy notification stream (SSE or websocket)",
					"responses": gin.H{"200": gin.H{"description": "event stream"}},
				},
			},
		},
		"components": gin.H{
			"x-tool-schemas": schemas,
		},
	}
	c.JSON(http.StatusOK, doc)
}
