package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

type probeStatus string

const (
	statusHealthy   probeStatus = "healthy"
	statusDegraded  probeStatus = "degraded"
	statusUnhealthy probeStatus = "unhealthy"
)

func (p probeStatus) rank() int {
	switch p {
	case statusHealthy:
		return 0
	case statusDegraded:
		return 1
	default:
		return 2
	}
}

type probeResult struct {
	Status    probeStatus `json:"status"`
	LatencyMs int64       `json:"latencyMs"`
	Detail    string      `json:"detail,omitempty"`
}

// handleHealth reports the worst status across all probes. The HTTP status
// degrades with it so load balancers can act without parsing the body.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	probes := map[string]probeResult{
		"browser":    s.probeBrowser(ctx),
		"memory":     s.probeMemory(),
		"goroutines": s.probeGoroutines(),
	}

	overall := statusHealthy
	for _, p := range probes {
		if p.Status.rank() > overall.rank() {
			overall = p.Status
		}
	}

	httpStatus := http.StatusOK
	if overall == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":   overall,
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"sessions": s.sessions.Count(),
		"node":     s.nodeID,
		"probes":   probes,
	})
}

func (s *Server) probeBrowser(ctx context.Context) probeResult {
	started := time.Now()
	err := s.driver.Healthy(ctx)
	res := probeResult{Status: statusHealthy, LatencyMs: time.Since(started).Milliseconds()}
	if err != nil {
		res.Status = statusUnhealthy
		res.Detail = err.Error()
	}
	return res
}

func (s *Server) probeMemory() probeResult {
	started := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	res := probeResult{Status: statusHealthy, LatencyMs: time.Since(started).Milliseconds()}
	if m.Sys > 0 {
		used := float64(m.HeapAlloc) / float64(m.Sys)
		res.Detail = fmt.Sprintf("heap %.0f%% of sys (%d MiB)", used*100, m.HeapAlloc/(1<<20))
		if used > 0.9 {
			res.Status = statusDegraded
		}
	}
	return res
}

func (s *Server) probeGoroutines() probeResult {
	started := time.Now()
	n := runtime.NumGoroutine()
	res := probeResult{
		Status:    statusHealthy,
		LatencyMs: time.Since(started).Milliseconds(),
		Detail:    fmt.Sprintf("%d goroutines", n),
	}
	if n > 10000 {
		res.Status = statusDegraded
	}
	return res
}

// handleReady and handleLive are cheap constant probes for orchestrators.
func (s *Server) handleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"live": true})
}
