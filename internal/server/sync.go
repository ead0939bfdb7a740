package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"drover/internal/apperr"
	"drover/internal/peersync"
	"drover/internal/profiles"
)

func (s *Server) handleSyncIndex(c *gin.Context) {
	entries, err := s.sync.Index(c.Request.Context())
	if err != nil {
		c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": s.sync.Node(), "sessions": entries})
}

func (s *Server) handleSyncExport(c *gin.Context) {
	archive, err := s.sync.Export(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, archive)
}

// handleSyncImport receives a session archive pushed by a peer. A losing
// conflict is reported as 409 so the sender knows resolution already ran.
func (s *Server) handleSyncImport(c *gin.Context) {
	var archive profiles.Archive
	if err := c.ShouldBindJSON(&archive); err != nil {
		werr := apperr.Wrap(apperr.KindBadInput, err, "invalid session archive")
		c.JSON(http.StatusBadRequest, errorBody(werr))
		return
	}

	accepted, err := s.sync.Import(c.Request.Context(), archive)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSyncTransfer(c.Request.Context(), "inbound", "error")
		}
		c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSyncTransfer(c.Request.Context(), "inbound", "ok")
	}
	if principal := principalFrom(c); principal != nil {
		s.log.InfoContext(c.Request.Context(), "sync import",
			"session", archive.Session.Name, "from", principal.Subject, "accepted", accepted)
	}
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"accepted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) handlePeerList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.sync.Peers().List()})
}

func (s *Server) handlePeerAdd(c *gin.Context) {
	var peer peersync.Peer
	if err := c.ShouldBindJSON(&peer); err != nil {
		werr := apperr.Wrap(apperr.KindBadInput, err, "invalid peer")
		c.JSON(http.StatusBadRequest, errorBody(werr))
		return
	}
	if err := s.sync.Peers().Add(peer); err != nil {
		c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": peer.Name})
}

func (s *Server) handlePeerRemove(c *gin.Context) {
	if err := s.sync.Peers().Remove(c.Param("name")); err != nil {
		c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePeerPull triggers an immediate pull from one registered peer.
func (s *Server) handlePeerPull(c *gin.Context) {
	accepted, err := s.sync.PullFrom(c.Request.Context(), s.syncClient, c.Param("name"))
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSyncTransfer(c.Request.Context(), "outbound", "error")
		}
		c.JSON(httpStatusFor(apperr.KindOf(err)), errorBody(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSyncTransfer(c.Request.Context(), "outbound", "ok")
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}
