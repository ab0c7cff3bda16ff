package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/safar/handiehub/internal/logging"
)

// releaseEscrow pays out one pending-release escrow ahead of the sweep.
func (s *Server) releaseEscrow(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid escrow id")
		return
	}

	released, err := s.ledger.ReleaseFunds(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	logging.L(c.Request.Context(), s.logger).Info("escrow released manually",
		"escrow_id", id, "actor_id", actorFrom(c).UserID)
	c.JSON(http.StatusOK, gin.H{"escrow": released})
}

func (s *Server) runSweep(c *gin.Context) {
	result, err := s.ledger.ProcessScheduledReleases(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) reconcileAll(c *gin.Context) {
	drift, err := s.ledger.ReconcileAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balanced": len(drift) == 0,
		"drift":    drift,
	})
}

func (s *Server) reconcileSeller(c *gin.Context) {
	sellerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid seller id")
		return
	}

	rec, err := s.ledger.Reconcile(c.Request.Context(), sellerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
