package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/handiehub/internal/payments"
)

// paymentWebhook accepts gateway events. A non-2xx reply makes the gateway
// redeliver, which the bridge tolerates.
func (s *Server) paymentWebhook(c *gin.Context) {
	var ev payments.Event
	if err := c.ShouldBindJSON(&ev); err != nil || ev.Event == "" {
		badRequest(c, "Invalid event payload")
		return
	}

	if err := s.gateway.HandleEvent(c.Request.Context(), ev); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
