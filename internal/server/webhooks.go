package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/verihub/verihub/internal/vendorapi"
)

// handleVendorWebhook ingests a signed vendor callback. The endpoint is
// unauthenticated at the transport level; the HMAC signature inside the
// payload is the authentication.
func (s *Server) handleVendorWebhook(c *gin.Context) {
	var cb vendorapi.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}

	result, err := s.webhooks.Ingest(c.Request.Context(), cb)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Duplicates acknowledge with 200 so the vendor stops retrying.
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"duplicate":    result.Duplicate,
		"transitioned": result.Transitioned,
		"settled":      result.Settled,
	}})
}
