package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

func (s *Server) handleGetBalance(c *gin.Context) {
	clientID, ok := authedClientID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	productCode := strings.TrimSpace(c.Query("product_code"))
	if productCode == "" {
		AbortWithError(c, newValidationError("product_code", "required", "product_code is required"))
		return
	}

	balance, err := s.ledger.Balance(c.Request.Context(), clientID, productCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"client_id":    clientID.String(),
		"product_code": productCode,
		"balance":      balance,
	}})
}

func (s *Server) handleListLedger(c *gin.Context) {
	clientID, ok := authedClientID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	productCode := strings.TrimSpace(c.Query("product_code"))
	if productCode == "" {
		AbortWithError(c, newValidationError("product_code", "required", "product_code is required"))
		return
	}

	limit := defaultLedgerLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		if parsed > maxLedgerLimit {
			parsed = maxLedgerLimit
		}
		limit = parsed
	}

	entries, err := s.ledger.List(c.Request.Context(), clientID, productCode, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
