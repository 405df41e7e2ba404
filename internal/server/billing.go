package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/verihub/verihub/internal/payment/domain"
)

const (
	defaultInvoiceLimit = 50
	maxInvoiceLimit     = 200
)

func (s *Server) handleInvoicePreview(c *gin.Context) {
	clientID, err := parseClientID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	productCode := strings.TrimSpace(c.Query("product_code"))
	if productCode == "" {
		AbortWithError(c, newValidationError("product_code", "required", "product_code is required"))
		return
	}

	preview, err := s.invoices.Preview(c.Request.Context(), clientID, productCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}

type generateInvoiceRequest struct {
	ProductCode string `json:"product_code"`
}

func (s *Server) handleGenerateInvoice(c *gin.Context) {
	clientID, err := parseClientID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req generateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}
	if strings.TrimSpace(req.ProductCode) == "" {
		AbortWithError(c, newValidationError("product_code", "required", "product_code is required"))
		return
	}

	invoice, err := s.invoices.Generate(c.Request.Context(), clientID, strings.TrimSpace(req.ProductCode))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

func (s *Server) handleListInvoices(c *gin.Context) {
	clientID, err := parseClientID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit := defaultInvoiceLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		if parsed > maxInvoiceLimit {
			parsed = maxInvoiceLimit
		}
		limit = parsed
	}

	invoices, err := s.invoices.List(c.Request.Context(), clientID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) handleGetInvoice(c *gin.Context) {
	clientID, err := parseClientID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(c.Param("invoiceId")))
	if err != nil {
		AbortWithError(c, newValidationError("invoiceId", "invalid_id", "invalid invoice id"))
		return
	}

	invoice, err := s.invoices.Get(c.Request.Context(), clientID, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) handleCleanupStuck(c *gin.Context) {
	clientID, err := parseClientID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	removed, err := s.invoices.CleanupStuck(c.Request.Context(), clientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"removed": removed}})
}

type recordPaymentRequest struct {
	InvoiceID        string `json:"invoice_id"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

func (s *Server) handleRecordPayment(c *gin.Context) {
	clientID, err := parseClientID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_id", "invalid invoice id"))
		return
	}

	payment, err := s.payments.Record(c.Request.Context(), paymentdomain.RecordRequest{
		ClientID:         clientID,
		InvoiceID:        invoiceID,
		TotalAmountCents: req.TotalAmountCents,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": payment})
}

func parseClientID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return 0, newValidationError("id", "invalid_id", "invalid client id")
	}
	return id, nil
}
