package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
)

type createSessionRequest struct {
	ProductCode  string         `json:"product_code"`
	OnboardingID string         `json:"onboarding_id"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	clientID, ok := authedClientID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body must be valid JSON"))
		return
	}
	if strings.TrimSpace(req.ProductCode) == "" {
		AbortWithError(c, newValidationError("product_code", "required", "product_code is required"))
		return
	}

	resp, err := s.sessions.Create(c.Request.Context(), sessiondomain.CreateRequest{
		ClientID:     clientID,
		ProductCode:  strings.TrimSpace(req.ProductCode),
		OnboardingID: strings.TrimSpace(req.OnboardingID),
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) handleGetSession(c *gin.Context) {
	clientID, ok := authedClientID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	id, err := parseSessionID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.sessions.Get(c.Request.Context(), clientID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) handleRefreshSession(c *gin.Context) {
	clientID, ok := authedClientID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	id, err := parseSessionID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.sessions.Refresh(c.Request.Context(), clientID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func parseSessionID(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, newValidationError("id", "invalid_id", "invalid session id")
	}
	return id, nil
}
