package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	apikeydomain "github.com/verihub/verihub/internal/apikey/domain"
	"github.com/verihub/verihub/internal/observability/obsctx"
)

const (
	contextAuthTypeKey     = "auth_type"
	contextClientIDKey     = "client_id"
	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"
)

// APIKeyRequired authenticates requests using an API key only. Client
// identity is derived solely from the api_keys table, never from the request.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(parts[1])
		now := s.clock.Now()

		// Scopes come back as the raw array literal; sqlite has no array
		// type, so decoding happens explicitly rather than in the driver.
		var record struct {
			ID        snowflake.ID   `gorm:"column:id"`
			ClientID  snowflake.ID   `gorm:"column:client_id"`
			KeyHash   string         `gorm:"column:key_hash"`
			RawScopes sql.NullString `gorm:"column:scopes"`
		}

		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT id, client_id, key_hash, scopes
			 FROM api_keys
			 WHERE key_hash = ?
			   AND is_active = true
			   AND (expires_at IS NULL OR expires_at > ?)
			 LIMIT 1`,
			hash,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		scopes, err := decodeScopes(record.RawScopes)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, contextAuthTypeKey, "api_key")
		ctx = context.WithValue(ctx, contextAPIKeyIDKey, int64(record.ID))
		ctx = context.WithValue(ctx, contextAPIKeyScopesKey, scopes)
		ctx = obsctx.WithClientID(ctx, int64(record.ClientID))

		c.Set(contextClientIDKey, record.ClientID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// decodeScopes parses the postgres array literal ({a,b}) stored in the
// scopes column. A NULL column means no scopes.
func decodeScopes(raw sql.NullString) ([]string, error) {
	if !raw.Valid {
		return nil, nil
	}
	var scopes pq.StringArray
	if err := scopes.Scan(raw.String); err != nil {
		return nil, err
	}
	return []string(scopes), nil
}

// authedClientID returns the client identity established by APIKeyRequired.
func authedClientID(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get(contextClientIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(snowflake.ID)
	return id, ok
}
