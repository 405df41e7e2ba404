package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Client, error)
	FindProductConfig(ctx context.Context, db *gorm.DB, clientID snowflake.ID, productCode string) (*ProductConfig, error)
}
