package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	"gorm.io/gorm"
)

type Repository struct{}

func New() clientdomain.Repository {
	return &Repository{}
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*clientdomain.Client, error) {
	var client clientdomain.Client
	err := db.WithContext(ctx).Where("id = ?", id).First(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &client, nil
}

func (r *Repository) FindProductConfig(ctx context.Context, db *gorm.DB, clientID snowflake.ID, productCode string) (*clientdomain.ProductConfig, error) {
	var cfg clientdomain.ProductConfig
	err := db.WithContext(ctx).
		Where("client_id = ? AND product_code = ?", clientID, productCode).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}
