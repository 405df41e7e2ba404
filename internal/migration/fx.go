package migration

import (
	"github.com/verihub/verihub/internal/config"
	"github.com/verihub/verihub/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Embedded SQL migrations target postgres; other dialects are
		// expected to be provisioned externally.
		if cfg.DBType != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		if cfg.Environment == "development" {
			return seed.EnsureDevData(conn)
		}
		return nil
	}),
)
