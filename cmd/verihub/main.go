package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	"github.com/verihub/verihub/internal/migration"
	"github.com/verihub/verihub/internal/observability"
	"github.com/verihub/verihub/internal/scheduler"
	"github.com/verihub/verihub/internal/server"
	"github.com/verihub/verihub/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
