package client

import (
	"github.com/verihub/verihub/internal/client/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("client",
	fx.Provide(repository.New),
)
