package session

import (
	"github.com/verihub/verihub/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(service.NewService),
)
