package relay

import (
	"github.com/verihub/verihub/internal/relay/service"
	"go.uber.org/fx"
)

var Module = fx.Module("relay",
	fx.Provide(service.New),
)
