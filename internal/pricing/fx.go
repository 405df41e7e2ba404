package pricing

import (
	"github.com/verihub/verihub/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.resolver",
	fx.Provide(service.New),
)
