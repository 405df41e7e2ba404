package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/verihub/verihub/internal/client"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	"github.com/verihub/verihub/internal/invoice"
	invoicedomain "github.com/verihub/verihub/internal/invoice/domain"
	"github.com/verihub/verihub/internal/ledger"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	"github.com/verihub/verihub/internal/observability"
	obsmiddleware "github.com/verihub/verihub/internal/observability/logger"
	obstracing "github.com/verihub/verihub/internal/observability/tracing"
	"github.com/verihub/verihub/internal/payment"
	paymentdomain "github.com/verihub/verihub/internal/payment/domain"
	"github.com/verihub/verihub/internal/pricing"
	"github.com/verihub/verihub/internal/relay"
	"github.com/verihub/verihub/internal/session"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"github.com/verihub/verihub/internal/settlement"
	"github.com/verihub/verihub/internal/vendorapi"
	"github.com/verihub/verihub/internal/webhook"
	webhookdomain "github.com/verihub/verihub/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	client.Module,
	pricing.Module,
	ledger.Module,
	vendorapi.Module,
	settlement.Module,
	relay.Module,
	session.Module,
	webhook.Module,
	invoice.Module,
	payment.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	sessions sessiondomain.Service
	webhooks webhookdomain.Service
	ledger   ledgerdomain.Service
	invoices invoicedomain.Service
	payments paymentdomain.Service
}

type ServerParams struct {
	fx.In

	Engine   *gin.Engine
	Cfg      config.Config
	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Sessions sessiondomain.Service
	Webhooks webhookdomain.Service
	Ledger   ledgerdomain.Service
	Invoices invoicedomain.Service
	Payments paymentdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:   p.Engine,
		cfg:      p.Cfg,
		db:       p.DB,
		log:      p.Log.Named("http.server"),
		clock:    p.Clock,
		sessions: p.Sessions,
		webhooks: p.Webhooks,
		ledger:   p.Ledger,
		invoices: p.Invoices,
		payments: p.Payments,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/webhooks/vendor", s.handleVendorWebhook)

		authed := v1.Group("", s.APIKeyRequired())
		{
			authed.POST("/sessions", s.handleCreateSession)
			authed.GET("/sessions/:id", s.handleGetSession)
			authed.POST("/sessions/:id/refresh", s.handleRefreshSession)
			authed.GET("/balance", s.handleGetBalance)
			authed.GET("/ledger", s.handleListLedger)
		}
	}

	// Administrative surface; authentication is handled by the deployment's
	// edge, not by this service.
	admin := s.engine.Group("/admin")
	{
		admin.GET("/clients/:id/invoice-preview", s.handleInvoicePreview)
		admin.POST("/clients/:id/invoices", s.handleGenerateInvoice)
		admin.GET("/clients/:id/invoices", s.handleListInvoices)
		admin.GET("/clients/:id/invoices/:invoiceId", s.handleGetInvoice)
		admin.POST("/clients/:id/invoices/cleanup", s.handleCleanupStuck)
		admin.POST("/clients/:id/payments", s.handleRecordPayment)
	}
}
