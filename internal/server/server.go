package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/config"
	drawingsservice "github.com/smallbiznis/sitebridge/internal/drawings/service"
	notificationdomain "github.com/smallbiznis/sitebridge/internal/notification/domain"
	notificationservice "github.com/smallbiznis/sitebridge/internal/notification/service"
	obslogger "github.com/smallbiznis/sitebridge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/sitebridge/internal/observability/tracing"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	portaldomain "github.com/smallbiznis/sitebridge/internal/portal/domain"
	"github.com/smallbiznis/sitebridge/internal/portal/session"
	qbosyncdomain "github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"github.com/smallbiznis/sitebridge/internal/ratelimit"
	"github.com/smallbiznis/sitebridge/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(
		func(s *notificationservice.Service) NotificationCreator { return s },
		func(s *drawingsservice.Service) TileRequester { return s },
	),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type NotificationCreator interface {
	Create(ctx context.Context, req notificationdomain.CreateRequest) (*notificationdomain.Notification, error)
}

type TileRequester interface {
	RequestTiles(ctx context.Context, orgID, versionID snowflake.ID) (*outboxdomain.Job, error)
}

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	portalSvc     portaldomain.Service
	sessions      *session.Manager
	limiter       *ratelimit.PortalLimiter
	accountingSvc accountingdomain.Service
	syncSvc       qbosyncdomain.Service
	drainer       scheduler.OutboxDrainer
	requeuer      scheduler.StaleRequeuer
	notifications NotificationCreator
	tiles         TileRequester
	metrics       *obsmetrics.SyncMetrics
	policy        *config.SyncPolicyHolder
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	PortalSvc     portaldomain.Service
	Sessions      *session.Manager
	Limiter       *ratelimit.PortalLimiter `optional:"true"`
	AccountingSvc accountingdomain.Service
	SyncSvc       qbosyncdomain.Service
	Drainer       scheduler.OutboxDrainer
	Requeuer      scheduler.StaleRequeuer
	Notifications NotificationCreator
	Tiles         TileRequester
	Metrics       *obsmetrics.SyncMetrics  `optional:"true"`
	Policy        *config.SyncPolicyHolder `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		portalSvc:     p.PortalSvc,
		sessions:      p.Sessions,
		limiter:       p.Limiter,
		accountingSvc: p.AccountingSvc,
		syncSvc:       p.SyncSvc,
		drainer:       p.Drainer,
		requeuer:      p.Requeuer,
		notifications: p.Notifications,
		tiles:         p.Tiles,
		metrics:       p.Metrics,
		policy:        p.Policy,
	}

	svc.registerPortalRoutes()
	svc.registerIntegrationRoutes()
	svc.registerOperatorRoutes()
	svc.registerCronRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPortalRoutes() {
	portal := s.engine.Group("/portal")

	portal.POST("/auth", s.PortalRateLimit(ratelimit.EndpointPortalAuth), s.PortalAuthenticate)
	portal.GET("/session", s.PortalSession)
	portal.POST("/logout", s.PortalLogout)
	portal.POST("/pin/verify", s.PortalRateLimit(ratelimit.EndpointPINVerify), s.PortalVerifyPIN)

	admin := portal.Group("/admin", OrgContext())
	{
		admin.POST("/accounts/:id/status", s.SetPortalAccountStatus)
		admin.POST("/bid-invites/:id/status", s.SetBidInviteStatus)
		admin.POST("/bid-invites/:id/tokens", s.IssueBidToken)
		admin.POST("/tokens/:id/pin", s.SetPortalPIN)
	}
}

func (s *Server) registerIntegrationRoutes() {
	qbo := s.engine.Group("/integrations/qbo")

	// the callback carries its tenant in the signed state, not a header
	qbo.GET("/callback", s.QBOCallback)

	scoped := qbo.Group("", OrgContext())
	{
		scoped.GET("/connect", s.QBOConnect)
		scoped.POST("/disconnect", s.QBODisconnect)
		scoped.POST("/refresh", s.QBORefresh)
		scoped.GET("/diagnostics", s.QBODiagnostics)
		scoped.POST("/retry", s.QBORetry)
		scoped.GET("/settings", s.QBOSettings)
		scoped.PATCH("/settings", s.UpdateQBOSettings)
	}
}

func (s *Server) registerOperatorRoutes() {
	ops := s.engine.Group("", OrgContext())

	ops.POST("/invoices/:id/qbo-sync", s.EnqueueInvoiceSync)
	ops.POST("/payments/:id/qbo-sync", s.EnqueuePaymentSync)
	ops.POST("/notifications", s.CreateNotification)
	ops.POST("/drawings/versions/:id/tiles", s.RequestDrawingTiles)
}

func (s *Server) registerCronRoutes() {
	internal := s.engine.Group("/internal", s.CronAuth())

	internal.POST("/outbox/process", s.ProcessOutbox)
	internal.POST("/qbo/keepalive", s.QBOKeepalive)
}
