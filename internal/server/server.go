package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	authdomain "github.com/smallbiznis/summarly/internal/auth/domain"
	authoauth "github.com/smallbiznis/summarly/internal/auth/oauth"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	"github.com/smallbiznis/summarly/internal/observability"
	obsmiddleware "github.com/smallbiznis/summarly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/summarly/internal/observability/metrics"
	"github.com/smallbiznis/summarly/internal/orchestrator"
	slackprovider "github.com/smallbiznis/summarly/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, registry *prometheus.Registry) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{Debug: obsCfg.Debug()}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.ListenAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	gateSvc    gatedomain.Service
	authSvc    authdomain.Service
	oauthSvc   authoauth.Client
	accountSvc accountdomain.Service
	ledgerSvc  ledgerdomain.Service
	pipeline   orchestrator.Service
	slack      slackprovider.Provider
	clock      clock.Clock
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	GateSvc    gatedomain.Service
	AuthSvc    authdomain.Service
	OAuthSvc   authoauth.Client
	AccountSvc accountdomain.Service
	LedgerSvc  ledgerdomain.Service
	Pipeline   orchestrator.Service
	Slack      slackprovider.Provider
	Clock      clock.Clock
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		gateSvc:    p.GateSvc,
		authSvc:    p.AuthSvc,
		oauthSvc:   p.OAuthSvc,
		accountSvc: p.AccountSvc,
		ledgerSvc:  p.LedgerSvc,
		pipeline:   p.Pipeline,
		slack:      p.Slack,
		clock:      p.Clock,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine

	r.POST("/slack/events", s.handleSlackEvents)

	r.GET("/login", s.handleLogin)
	r.GET("/slack/oauth/callback", s.handleOAuthCallback)

	api := r.Group("/api")
	api.Use(s.SessionAuthMiddleware())
	{
		api.GET("/dashboard", s.handleDashboard)
		api.GET("/usage", s.handleUsage)
		api.POST("/session/refresh", s.handleSessionRefresh)
		api.POST("/logout-all", s.handleLogoutAll)
		api.POST("/process-pdf", s.handleProcessPDF)

		admin := api.Group("/admin")
		admin.Use(s.RequireAdminMiddleware())
		{
			admin.POST("/reset-usage", s.handleAdminResetUsage)
		}
	}
}
