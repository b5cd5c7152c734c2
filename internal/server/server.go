package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/authtoken"
	"github.com/smallbiznis/tenantroute/internal/authzguard"
	"github.com/smallbiznis/tenantroute/internal/balance"
	"github.com/smallbiznis/tenantroute/internal/clock"
	"github.com/smallbiznis/tenantroute/internal/config"
	"github.com/smallbiznis/tenantroute/internal/credauth"
	"github.com/smallbiznis/tenantroute/internal/invite"
	"github.com/smallbiznis/tenantroute/internal/missionapi"
	"github.com/smallbiznis/tenantroute/internal/observability"
	obslogger "github.com/smallbiznis/tenantroute/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenantroute/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenantroute/internal/observability/tracing"
	"github.com/smallbiznis/tenantroute/internal/optimizer"
	"github.com/smallbiznis/tenantroute/internal/queuebridge"
	"github.com/smallbiznis/tenantroute/internal/ratelimit"
	"github.com/smallbiznis/tenantroute/internal/refreshtoken"
	"github.com/smallbiznis/tenantroute/internal/reqpipeline"
	"github.com/smallbiznis/tenantroute/internal/vehicleapi"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module wires the whole HTTP surface: every supporting package the
// substrate needs, the gin engine, and the lifecycle hook that serves it.
var Module = fx.Module("http.server",
	fx.Provide(
		NewEngine,
		provideRedisClient,
		provideAMQPConnection,
		provideVerifier,
		provideReqpipelineDeps,
		provideRefreshService,
		provideCredauthService,
		provideInviteService,
		provideRateLimiter,
		balance.NewPolicyHolder,
		provideBalanceGate,
		provideAuthzEnforcer,
		provideOptimizerClient,
		provideQueuePublisher,
		provideQueueConsumer,
		missionapi.New,
		vehicleapi.New,
		NewAuthHandlers,
	),
	fx.Invoke(registerRoutes, run, startQueueConsumer),
)

// missionEventsQueue is the one queue this substrate's illustrative
// surface publishes mission-create notifications onto and consumes back,
// exercising C11's context bridge end to end.
const missionEventsQueue = "mission.events"

// startQueueConsumer runs C11's consumer for the lifetime of the process
// when RabbitMQ is configured. A missing AMQP_URL is not an error -- the
// queue bridge is an optional transport, not a hard dependency.
func startQueueConsumer(lc fx.Lifecycle, consumer *queuebridge.Consumer, log *zap.Logger) {
	if consumer == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := consumer.Consume(ctx, missionEventsQueue, logMissionEvent(log)); err != nil && ctx.Err() == nil {
					log.Error("queue consumer stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func logMissionEvent(log *zap.Logger) queuebridge.Handler {
	return func(ctx context.Context, body json.RawMessage) error {
		log.Info("mission event delivered", zap.Int("bytes", len(body)))
		return nil
	}
}

func provideRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil
	}
	return redis.NewClient(opts)
}

func provideAMQPConnection(cfg config.Config) (*amqp.Connection, error) {
	if cfg.AMQPURL == "" {
		return nil, nil
	}
	return amqp.Dial(cfg.AMQPURL)
}

func provideVerifier(cfg config.Config) *authtoken.Verifier {
	return authtoken.NewVerifier(cfg.JWTSecret, cfg.JWTExpiration)
}

func provideReqpipelineDeps(db *gorm.DB, verifier *authtoken.Verifier) reqpipeline.Deps {
	return reqpipeline.Deps{DB: db, Verifier: verifier}
}

func provideRefreshService(cfg config.Config, c clock.Clock, m *obsmetrics.Metrics) *refreshtoken.Service {
	return refreshtoken.New(c, time.Duration(cfg.RefreshTokenExpirationDays)*24*time.Hour).WithMetrics(m)
}

func provideCredauthService(db *gorm.DB, verifier *authtoken.Verifier, refresh *refreshtoken.Service, m *obsmetrics.Metrics) *credauth.Service {
	return credauth.New(db, verifier, refresh, m)
}

func provideInviteService(db *gorm.DB, c clock.Clock, m *obsmetrics.Metrics) *invite.Service {
	return invite.New(db, c).WithMetrics(m)
}

func provideRateLimiter(rdb *redis.Client) *ratelimit.Limiter {
	return ratelimit.New(rdb, ratelimit.DefaultConfig())
}

func provideBalanceGate(c clock.Clock, policy *balance.PolicyHolder, m *obsmetrics.Metrics) *balance.Gate {
	return balance.New(c, policy).WithMetrics(m)
}

func provideAuthzEnforcer(db *gorm.DB) (*authzguard.Guard, error) {
	enforcer, err := authzguard.NewEnforcer(db)
	if err != nil {
		return nil, err
	}
	return authzguard.New(enforcer), nil
}

func provideOptimizerClient(cfg config.Config, log *zap.Logger) *optimizer.Client {
	return optimizer.New(cfg.VroomURL, cfg.OSRMURL, log)
}

func provideQueuePublisher(conn *amqp.Connection) *queuebridge.Publisher {
	if conn == nil {
		return nil
	}
	return queuebridge.NewPublisher(conn)
}

func provideQueueConsumer(conn *amqp.Connection, db *gorm.DB, log *zap.Logger) *queuebridge.Consumer {
	if conn == nil {
		return nil
	}
	return queuebridge.NewConsumer(conn, db, log)
}

// NewEngine builds the bare gin engine with the ambient middleware stack:
// panic recovery, structured request logging, tracing, metrics, then the
// error-kind dispatcher last so every handler's c.Error ends up mapped.
func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func classifyErrorForLog(err error) (string, string) {
	return string(apperrors.KindOf(err)), ""
}

// registerRoutes mounts the anonymous-capable auth routes outside C5's
// TenantTransaction, and every tenant-scoped route behind it with C6's
// guard declaring the permissions each one requires.
func registerRoutes(
	r *gin.Engine,
	pipelineDeps reqpipeline.Deps,
	auth *AuthHandlers,
	guard *authzguard.Guard,
	missions *missionapi.Handlers,
	vehicles *vehicleapi.Handlers,
) {
	r.POST("/auth/login", auth.LoginWeb)
	r.POST("/auth/login/mobile", auth.LoginMobile)
	r.POST("/auth/refresh", auth.Refresh)
	r.POST("/auth/logout", auth.Logout)
	r.POST("/register", auth.Register)

	tenant := r.Group("/")
	tenant.Use(reqpipeline.TenantTransaction(pipelineDeps))

	tenant.GET("/missions", guard.RequireMiddleware("mission.read"), missions.List)
	tenant.POST("/missions", guard.RequireMiddleware("mission.create"), missions.Create)
	tenant.POST("/missions/route", guard.RequireMiddleware("mission.read"), missions.Route)

	tenant.GET("/vehicles", guard.RequireMiddleware("vehicle.read"), vehicles.List)
	tenant.POST("/vehicles", guard.RequireMiddleware("vehicle.create"), vehicles.Create)
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
