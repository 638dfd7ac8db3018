package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tangoride/tango-backend/internal/dispatch"
	"github.com/tangoride/tango-backend/internal/drivers"
	"github.com/tangoride/tango-backend/internal/fares"
	"github.com/tangoride/tango-backend/internal/geoindex"
	"github.com/tangoride/tango-backend/internal/realtime"
	"github.com/tangoride/tango-backend/internal/rides"
	"github.com/tangoride/tango-backend/pkg/common"
	"github.com/tangoride/tango-backend/pkg/config"
	"github.com/tangoride/tango-backend/pkg/database"
	"github.com/tangoride/tango-backend/pkg/eventbus"
	"github.com/tangoride/tango-backend/pkg/logger"
	"github.com/tangoride/tango-backend/pkg/middleware"
	redisclient "github.com/tangoride/tango-backend/pkg/redis"
	"github.com/tangoride/tango-backend/pkg/resilience"
	"github.com/tangoride/tango-backend/pkg/sentry"
	ws "github.com/tangoride/tango-backend/pkg/websocket"
	"go.uber.org/zap"
)

const (
	serviceName = "tango-api"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting tango api",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	if err := sentry.Init(&cfg.Sentry, serviceName, version, cfg.Server.Environment); err != nil {
		logger.Warn("sentry initialization failed, continuing without error tracking", zap.Error(err))
	} else {
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.Database.MigrationsPath != "" {
		if err := database.Migrate(&cfg.Database); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	var events eventbus.Publisher = eventbus.Nop{}
	var bus *eventbus.Bus
	if cfg.NATS.Enabled {
		bus, err = eventbus.New(eventbus.Config{
			URL:  cfg.NATS.URL,
			Name: serviceName,
		})
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()
		events = bus
	}

	// Wire the domain graph. The dispatcher and realtime layer reference
	// each other through the ride service, so notifiers are set last.
	geoBreaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:    "geo-index",
		Timeout: 30 * time.Second,
	})
	geoIndex := geoindex.NewService(redisClient, geoBreaker)

	fareService := fares.NewService(fares.NewRepository(db))

	driverRepo := drivers.NewRepository(db)
	driverService := drivers.NewService(driverRepo, geoIndex, events)

	rideRepo := rides.NewRepository(db)
	rideService := rides.NewService(rideRepo, fareService, driverService, events)

	dispatcher := dispatch.New(cfg.Dispatch, geoIndex, driverService, rideRepo, events)
	rideService.SetDispatcher(dispatcher)
	defer dispatcher.Shutdown()

	hub := ws.NewHub()
	rtService := realtime.NewService(hub, redisClient)
	rtHandler := realtime.NewHandler(hub, rtService, dispatcher, driverService, rideRepo)
	rideService.SetNotifier(rtService)
	dispatcher.SetNotifier(rtService)
	go hub.Run()

	router := buildRouter(cfg, db, redisClient, bus,
		rides.NewHandler(rideService),
		drivers.NewHandler(driverService),
		rtHandler,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

func buildRouter(
	cfg *config.Config,
	db *pgxpool.Pool,
	redisClient *redisclient.Client,
	bus *eventbus.Bus,
	rideHandler *rides.Handler,
	driverHandler *drivers.Handler,
	rtHandler *realtime.Handler,
) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.Recovery(),
		middleware.CorrelationID(),
		middleware.RequestLogger(serviceName),
		middleware.Metrics(serviceName),
		middleware.CORS(cfg.Server.CORSOrigins),
	)

	router.GET("/health", common.HealthCheck(serviceName, version))
	router.GET("/ready", common.ReadinessProbe(serviceName, version, map[string]func() error{
		"postgres": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"redis": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(ctx).Err()
		},
		"nats": func() error {
			if bus == nil {
				return nil
			}
			if !bus.Connected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		},
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(cfg.JWT.Secret)

	v1 := router.Group("/api/v1")
	{
		riderRides := v1.Group("/rides", auth, middleware.RequireRole(middleware.RoleRider))
		rideHandler.RegisterRiderRoutes(riderRides)

		driver := v1.Group("/driver", auth, middleware.RequireRole(middleware.RoleDriver))
		driverHandler.RegisterRoutes(driver)
		rideHandler.RegisterDriverRoutes(driver.Group("/rides"))

		v1.GET("/ws", auth, rtHandler.HandleWS)
	}

	return router
}
