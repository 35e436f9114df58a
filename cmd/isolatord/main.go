package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"isolator/internal/common/cache"
	"isolator/internal/common/db"
	commonmw "isolator/internal/common/http/middleware"
	"isolator/internal/common/mq"
	"isolator/internal/isolator/controller"
	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/executor"
	"isolator/internal/isolator/governor"
	"isolator/internal/isolator/lifecycle"
	"isolator/internal/isolator/reaper"
	"isolator/internal/isolator/registry"
	"isolator/internal/isolator/repository"
	"isolator/internal/isolator/service"
	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/terminal"
	"isolator/internal/isolator/workspace"
	"isolator/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/isolatord.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	eng, err := engine.NewDockerEngine()
	if err != nil {
		logger.Error(context.Background(), "init container engine failed", zap.Error(err))
		return
	}
	defer func() {
		_ = eng.Close()
	}()

	pingers := map[string]service.Pinger{
		"engine": eng.Ping,
	}

	// The metadata store is a soft dependency: every backend below is
	// optional and the isolator keeps serving without it.
	var redisCache cache.Cache
	if appCfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCacheWithConfig(appCfg.Redis.toCacheConfig())
		if err != nil {
			logger.Warn(context.Background(), "init redis failed, snapshots disabled", zap.Error(err))
		} else {
			redisCache = rc
			pingers["redis"] = rc.Ping
			defer func() {
				_ = rc.Close()
			}()
		}
	}

	var dbProvider db.Provider
	if appCfg.Database.DSN != "" {
		database, err := openDatabase(appCfg.Database)
		if err != nil {
			logger.Warn(context.Background(), "init database failed, audit trail disabled", zap.Error(err))
		} else {
			dbProvider = db.NewStaticProvider(database)
			pingers["database"] = database.Ping
			defer func() {
				_ = database.Close()
			}()
		}
	}

	var producer mq.Producer
	if len(appCfg.Kafka.Brokers) > 0 {
		kp, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Warn(context.Background(), "init kafka failed, events disabled", zap.Error(err))
		} else {
			producer = kp
			pingers["kafka"] = kp.Ping
			defer func() {
				_ = kp.Close()
			}()
		}
	}

	ws, err := workspace.NewManager(appCfg.Workspace.toWorkspaceConfig())
	if err != nil {
		logger.Error(context.Background(), "init workspace manager failed", zap.Error(err))
		return
	}

	var repo *repository.SandboxRepository
	if redisCache != nil || dbProvider != nil {
		repo = repository.NewSandboxRepository(redisCache, dbProvider, appCfg.Store.SnapshotTTL)
	}

	var publisher spec.EventSink
	if producer != nil {
		publisher = repository.NewMQEventPublisher(producer, appCfg.Kafka.Topic)
	}

	reg := registry.New()
	sink := service.NewPersistingSink(publisher, reg, repo)

	lc := lifecycle.NewController(appCfg.Lifecycle.toLifecycleConfig(), eng, reg, ws, sink)
	exec := executor.New(appCfg.Executor.toExecutorConfig(), eng, reg, lc, sink)
	terms := terminal.NewManager(appCfg.Terminal.toTerminalConfig(), eng, reg, lc)
	gov := governor.New(appCfg.Governor.toGovernorConfig(), eng, reg, lc, sink)
	rp := reaper.New(appCfg.Reaper.toReaperConfig(), eng, reg, lc, ws, terms)

	svc, err := service.New(service.Config{
		Lifecycle:     lc,
		Executor:      exec,
		Terminals:     terms,
		Registry:      reg,
		Workspace:     ws,
		Repo:          repo,
		Pingers:       pingers,
		DefaultLimits: appCfg.Limits.toResourceLimits(),
	})
	if err != nil {
		logger.Error(context.Background(), "init service failed", zap.Error(err))
		return
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := lc.Start(runCtx); err != nil {
		logger.Error(context.Background(), "prepare sandbox network failed", zap.Error(err))
		return
	}
	go gov.Run(runCtx)
	go rp.Run(runCtx)

	httpServer := buildHTTPServer(appCfg.Server, svc)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "isolator http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	cancelRun()
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	// Containers and workspaces do not outlive the process.
	svc.Shutdown(ctx)
}

func openDatabase(cfg DatabaseConfig) (db.Database, error) {
	switch cfg.Driver {
	case "postgres":
		return db.NewPostgreSQLWithConfig(cfg.toPostgreSQLConfig())
	default:
		return db.NewMySQLWithConfig(cfg.toMySQLConfig())
	}
}

func buildHTTPServer(cfg ServerConfig, svc *service.Service) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	sandboxes := controller.NewSandboxController(svc)
	files := controller.NewFileController(svc)
	terminals := controller.NewTerminalController(svc)

	router.GET("/health", sandboxes.Health)

	api := router.Group("/api/v1/sandboxes")
	api.POST("", sandboxes.Create)
	api.GET("", sandboxes.List)

	one := api.Group("/:id")
	one.Use(commonmw.SandboxContext("id"))
	one.GET("", sandboxes.Get)
	one.DELETE("", sandboxes.Delete)
	one.POST("/exec", sandboxes.Exec)
	one.GET("/files", files.Read)
	one.PUT("/files", files.Write)
	one.DELETE("/files", files.Delete)
	one.GET("/files/list", files.List)
	one.POST("/files/copy", files.Copy)
	one.GET("/terminal", terminals.Attach)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
