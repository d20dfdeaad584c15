package main

import (
	"fmt"
	"net/http"

	"fleetwatch/app/handler"
	"fleetwatch/app/router"
	"fleetwatch/internal/service"
	"fleetwatch/pkg/backend"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/metrics"
	"fleetwatch/pkg/notification"
	"fleetwatch/pkg/provider"
	redisstore "fleetwatch/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.InfoCtx(app.ctx, "Logging system has been closed")
		logger.Sync()
	})
	return nil
}

// initMetrics initializes the Prometheus registry
func (app *Application) initMetrics() error {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.NewMetrics(app.registry)
	return nil
}

// initBackend initializes the session and the snapshot API client
func (app *Application) initBackend() error {
	if app.config.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}

	app.session = service.NewSession(app.config.Backend.Token)
	if !app.session.Valid() {
		logger.WarnCtx(app.ctx, "No backend token configured, waiting for PUT /api/v1/session")
	}
	app.backendClient = backend.NewClient(app.config.Backend, app.session)
	return nil
}

// initEventSource initializes the live event channel for the configured driver
func (app *Application) initEventSource() error {
	factory := provider.NewProviderFactory(app.config, provider.Dependencies{
		Tokens:  app.session,
		Metrics: app.metrics,
	})

	source, err := factory.CreateEventSource(app.ctx)
	if err != nil {
		return fmt.Errorf("failed to create %s event source: %w", app.config.Stream.Driver, err)
	}

	app.eventSource = source
	app.registerCleanup(func() {
		if err := source.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to close event source: %v", err)
			return
		}
		logger.InfoCtx(app.ctx, "Event source has been closed")
	})
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.fleetService = service.NewFleetService(
		app.config.Fleet,
		app.backendClient,
		app.eventSource,
		app.session,
		app.config.Stream.Topic,
		app.metrics,
	)

	app.notifier = notification.NewFeishuNotifier(app.config.Notification)
	if app.notifier.Enabled() {
		app.attachAlertRedis()
		app.fleetService.SetNotifier(app.notifier)
	}
	return nil
}

// attachAlertRedis shares alert cooldowns between replicas.
// If Redis is unavailable, alerts fall back to single-instance cooldowns.
func (app *Application) attachAlertRedis() {
	if app.config.Redis.Addr == "" {
		return
	}
	client, err := redisstore.NewRedisClient(app.ctx, app.config.Redis)
	if err != nil {
		logger.WarnCtx(app.ctx, "Redis unavailable for alert cooldowns, running in single-instance mode: %v", err)
		return
	}
	app.notifier.WithRedis(client.GetClient())
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.fleetHandler = handler.NewFleetHandler(app.fleetService)
	app.sessionHandler = handler.NewSessionHandler(app.fleetService)
	app.streamHandler = handler.NewStreamHandler(app.fleetService)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	// Set Gin mode
	gin.SetMode(app.config.Server.Mode)

	app.ginEngine = gin.New()

	r := router.NewRouter(
		app.fleetHandler,
		app.sessionHandler,
		app.streamHandler,
		app.metrics.Handler(),
		app.config.Server.APIKey,
	)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}
