package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/services"
	httphandlers "telesignal/internal/handlers/http"
	"telesignal/internal/infrastructure/distributed"
	"telesignal/internal/infrastructure/middleware"
	"telesignal/internal/infrastructure/monitoring"
	"telesignal/internal/infrastructure/repositories/memory"
	signalws "telesignal/internal/infrastructure/signal"
	"telesignal/internal/infrastructure/turn"
	"telesignal/pkg/circuitbreaker"
	"telesignal/pkg/config"
	"telesignal/pkg/logger"
	"telesignal/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var version = "dev"

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	environment := domain.Environment(cfg.Turn.Environment)

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "telesignal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Turn.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	// Core services
	registry := memory.NewConnectionRegistry()
	broadcaster := services.NewBroadcastService(registry, log.Named("broadcast"))

	turnClient := turn.NewClient(cfg.Turn.BaseURL, cfg.Turn.APIKey, cfg.Turn.Timeout, log.Named("turn"))
	credentials := services.NewCredentialService(turnClient, services.CredentialServiceConfig{
		APIKey:  cfg.Turn.APIKey,
		Timeout: cfg.Turn.Timeout,
		Policy: domain.ICEPolicy{
			ICETransportPolicy: cfg.Turn.ICETransportPolicy,
			BundlePolicy:       cfg.Turn.BundlePolicy,
			RTCPMuxPolicy:      cfg.Turn.RTCPMuxPolicy,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Turn.CircuitBreaker.FailureThreshold,
			OpenTimeout:      cfg.Turn.CircuitBreaker.OpenTimeout,
		},
	}, log.Named("credentials"))
	if environment.IsProduction() && cfg.Turn.APIKey == "" {
		log.Warn("running in production without a TURN API key; clients will only receive STUN servers")
	}

	wsServer := signalws.NewWebSocketServer(registry, broadcaster, signalws.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendQueueSize:     cfg.Signal.SendQueueSize,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxConnections:    cfg.Signal.MaxConnections,
		MessagesPerSecond: rateIf(cfg.RateLimiting.Enabled, cfg.RateLimiting.WebSocket.MessagesPerSecond),
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
	}, log.Named("signal"))

	corsPolicy := middleware.NewCORS(cfg.CORS.AllowedOrigins)
	wsServer.SetOriginPolicy(corsPolicy)

	// Monitoring
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		broadcaster.SetMetrics(collector)
		credentials.SetMetrics(collector)
		wsServer.SetMetrics(collector)
	}
	healthChecker := monitoring.NewHealthChecker()

	// Cross-instance fan-out
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	var eventBus *distributed.EventBus
	if cfg.Redis.Enabled {
		redisClient, err := distributed.NewRedisClient(relayCtx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log.Named("redis"))
		if err != nil {
			log.Fatalw("failed to connect to Redis", "error", err)
		}
		defer redisClient.Close()

		eventBus = distributed.NewEventBus(redisClient, uuid.NewString(), cfg.Redis.Channel, log.Named("relay"))
		broadcaster.SetRelay(eventBus)
		healthChecker.AddRedisCheck(redisClient, 2*time.Second)

		go func() {
			err := eventBus.Subscribe(relayCtx, func(ctx context.Context, event *distributed.Event) error {
				broadcaster.DeliverRemote(ctx, []byte(event.Payload))
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("relay subscription ended", "error", err)
			}
		}()
	}

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalw("invalid server.trusted_proxies", "error", err)
	}
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestLogger(logger.NewContextLogger(log.Named("http"))))
	router.Use(middleware.TracingMiddleware("/ws"))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/ws", wsServer.HandleWebSocket)
	httphandlers.NewCredentialsHandler(credentials, environment).SetupRoutes(router)
	healthHandler := httphandlers.NewHealthHandler(healthChecker, wsServer, version)
	healthHandler.SetCredentialCircuit(credentials)
	healthHandler.SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           corsPolicy.Handler(router),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting telesignal",
			"address", cfg.Server.Address,
			"environment", environment,
			"version", version,
			"relay", eventBus != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked sockets are not tracked by http.Server, so close them first.
	wsServer.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	stopRelay()
	if eventBus != nil {
		eventBus.Close()
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("telesignal stopped")
}

func rateIf(enabled bool, perSecond float64) float64 {
	if !enabled {
		return 0
	}
	return perSecond
}
