package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/umlhive/umlsync/internal/config"
	"github.com/umlhive/umlsync/internal/slogging"
	"github.com/umlhive/umlsync/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "umlsync-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.Dir,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = slogging.Get().Close() }()

	logger := slogging.Get()
	logger.Info("umlsync relay starting on %s", cfg.ListenAddr())

	var presence relay.PresenceStore
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		presence = relay.NewRedisPresence(rdb, cfg.Redis.PresenceTTL)
		logger.Info("presence store: redis at %s", cfg.Redis.Addr)
	} else {
		presence = relay.NewMemoryPresence()
		logger.Info("presence store: in-memory")
	}

	hub := relay.NewHub(presence, relay.Options{
		PingInterval:       cfg.WebSocket.PingInterval,
		PongWait:           cfg.WebSocket.PongWait,
		WriteWait:          cfg.WebSocket.WriteWait,
		ReadLimit:          cfg.WebSocket.ReadLimit,
		SendBufferSize:     cfg.WebSocket.SendBufferSize,
		InboundRate:        cfg.WebSocket.InboundRate,
		InboundBurst:       cfg.WebSocket.InboundBurst,
		SessionIdleTimeout: cfg.WebSocket.SessionIdleTimeout,
		CleanupInterval:    cfg.WebSocket.CleanupInterval,
	})

	auth := relay.NewAuthenticator(cfg.Auth.JWTSecret)
	if auth == nil {
		logger.Warn("upgrade authentication disabled (no JWT secret configured)")
	}

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	relay.NewHandler(hub, auth).RegisterRoutes(router)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": hub.SessionCount()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hub.StartCleanupTimer(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		hub.Shutdown()
		return nil
	})

	return g.Wait()
}
