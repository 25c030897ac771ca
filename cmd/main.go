package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/api/handler"
	"lomitalk/backend/internal/chathub"
	"lomitalk/backend/internal/complaint"
	"lomitalk/backend/internal/config"
	"lomitalk/backend/internal/localization"
	"lomitalk/backend/internal/logger"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/telegram"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("lomitalk stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, closeLog := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closeLog()
	slog.SetDefault(log)
	log.Info("starting LomiTalk backend", slog.String("env", cfg.App.Env))

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.App.Env,
			Release:          cfg.App.Release,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Storage
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return err
	}

	// 2. Redis: pool mirror, presence and cross-instance relay
	var index *storage.RedisIndex
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		index = storage.NewRedisIndex(rdb)
	}

	// 3. Engine, hub and adapters
	tariff := matchmaking.Tariff{
		PerChar: cfg.Billing.PerChar,
		Photo:   cfg.Billing.PhotoCost,
		Video:   cfg.Billing.VideoCost,
	}
	var poolIndex matchmaking.PoolIndex
	if index != nil {
		poolIndex = index
	}
	engine := matchmaking.NewEngine(store, poolIndex, tariff, cfg.Billing.InitialPoints, log)

	localizer, err := localization.NewLocalizer()
	if err != nil {
		return fmt.Errorf("load translations: %w", err)
	}
	complaints := complaint.NewService(store, engine.Sessions, log)
	hub := chathub.NewManagerService(engine, complaints, localizer, log)
	if index != nil {
		hub.Relay = index
		hub.Presence = index
	}

	if cfg.Telegram.Enabled {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("start telegram bot: %w", err)
		}
		bot.Debug = cfg.Telegram.Debug
		log.Info("authorized on telegram", slog.String("account", bot.Self.UserName))

		botService := telegram.NewBotService(bot, hub, engine, localizer, log)
		hub.SetClientRestorer(botService.RestoreClient)

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)
		defer bot.StopReceivingUpdates()
		go botService.Run(ctx, updates)
	}

	go hub.Run(ctx)

	// 4. HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handler.NewHandler(hub, engine, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, log).Register(r)

	server := &http.Server{
		Addr:           cfg.HTTP.Addr,
		Handler:        r,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func setupStorage(cfg config.StorageConfig, log *slog.Logger) (storage.Storage, error) {
	if cfg.Driver == "memory" {
		log.Warn("using in-memory storage; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := storage.NewStorageService(db)
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database connection established, migrations complete")
	return s, nil
}
