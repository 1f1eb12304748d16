package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/camerarts/lumina-portfolio/internal/app"
	"github.com/camerarts/lumina-portfolio/internal/config"
	"github.com/camerarts/lumina-portfolio/internal/server"
	"github.com/camerarts/lumina-portfolio/internal/util"
	"github.com/camerarts/lumina-portfolio/pkg/kv"
	"github.com/camerarts/lumina-portfolio/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	store, err := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.ScanCeiling)
	if err != nil {
		log.Fatalf("failed to init kv store: %v", err)
	}
	objects, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:   store,
		Objects: objects,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		AdminToken:               cfg.AdminToken,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		UploadRateLimitPerMinute: cfg.UploadRateLimitPerMinute,
		BatchRateLimitPerMinute:  cfg.BatchRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		AllowedExtensions:        cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("portfolio server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
