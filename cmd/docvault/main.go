package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/docvault/internal/auth"
	"github.com/lgulliver/docvault/internal/common"
	"github.com/lgulliver/docvault/internal/scanner"
	"github.com/lgulliver/docvault/internal/storage"
	"github.com/lgulliver/docvault/internal/vault"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Str("version", types.APIVersion).Msg("starting docvault")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cache.Close()

	blobStorage, err := storage.NewFromConfig(&cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanWorker := scanner.NewWorker(db, cache, blobStorage, scanner.NewSignatureScanner(nil), &cfg.Scanner)
	scanWorker.Start(ctx)
	defer scanWorker.Stop()

	// Documents stuck in scanning from a previous run get re-queued
	if err := scanWorker.RequeuePending(ctx); err != nil {
		log.Error().Err(err).Msg("failed to requeue pending scans")
	}

	authService := auth.NewService(db, &cfg.Auth)
	if err := authService.EnsureAdmin(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to provision admin account")
	}

	vaultService, err := vault.NewService(db, cache, blobStorage, scanWorker, &cfg.Upload, &cfg.Scanner)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize document service")
	}

	router := setupRouter(authService, vaultService, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupRouter(authService *auth.Service, vaultService *vault.Service, cfg *config.Config) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "docvault",
			"version": types.APIVersion,
			"time":    time.Now().UTC(),
		})
	})

	api := router.Group("/api/v1")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/login", handleLogin(authService))
			authRoutes.POST("/api-keys", auth.Middleware(authService), handleCreateAPIKey(authService))
			authRoutes.DELETE("/api-keys/:id", auth.Middleware(authService), handleRevokeAPIKey(authService))
		}

		documents := api.Group("/documents")
		documents.Use(auth.Middleware(authService))
		{
			documents.POST("", handleUpload(vaultService, &cfg.Upload))
			documents.GET("/status", handleStatus(vaultService, &cfg.Upload))
			documents.GET("/delete", handleDelete(vaultService, &cfg.Upload))
			documents.GET("/download", handleDownload(vaultService, &cfg.Upload))
		}
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, X-API-Key, Accept, Origin")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
