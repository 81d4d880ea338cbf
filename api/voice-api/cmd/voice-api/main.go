// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_session "github.com/rapidaai/sitevoice/api/voice-api/internal/session"
	internal_submission "github.com/rapidaai/sitevoice/api/voice-api/internal/submission"
	voice_routers "github.com/rapidaai/sitevoice/api/voice-api/router"
	"github.com/rapidaai/sitevoice/config"
	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/connectors"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to init config: %v", err)
	}
	cfg, err := config.GetAppConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load app config: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig)
	if err != nil {
		logger.Errorf("failed to connect to postgres: %v", err)
		return
	}
	defer postgres.Close()

	if err := postgres.DB(ctx).AutoMigrate(
		&internal_form.SchemaRecord{},
		&internal_submission.Submission{},
	); err != nil {
		logger.Errorf("failed to migrate database: %v", err)
		return
	}

	registry := internal_session.NewRegistry(logger)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	voice_routers.VoiceApiRoute(cfg, engine, logger, postgres, registry)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("%s %s listening on %s", cfg.Name, cfg.Version, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("server stopped: %v", err)
		return
	}
	logger.Info("server stopped")
}
