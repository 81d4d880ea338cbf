// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package health_check_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/sitevoice/config"
	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/connectors"
)

// HealthCheckApi serves liveness and readiness probes.
type HealthCheckApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	postgres connectors.PostgresConnector
}

func New(cfg *config.AppConfig, logger commons.Logger, postgres connectors.PostgresConnector) *HealthCheckApi {
	return &HealthCheckApi{cfg: cfg, logger: logger, postgres: postgres}
}

// Healthz reports process liveness.
func (hApi *HealthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": hApi.cfg.Name,
		"version": hApi.cfg.Version,
	})
}

// Readiness reports whether the service can take traffic; the database must
// be reachable.
func (hApi *HealthCheckApi) Readiness(c *gin.Context) {
	sqlDB, err := hApi.postgres.DB(c.Request.Context()).DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		hApi.logger.Errorf("readiness check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
