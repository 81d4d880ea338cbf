// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_routers

import (
	"github.com/gin-gonic/gin"

	healthCheckApi "github.com/rapidaai/sitevoice/api/health-check-api"
	voiceTalkApi "github.com/rapidaai/sitevoice/api/voice-api/api/talk"
	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_session "github.com/rapidaai/sitevoice/api/voice-api/internal/session"
	internal_submission "github.com/rapidaai/sitevoice/api/voice-api/internal/submission"
	"github.com/rapidaai/sitevoice/config"
	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/connectors"
)

func VoiceApiRoute(
	cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger,
	postgres connectors.PostgresConnector,
	registry *internal_session.Registry) {
	apiv1 := engine.Group("v1/voice")
	talkApi := voiceTalkApi.NewVoiceApi(cfg,
		logger,
		registry,
		internal_form.NewStore(postgres, logger),
		internal_submission.NewStore(postgres, logger),
	)
	{
		// for incoming call
		apiv1.POST("/twilio/call/:formType", talkApi.PhoneCallReceiver)
		apiv1.GET("/twilio/stream", talkApi.TwilioStreamTalker)

		apiv1.GET("/browser", talkApi.BrowserTalker)
		apiv1.POST("/openai/token", talkApi.RealtimeToken)
	}

	// Liveness and readiness probes sit outside the versioned group.
	hcApi := healthCheckApi.New(cfg, logger, postgres)
	engine.GET("/healthz/", hcApi.Healthz)
	engine.GET("/readiness/", hcApi.Readiness)
}
