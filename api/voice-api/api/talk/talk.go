// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_talk_api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go/twiml"

	channel_browser "github.com/rapidaai/sitevoice/api/voice-api/internal/channel/browser"
	channel_telephony "github.com/rapidaai/sitevoice/api/voice-api/internal/channel/telephony"
	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_provider_openai "github.com/rapidaai/sitevoice/api/voice-api/internal/provider/openai"
	internal_session "github.com/rapidaai/sitevoice/api/voice-api/internal/session"
	internal_submission "github.com/rapidaai/sitevoice/api/voice-api/internal/submission"
	"github.com/rapidaai/sitevoice/config"
	"github.com/rapidaai/sitevoice/pkg/commons"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// VoiceApi serves the inbound-call webhook and the two voice WebSockets.
type VoiceApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	registry *internal_session.Registry
	schemas  internal_form.Store
	sink     internal_submission.Store
}

func NewVoiceApi(
	cfg *config.AppConfig,
	logger commons.Logger,
	registry *internal_session.Registry,
	schemas internal_form.Store,
	sink internal_submission.Store,
) *VoiceApi {
	return &VoiceApi{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		schemas:  schemas,
		sink:     sink,
	}
}

// PhoneCallReceiver answers Twilio's inbound-call webhook with TwiML that
// connects the call to our media-stream WebSocket. The <Say> after <Connect>
// only plays once the stream ends, so an early stream teardown becomes an
// apology to the caller instead of dead air.
//
// @Router /v1/voice/twilio/call/:formType [post]
func (vApi *VoiceApi) PhoneCallReceiver(c *gin.Context) {
	formType := c.Param("formType")
	caller := c.PostForm("From")

	// Reject unknown form types here, before Twilio ever opens the stream.
	if _, err := vApi.schemas.GetSchema(c.Request.Context(), formType); err != nil {
		vApi.logger.Errorf("inbound call for unknown form type %q: %v", formType, err)
		vApi.writeTwiML(c, vApi.declineTwiML())
		return
	}

	stream := &twiml.VoiceStream{
		Url: fmt.Sprintf("wss://%s/v1/voice/twilio/stream", vApi.cfg.PublicHost),
	}
	stream.InnerElements = []twiml.Element{
		&twiml.VoiceParameter{Name: channel_telephony.ParamCallerPhone, Value: caller},
		&twiml.VoiceParameter{Name: channel_telephony.ParamFormType, Value: formType},
	}
	connect := &twiml.VoiceConnect{}
	connect.InnerElements = []twiml.Element{stream}
	say := &twiml.VoiceSay{
		Message: "We are sorry, the form assistant is not available right now. Please try again later. Goodbye.",
	}

	doc, err := twiml.Voice([]twiml.Element{connect, say})
	if err != nil {
		vApi.logger.Errorf("failed to render twiml: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	vApi.writeTwiML(c, doc)
}

// TwilioStreamTalker upgrades Twilio's media-stream connection and runs the
// call until it ends.
//
// @Router /v1/voice/twilio/stream [get]
func (vApi *VoiceApi) TwilioStreamTalker(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		vApi.logger.Errorf("media stream upgrade failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to upgrade to websocket"})
		return
	}

	streamer := channel_telephony.NewStreamer(
		vApi.logger,
		vApi.registry,
		vApi.schemas,
		vApi.sink,
		channel_telephony.ProviderCredentials{
			AgentID: vApi.cfg.ElevenLabsAgentID,
			APIKey:  vApi.cfg.ElevenLabsAPIKey,
		},
		conn,
	)
	streamer.Run(c.Request.Context())
}

// BrowserTalker upgrades the browser voice WebSocket and runs the bridge
// until the browser disconnects.
//
// @Router /v1/voice/browser [get]
func (vApi *VoiceApi) BrowserTalker(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		vApi.logger.Errorf("browser socket upgrade failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to upgrade to websocket"})
		return
	}

	streamer := channel_browser.NewStreamer(
		vApi.logger,
		vApi.registry,
		vApi.schemas,
		vApi.sink,
		conn,
	)
	streamer.Run(c.Request.Context())
}

// RealtimeToken mints a short-lived OpenAI Realtime client secret for a
// browser that wants to run the WebRTC path directly. The long-lived API key
// stays on the server.
//
// @Router /v1/voice/openai/token [post]
func (vApi *VoiceApi) RealtimeToken(c *gin.Context) {
	var req struct {
		Voice string `json:"voice"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Voice == "" {
		req.Voice = "alloy"
	}

	secret, err := internal_provider_openai.MintClientSecret(
		c.Request.Context(), vApi.cfg.OpenAIAPIKey, vApi.cfg.OpenAIModel, req.Voice)
	if err != nil {
		vApi.logger.Errorf("failed to mint realtime client secret: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "unable to mint client secret"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client_secret": secret,
		"model":         vApi.cfg.OpenAIModel,
	})
}

func (vApi *VoiceApi) writeTwiML(c *gin.Context, doc string) {
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, doc)
}

// declineTwiML is spoken when the call cannot be served at all.
func (vApi *VoiceApi) declineTwiML() string {
	say := &twiml.VoiceSay{
		Message: "We are sorry, this form line is not configured. Please contact your site office. Goodbye.",
	}
	doc, err := twiml.Voice([]twiml.Element{say})
	if err != nil {
		return "<Response></Response>"
	}
	return doc
}
