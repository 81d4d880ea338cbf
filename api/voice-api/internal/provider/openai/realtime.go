// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider_openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"

	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_provider "github.com/rapidaai/sitevoice/api/voice-api/internal/provider"
	"github.com/rapidaai/sitevoice/pkg/commons"
)

const (
	// DefaultRealtimeURL is the SDP exchange endpoint; the model is appended
	// as a query parameter.
	DefaultRealtimeURL = "https://api.openai.com/v1/realtime"

	// DefaultSessionURL mints ephemeral client secrets for browser clients.
	DefaultSessionURL = "https://api.openai.com/v1/realtime/sessions"

	// dataChannelLabel is the Realtime API's JSON event channel.
	dataChannelLabel = "oai-events"
)

// =============================================================================
// Ephemeral client secrets
// =============================================================================

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// MintClientSecret exchanges the long-lived API key for a short-lived client
// secret a browser can safely hold. The long-lived key never reaches the
// client.
func MintClientSecret(ctx context.Context, apiKey, model, voice string) (string, error) {
	if apiKey == "" {
		return "", commons.CredentialErrorf("missing openai api key")
	}

	var out sessionResponse
	resp, err := resty.New().
		SetTimeout(15*time.Second).
		R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"model": model, "voice": voice}).
		SetResult(&out).
		Post(DefaultSessionURL)
	if err != nil {
		return "", commons.ConnectionErrorf("failed to mint client secret: %v", err)
	}
	if resp.IsError() {
		return "", commons.CredentialErrorf("client secret request rejected: status=%d", resp.StatusCode())
	}
	if out.ClientSecret.Value == "" {
		return "", commons.ProtocolErrorf("client secret missing from session response")
	}
	return out.ClientSecret.Value, nil
}

// =============================================================================
// Wire events
// =============================================================================

type realtimeEvent struct {
	Type string `json:"type"`

	// response.audio_transcript.*
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *realtimeError `json:"error,omitempty"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Connector
// =============================================================================

// connector speaks the OpenAI Realtime WebRTC protocol: SDP offer/answer over
// HTTPS with a bearer ephemeral token, JSON events on the oai-events data
// channel, synthesized audio on the remote media track.
type connector struct {
	logger  commons.Logger
	handler internal_provider.Handler
	init    internal_provider.Init

	model       string
	realtimeURL string
	http        *resty.Client

	mu     sync.Mutex
	pc     *pionwebrtc.PeerConnection
	dc     *pionwebrtc.DataChannel
	dcOpen chan struct{}

	closeOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
}

// Option configures the connector.
type Option func(*connector)

// WithModel selects the realtime model.
func WithModel(model string) Option {
	return func(c *connector) { c.model = model }
}

// WithRealtimeURL overrides the SDP exchange endpoint (tests).
func WithRealtimeURL(url string) Option {
	return func(c *connector) { c.realtimeURL = url }
}

// NewConnector creates an OpenAI Realtime connector for one session.
// init.APIKey is the ephemeral client secret for this call.
func NewConnector(logger commons.Logger, handler internal_provider.Handler, init internal_provider.Init, opts ...Option) internal_provider.Connector {
	c := &connector{
		logger:      logger,
		handler:     handler,
		init:        init,
		model:       "gpt-4o-realtime-preview",
		realtimeURL: DefaultRealtimeURL,
		http:        resty.New().SetTimeout(20 * time.Second),
		dcOpen:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect builds the peer connection, performs the SDP exchange and waits for
// the data channel so the session.update carrying the directive goes out
// before any conversation traffic.
func (c *connector) Connect(ctx context.Context) error {
	if c.init.APIKey == "" {
		return commons.CredentialErrorf("missing ephemeral client secret")
	}

	pc, err := pionwebrtc.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return commons.ConnectionErrorf("failed to create peer connection: %v", err)
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	if _, err := pc.AddTransceiverFromKind(pionwebrtc.RTPCodecTypeAudio,
		pionwebrtc.RTPTransceiverInit{Direction: pionwebrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		c.Close()
		return commons.ConnectionErrorf("failed to add audio transceiver: %v", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		c.Close()
		return commons.ConnectionErrorf("failed to create data channel: %v", err)
	}
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if err := c.sendSessionUpdate(); err != nil {
			c.handler.OnError(err)
		}
		close(c.dcOpen)
	})
	dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		c.handler.OnRaw(msg.Data)
		c.dispatch(msg.Data)
	})

	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		go c.readRemoteAudio(track)
	})

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		switch state {
		case pionwebrtc.PeerConnectionStateFailed:
			c.notifyClosed(commons.ConnectionErrorf("peer connection failed"))
		case pionwebrtc.PeerConnectionStateClosed:
			c.notifyClosed(nil)
		}
	})

	if err := c.exchangeSDP(ctx, pc); err != nil {
		c.Close()
		return err
	}

	select {
	case <-c.dcOpen:
		return nil
	case <-ctx.Done():
		c.Close()
		return commons.ConnectionErrorf("data channel did not open: %v", ctx.Err())
	case <-time.After(20 * time.Second):
		c.Close()
		return commons.ConnectionErrorf("data channel did not open in time")
	}
}

// exchangeSDP creates a local offer, waits for ICE gathering, posts the offer
// with the bearer ephemeral token and applies the answer.
func (c *connector) exchangeSDP(ctx context.Context, pc *pionwebrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return commons.ConnectionErrorf("failed to create offer: %v", err)
	}
	gatherComplete := pionwebrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return commons.ConnectionErrorf("failed to set local description: %v", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return commons.ConnectionErrorf("ICE gathering interrupted: %v", ctx.Err())
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.init.APIKey).
		SetHeader("Content-Type", "application/sdp").
		SetQueryParam("model", c.model).
		SetBody(pc.LocalDescription().SDP).
		Post(c.realtimeURL)
	if err != nil {
		return commons.ConnectionErrorf("SDP exchange failed: %v", err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return commons.CredentialErrorf("SDP exchange rejected: status=%d", resp.StatusCode())
	}
	if resp.IsError() {
		return commons.ConnectionErrorf("SDP exchange rejected: status=%d", resp.StatusCode())
	}

	return pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  string(resp.Body()),
	})
}

// sendSessionUpdate configures the realtime session: the schema directive as
// instructions plus the two tools the directive tells the agent to call.
func (c *connector) sendSessionUpdate() error {
	update := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"instructions": c.init.Directive,
			"tools": []map[string]interface{}{
				{
					"type":        "function",
					"name":        internal_form.ToolExtractFields,
					"description": "Record form field values extracted from the caller's latest utterance. Pass every field the utterance filled.",
					"parameters": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": true,
					},
				},
				{
					"type":        "function",
					"name":        internal_form.ToolSubmitForm,
					"description": "Finalise the form once every required field has a value.",
					"parameters": map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{"confirmed": map[string]string{"type": "boolean"}},
					},
				},
			},
		},
	}
	return c.sendEvent(update)
}

// dispatch routes one data-channel event by type.
func (c *connector) dispatch(data []byte) {
	var event realtimeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Errorf("failed to unmarshal realtime event: %v", err)
		return
	}

	switch event.Type {
	case "response.audio_transcript.delta":
		c.logger.Debugf("assistant transcript delta: %d bytes", len(event.Delta))

	case "response.audio_transcript.done":
		c.handler.OnAgentResponse(event.Transcript)

	case "conversation.item.input_audio_transcription.completed":
		c.handler.OnUserTranscript(event.Transcript)

	case "input_audio_buffer.speech_started":
		c.handler.OnInterruption()

	case "response.function_call_arguments.done":
		c.dispatchFunctionCall(event)

	case "error":
		detail := "unknown realtime error"
		if event.Error != nil {
			detail = fmt.Sprintf("%s: %s", event.Error.Code, event.Error.Message)
		}
		c.handler.OnError(commons.ProtocolErrorf("realtime error: %s", detail))

	default:
		c.logger.Debugf("ignoring realtime event: type=%s", event.Type)
	}
}

func (c *connector) dispatchFunctionCall(event realtimeEvent) {
	switch event.Name {
	case internal_form.ToolExtractFields:
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(event.Arguments), &args); err != nil {
			c.handler.OnError(commons.ProtocolErrorf("undecodable function arguments: %v", err))
			return
		}
		c.handler.OnExtraction(args)
	case internal_form.ToolSubmitForm:
		c.handler.OnSubmission()
	default:
		c.logger.Debugf("ignoring unknown function call: name=%s", event.Name)
	}
}

// readRemoteAudio depacketizes the synthesized audio track and forwards the
// payloads in receipt order.
func (c *connector) readRemoteAudio(track *pionwebrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.logger.Debugf("failed to unmarshal RTP packet: %v", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		c.handler.OnAudio(pkt.Payload)
	}
}

// SendAudio appends one base64 audio chunk to the input buffer.
func (c *connector) SendAudio(chunk []byte) error {
	return c.sendEvent(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText injects a user-visible text item and asks for a response.
func (c *connector) SendText(text string) error {
	item := map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]string{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.sendEvent(item); err != nil {
		return err
	}
	return c.sendEvent(map[string]string{"type": "response.create"})
}

// Forward relays a raw client event verbatim onto the data channel.
func (c *connector) Forward(raw []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return commons.ConnectionErrorf("data channel is not open")
	}
	if err := dc.SendText(string(raw)); err != nil {
		return commons.ConnectionErrorf("failed to forward event: %v", err)
	}
	return nil
}

func (c *connector) sendEvent(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.Forward(data)
}

func (c *connector) notifyClosed(err error) {
	c.closeOnce.Do(func() {
		c.handler.OnClosed(err)
	})
}

// Close tears down the data channel and peer connection. Idempotent.
func (c *connector) Close() error {
	c.shutdownOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		dc := c.dc
		pc := c.pc
		c.dc = nil
		c.pc = nil
		c.mu.Unlock()

		if dc != nil {
			dc.Close()
		}
		if pc != nil {
			pc.Close()
		}
	})
	return nil
}
