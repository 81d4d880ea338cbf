// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package channel_browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/sitevoice/api/voice-api/internal/audio"
	internal_conversation "github.com/rapidaai/sitevoice/api/voice-api/internal/conversation"
	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_provider "github.com/rapidaai/sitevoice/api/voice-api/internal/provider"
	internal_provider_elevenlabs "github.com/rapidaai/sitevoice/api/voice-api/internal/provider/elevenlabs"
	internal_provider_openai "github.com/rapidaai/sitevoice/api/voice-api/internal/provider/openai"
	internal_session "github.com/rapidaai/sitevoice/api/voice-api/internal/session"
	"github.com/rapidaai/sitevoice/pkg/commons"
)

// =============================================================================
// Browser wire messages
// =============================================================================

// Providers the browser transport can bridge to. The init message selects
// one; the browser speaks that provider's protocol natively after the
// handshake.
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderOpenAI     = "openai"
)

// clientMessage is the thin envelope the bridge itself understands. Anything
// else a ready session receives is relayed to the provider verbatim.
type clientMessage struct {
	Type      string `json:"type"`
	Provider  string `json:"provider,omitempty"` // empty means elevenlabs
	AgentID   string `json:"agentId,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	FormType  string `json:"formType,omitempty"`
	Signature string `json:"signature,omitempty"` // base64 image artifact
}

type serverEnvelope struct {
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ConnectorFactory builds the provider connection for one browser session.
// provider is one of the Provider* constants, already validated.
type ConnectorFactory func(handler internal_provider.Handler, provider string, init internal_provider.Init) internal_provider.Connector

// =============================================================================
// Streamer
// =============================================================================

// Streamer bridges one browser WebSocket to the conversational provider. The
// browser speaks the provider protocol natively, so after the init handshake
// the bridge relays both directions verbatim and only peels off the messages
// it owns: the signature artifact going up and the lifecycle envelopes going
// down. Provider credentials arrive in the init message and are passed
// through for this one connection, never stored.
type Streamer struct {
	logger   commons.Logger
	registry *internal_session.Registry
	schemas  internal_form.Provider
	sink     internal_conversation.Sink

	conn             *websocket.Conn
	connectorFactory ConnectorFactory

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	ready     bool
	sessionID string
	session   *internal_session.Session
	connector internal_provider.Connector
	extractor *internal_conversation.Extractor
}

// Option configures the Streamer.
type Option func(*Streamer)

// WithConnectorFactory overrides how the provider connection is built.
func WithConnectorFactory(f ConnectorFactory) Option {
	return func(s *Streamer) { s.connectorFactory = f }
}

// NewStreamer wraps one upgraded browser WebSocket.
func NewStreamer(
	logger commons.Logger,
	registry *internal_session.Registry,
	schemas internal_form.Provider,
	sink internal_conversation.Sink,
	conn *websocket.Conn,
	opts ...Option,
) *Streamer {
	s := &Streamer{
		logger:   logger,
		registry: registry,
		schemas:  schemas,
		sink:     sink,
		conn:     conn,
	}
	s.connectorFactory = func(handler internal_provider.Handler, provider string, init internal_provider.Init) internal_provider.Connector {
		if provider == ProviderOpenAI {
			var connOpts []internal_provider_openai.Option
			if init.Model != "" {
				connOpts = append(connOpts, internal_provider_openai.WithModel(init.Model))
			}
			return internal_provider_openai.NewConnector(logger, handler, init, connOpts...)
		}
		return internal_provider_elevenlabs.NewConnector(logger, handler, init)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the session until the browser disconnects. It blocks.
func (s *Streamer) Run(ctx context.Context) {
	defer s.teardown()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugf("browser socket read failed: %v", err)
			}
			return
		}
		s.handleMessage(ctx, message)
	}
}

func (s *Streamer) handleMessage(ctx context.Context, message []byte) {
	s.mu.Lock()
	ready := s.ready
	started := s.connector != nil
	connector := s.connector
	s.mu.Unlock()

	var msg clientMessage
	// Binary frames and non-JSON text only make sense post-ready.
	if err := json.Unmarshal(message, &msg); err != nil {
		if ready {
			s.forward(connector, message)
		}
		return
	}

	switch msg.Type {
	case "init":
		if started {
			s.logger.Debugf("duplicate init ignored: session=%s", s.sessionID)
			return
		}
		if err := s.handleInit(ctx, &msg); err != nil {
			s.logger.Errorf("failed to initialize browser session: %v", err)
			s.sendEnvelope(serverEnvelope{Type: "error", Error: err.Error()})
			s.teardown()
		}

	case "signature":
		s.handleSignature(ctx, &msg)

	default:
		// Everything before connection_ready is dropped; the provider is not
		// there to receive it yet.
		if !ready {
			s.logger.Debugf("dropping pre-ready message: type=%s", msg.Type)
			return
		}
		s.forward(connector, message)
	}
}

// handleInit opens the provider connection with the browser-supplied
// credentials and registers the session.
func (s *Streamer) handleInit(ctx context.Context, msg *clientMessage) error {
	provider := msg.Provider
	if provider == "" {
		provider = ProviderElevenLabs
	}
	if provider != ProviderElevenLabs && provider != ProviderOpenAI {
		return commons.ConfigurationErrorf("unknown provider %q", msg.Provider)
	}

	schema, err := s.schemas.GetSchema(ctx, msg.FormType)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	sess, err := s.registry.Create(sessionID, internal_session.Metadata{
		CallID:   sessionID,
		Caller:   "browser",
		FormType: msg.FormType,
	})
	if err != nil {
		return err
	}

	state := internal_conversation.NewState(schema)
	extractor := internal_conversation.NewExtractor(s.logger, schema, state, s.sink)
	sess.Extractor = extractor

	connector := s.connectorFactory(s, provider, internal_provider.Init{
		AgentID:     msg.AgentID,
		APIKey:      msg.APIKey,
		Model:       msg.Model,
		Caller:      "browser",
		FormType:    msg.FormType,
		AudioFormat: internal_audio.FormatPCM16k,
		Directive:   internal_form.Directive(schema),
	})
	sess.BindConnector(connector)

	s.mu.Lock()
	s.sessionID = sessionID
	s.session = sess
	s.connector = connector
	s.extractor = extractor
	s.mu.Unlock()

	if err := connector.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	s.sendEnvelope(serverEnvelope{Type: "connection_ready"})
	s.logger.Infof("browser session started: session=%s, formType=%s", sessionID, msg.FormType)
	return nil
}

// handleSignature finalises an AwaitingSignature form with the drawn
// signature from the browser.
func (s *Streamer) handleSignature(ctx context.Context, msg *clientMessage) {
	s.mu.Lock()
	extractor := s.extractor
	s.mu.Unlock()
	if extractor == nil {
		return
	}

	artifact, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		s.sendEnvelope(serverEnvelope{Type: "error", Error: "undecodable signature artifact"})
		return
	}

	id, err := extractor.AttachSignature(ctx, artifact)
	if err != nil {
		s.logger.Errorf("failed to attach signature: %v", err)
		s.sendEnvelope(serverEnvelope{Type: "error", Error: err.Error()})
		return
	}
	s.logger.Infof("form submitted with signature: session=%s, submission=%s", s.sessionID, id)

	// The form is persisted; announce the end of the session and release it.
	s.sendEnvelope(serverEnvelope{Type: "disconnected", Code: websocket.CloseNormalClosure})
	s.teardown()
}

func (s *Streamer) forward(connector internal_provider.Connector, message []byte) {
	if connector == nil {
		return
	}
	if err := connector.Forward(message); err != nil {
		s.logger.Errorf("failed to forward browser message: %v", err)
	}
}

// sendEnvelope writes one bridge-owned message to the browser.
func (s *Streamer) sendEnvelope(env serverEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.write(data)
}

func (s *Streamer) write(message []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		s.logger.Debugf("failed to write to browser: %v", err)
	}
}

// teardown closes the provider connection, deregisters the session and closes
// the browser socket. Idempotent.
func (s *Streamer) teardown() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	sessionID := s.sessionID
	connector := s.connector
	s.mu.Unlock()

	if alreadyClosed {
		return
	}

	if connector != nil {
		connector.Close()
	}
	if sessionID != "" {
		s.registry.Remove(sessionID)
	}
	s.conn.Close()
}

// =============================================================================
// provider.Handler
// =============================================================================

// OnRaw relays every provider message to the browser verbatim; the browser
// speaks the provider protocol itself.
func (s *Streamer) OnRaw(message []byte) {
	s.write(message)
}

// OnAudio is covered by OnRaw: audio reaches the browser inside the verbatim
// provider message, so nothing extra is written here.
func (s *Streamer) OnAudio(audio []byte) {}

func (s *Streamer) OnAgentResponse(text string) {
	s.withState(func(state *internal_conversation.State) {
		state.AppendTranscript(internal_conversation.RoleAssistant, text, nil)
	})
}

func (s *Streamer) OnUserTranscript(text string) {
	s.withState(func(state *internal_conversation.State) {
		state.AppendTranscript(internal_conversation.RoleUser, text, nil)
	})
}

// OnInterruption is visible to the browser through the relayed message; the
// client stops its own playback.
func (s *Streamer) OnInterruption() {}

func (s *Streamer) OnExtraction(fields map[string]interface{}) {
	s.mu.Lock()
	extractor := s.extractor
	s.mu.Unlock()
	if extractor == nil {
		return
	}
	extractor.Extract(fields)
}

func (s *Streamer) OnSubmission() {
	s.mu.Lock()
	extractor := s.extractor
	connector := s.connector
	s.mu.Unlock()
	if extractor == nil {
		return
	}

	outcome, id, err := extractor.Submit(context.Background())
	if err != nil {
		s.logger.Errorf("submission failed: %v", err)
		s.sendEnvelope(serverEnvelope{Type: "error", Error: "submission failed, answers retained"})
		return
	}

	switch outcome {
	case internal_conversation.OutcomeAwaitingSignature:
		if connector != nil {
			connector.SendText("A signature is required to finalise this form. Ask the user to sign in the signature box on screen.")
		}
	case internal_conversation.OutcomeSubmitted:
		s.logger.Infof("form submitted from browser: submission=%s", id)
		s.sendEnvelope(serverEnvelope{Type: "disconnected", Code: websocket.CloseNormalClosure})
		s.teardown()
	}
}

func (s *Streamer) OnError(err error) {
	s.logger.Errorf("provider error: %v", err)
	s.sendEnvelope(serverEnvelope{Type: "error", Error: err.Error()})
	s.teardown()
}

// OnClosed announces the disconnect to the browser and tears the session
// down; there is no resume.
func (s *Streamer) OnClosed(err error) {
	env := serverEnvelope{Type: "disconnected", Code: websocket.CloseNormalClosure}
	if err != nil {
		env.Code = websocket.CloseAbnormalClosure
		env.Reason = err.Error()
	}
	s.sendEnvelope(env)
	s.teardown()
}

func (s *Streamer) withState(fn func(*internal_conversation.State)) {
	s.mu.Lock()
	extractor := s.extractor
	s.mu.Unlock()
	if extractor == nil {
		return
	}
	fn(extractor.State())
}
