// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package channel_telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/sitevoice/api/voice-api/internal/audio"
	internal_conversation "github.com/rapidaai/sitevoice/api/voice-api/internal/conversation"
	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_provider "github.com/rapidaai/sitevoice/api/voice-api/internal/provider"
	internal_provider_elevenlabs "github.com/rapidaai/sitevoice/api/voice-api/internal/provider/elevenlabs"
	internal_session "github.com/rapidaai/sitevoice/api/voice-api/internal/session"
	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/utils"
)

// OutputChannelSize buffers roughly 30s of 20ms frames so TTS bursts from
// the provider don't block its read loop.
const OutputChannelSize = 1500

// =============================================================================
// Twilio Media Streams wire messages
// =============================================================================

type streamMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Payload string `json:"payload"` // base64 µ-law 8kHz
}

// Custom parameter keys set by the inbound-call webhook.
const (
	ParamCallerPhone = "callerPhone"
	ParamFormType    = "formType"
)

// ProviderCredentials are the telephony-path conversational AI credentials,
// injected from configuration.
type ProviderCredentials struct {
	AgentID string
	APIKey  string
}

// ConnectorFactory builds the provider connection for one call. Tests swap
// this for a fake.
type ConnectorFactory func(handler internal_provider.Handler, init internal_provider.Init) internal_provider.Connector

// =============================================================================
// Streamer
// =============================================================================

// Streamer relays one Twilio media-stream call: µ-law audio from the caller
// to the conversational provider, synthesized µ-law audio back, and the
// provider's structured tool calls into the extraction state machine. All
// outbound frames go through a single writer goroutine so audio keeps the
// order it was received in.
type Streamer struct {
	logger   commons.Logger
	registry *internal_session.Registry
	schemas  internal_form.Provider
	sink     internal_conversation.Sink
	creds    ProviderCredentials

	conn             *websocket.Conn
	connectorFactory ConnectorFactory

	outputCh chan []byte
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	streamSid string
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

// NewStreamer wraps one upgraded media-stream WebSocket.
func NewStreamer(
	logger commons.Logger,
	registry *internal_session.Registry,
	schemas internal_form.Provider,
	sink internal_conversation.Sink,
	creds ProviderCredentials,
	conn *websocket.Conn,
	opts ...Option,
) *Streamer {
	s := &Streamer{
		logger:   logger,
		registry: registry,
		schemas:  schemas,
		sink:     sink,
		creds:    creds,
		conn:     conn,
		outputCh: make(chan []byte, OutputChannelSize),
		done:     make(chan struct{}),
	}
	s.connectorFactory = func(handler internal_provider.Handler, init internal_provider.Init) internal_provider.Connector {
		return internal_provider_elevenlabs.NewConnector(logger, handler, init)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the call until the stream ends. It blocks; the HTTP handler
// calls it on the upgraded connection's goroutine.
func (s *Streamer) Run(ctx context.Context) {
	utils.Go(ctx, func() { s.runWriter() })
	defer s.teardown()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			// Abnormal close is handled exactly like "stop": tear everything
			// down so nothing half-open remains.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warnf("media stream read failed: %v", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Errorf("failed to unmarshal media stream message: %v", err)
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Debugf("media stream connected")

		case "start":
			if err := s.handleStart(ctx, &msg); err != nil {
				s.logger.Errorf("failed to start call session: %v", err)
				return
			}

		case "media":
			s.handleMedia(&msg)

		case "stop":
			s.logger.Infof("media stream stopped: streamSid=%s", msg.StreamSid)
			return

		default:
			s.logger.Debugf("ignoring media stream event: %s", msg.Event)
		}
	}
}

// handleStart creates the session and opens the provider connection. Any
// failure here ends the call; Twilio then falls through to the apology verb
// queued after <Connect> in the webhook TwiML.
func (s *Streamer) handleStart(ctx context.Context, msg *streamMessage) error {
	if msg.Start == nil {
		return commons.ProtocolErrorf("start event without start payload")
	}

	streamSid := msg.StreamSid
	if streamSid == "" {
		streamSid = msg.Start.StreamSid
	}
	caller := msg.Start.CustomParameters[ParamCallerPhone]
	formType := msg.Start.CustomParameters[ParamFormType]

	// Unknown form type aborts before the provider is ever contacted.
	schema, err := s.schemas.GetSchema(ctx, formType)
	if err != nil {
		return err
	}

	sess, err := s.registry.Create(streamSid, internal_session.Metadata{
		CallID:   msg.Start.CallSid,
		Caller:   caller,
		FormType: formType,
	})
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	state := internal_conversation.NewState(schema)
	extractor := internal_conversation.NewExtractor(s.logger, schema, state, s.sink)
	sess.Extractor = extractor

	connector := s.connectorFactory(s, internal_provider.Init{
		AgentID:  s.creds.AgentID,
		APIKey:   s.creds.APIKey,
		Caller:   caller,
		FormType: formType,
		// The stream carries µ-law 8kHz; the provider must synthesize exactly
		// that or playback is distorted.
		AudioFormat: internal_audio.FormatMulaw8k,
		Directive:   internal_form.Directive(schema),
	})
	sess.BindConnector(connector)

	s.mu.Lock()
	s.streamSid = streamSid
	s.session = sess
	s.connector = connector
	s.extractor = extractor
	s.mu.Unlock()

	if err := connector.Connect(ctx); err != nil {
		return fmt.Errorf("failed to open provider connection: %w", err)
	}

	s.logger.Infof("call session started: streamSid=%s, call=%s, caller=%s, formType=%s",
		streamSid, msg.Start.CallSid, caller, formType)
	return nil
}

// handleMedia forwards one caller audio chunk upstream. Media before "start"
// has no connection to forward to and is dropped.
func (s *Streamer) handleMedia(msg *streamMessage) {
	s.mu.Lock()
	connector := s.connector
	s.mu.Unlock()

	if connector == nil || msg.Media == nil {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.logger.Debugf("undecodable media payload: %v", err)
		return
	}
	if err := connector.SendAudio(chunk); err != nil {
		s.logger.Errorf("failed to forward caller audio: %v", err)
	}
}

// runWriter is the single outbound writer: everything for the Twilio side
// flows through outputCh, in order.
func (s *Streamer) runWriter() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outputCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugf("failed to write media frame: %v", err)
				return
			}
		}
	}
}

// pushFrame queues one outbound frame (non-blocking).
func (s *Streamer) pushFrame(frame []byte) {
	select {
	case s.outputCh <- frame:
	default:
		s.logger.Warnf("output channel full, dropping frame")
	}
}

// teardown closes the provider connection, deregisters the session and closes
// the media stream. Idempotent; runs from Run's defer and from OnClosed.
func (s *Streamer) teardown() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	streamSid := s.streamSid
	connector := s.connector
	s.mu.Unlock()

	if alreadyClosed {
		return
	}

	close(s.done)
	if connector != nil {
		connector.Close()
	}
	if streamSid != "" {
		s.registry.Remove(streamSid)
	}
	s.conn.Close()
}

// =============================================================================
// provider.Handler
// =============================================================================

// OnAudio relays one synthesized µ-law chunk back to the caller, addressed
// to this call's stream.
func (s *Streamer) OnAudio(audio []byte) {
	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()

	frame, err := json.Marshal(streamMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		s.logger.Errorf("failed to marshal media frame: %v", err)
		return
	}
	s.pushFrame(frame)
}

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

// OnInterruption clears Twilio's buffered playback so the agent stops
// talking the moment the caller barges in.
func (s *Streamer) OnInterruption() {
	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()

	frame, err := json.Marshal(streamMessage{Event: "clear", StreamSid: streamSid})
	if err != nil {
		return
	}
	s.pushFrame(frame)
}

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
		// Collected data survives a storage failure; tell the caller and let
		// the agent retry the submission step.
		s.logger.Errorf("submission failed: %v", err)
		if connector != nil {
			connector.SendText("The form could not be saved yet. Tell the caller their answers are kept and ask them to say submit again.")
		}
		return
	}

	switch outcome {
	case internal_conversation.OutcomeAwaitingSignature:
		if connector != nil {
			connector.SendText("A signature is required to finalise this form. Tell the caller the form will be held for signature in the office.")
		}
	case internal_conversation.OutcomeSubmitted:
		// Submission is the end of the call: deregister the session and close
		// both legs so nothing lingers once the data is persisted.
		s.logger.Infof("form submitted from call: submission=%s", id)
		s.teardown()
	}
}

func (s *Streamer) OnRaw(message []byte) {
	// Telephony speaks its own framing; raw provider traffic is not relayed.
}

// OnError ends the call. The apology <Say> queued after <Connect> in the
// webhook TwiML plays once the stream closes.
func (s *Streamer) OnError(err error) {
	s.logger.Errorf("provider error, ending call: %v", err)
	s.teardown()
}

// OnClosed treats an unexpected provider close as session-ending; there is
// no mid-call reconnect.
func (s *Streamer) OnClosed(err error) {
	if err != nil {
		s.logger.Warnf("provider connection closed: %v", err)
	}
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
