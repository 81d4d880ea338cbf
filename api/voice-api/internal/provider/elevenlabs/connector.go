// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider_elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_provider "github.com/rapidaai/sitevoice/api/voice-api/internal/provider"
	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/utils"
)

// DefaultEndpoint is the ElevenLabs conversational AI WebSocket endpoint.
const DefaultEndpoint = "wss://api.elevenlabs.io/v1/convai/conversation"

// =============================================================================
// Wire Messages
// =============================================================================

// serverMessage is the inbound envelope; the type field selects which event
// payload is populated.
type serverMessage struct {
	Type string `json:"type"`

	AudioEvent             *audioEvent           `json:"audio_event,omitempty"`
	AgentResponseEvent     *agentResponseEvent   `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *userTranscriptEvent  `json:"user_transcription_event,omitempty"`
	ToolCall               *toolCallEvent        `json:"tool_call,omitempty"`
	PingEvent              *pingEvent            `json:"ping_event,omitempty"`
	Error                  *errorEvent           `json:"error,omitempty"`
	TranscriptEvent        *transcriptDeltaEvent `json:"transcript_event,omitempty"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscriptEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type toolCallEvent struct {
	ToolName   string                 `json:"tool_name"`
	ToolCallID string                 `json:"tool_call_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
}

type errorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transcriptDeltaEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// initiationMessage is sent first on every connection; it seeds the agent
// with the form directive, the requested audio output format and the
// session's dynamic variables.
type initiationMessage struct {
	Type                   string            `json:"type"`
	ConversationConfig     *conversationCfg  `json:"conversation_config_override,omitempty"`
	DynamicVariables       map[string]string `json:"dynamic_variables,omitempty"`
	CustomLLMExtraBody     map[string]string `json:"custom_llm_extra_body,omitempty"`
	ConversationIDOverride string            `json:"conversation_id,omitempty"`
}

type conversationCfg struct {
	Agent *agentCfg `json:"agent,omitempty"`
	TTS   *ttsCfg   `json:"tts,omitempty"`
}

type agentCfg struct {
	Prompt *promptCfg `json:"prompt,omitempty"`
}

type promptCfg struct {
	Prompt string `json:"prompt"`
}

type ttsCfg struct {
	OutputFormat string `json:"output_format,omitempty"`
}

// =============================================================================
// Connector
// =============================================================================

// connector speaks the ElevenLabs conversational WebSocket protocol for one
// session. Writes are serialized by writeMu; the read loop runs until the
// connection drops or Close is called.
type connector struct {
	logger  commons.Logger
	handler internal_provider.Handler
	init    internal_provider.Init

	endpoint string

	writeMu    sync.Mutex
	connection *websocket.Conn

	closeOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
}

// Option configures the connector.
type Option func(*connector)

// WithEndpoint overrides the provider endpoint (tests dial a local server).
func WithEndpoint(endpoint string) Option {
	return func(c *connector) { c.endpoint = endpoint }
}

// NewConnector creates an ElevenLabs connector for one session. Connect must
// be called before any send.
func NewConnector(logger commons.Logger, handler internal_provider.Handler, init internal_provider.Init, opts ...Option) internal_provider.Connector {
	c := &connector{
		logger:   logger,
		handler:  handler,
		init:     init,
		endpoint: DefaultEndpoint,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect validates credentials, dials the conversational endpoint, sends
// the initiation payload and starts the read loop.
func (c *connector) Connect(ctx context.Context) error {
	if c.init.AgentID == "" {
		return commons.CredentialErrorf("missing agent id")
	}
	if c.init.APIKey == "" {
		return commons.CredentialErrorf("missing api key")
	}

	wsURL, err := url.Parse(c.endpoint)
	if err != nil {
		return commons.ConnectionErrorf("failed to parse endpoint: %v", err)
	}
	query := wsURL.Query()
	query.Set("agent_id", c.init.AgentID)
	wsURL.RawQuery = query.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", c.init.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), headers)
	if err != nil {
		return commons.ConnectionErrorf("failed to connect to conversational endpoint: %v", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	c.connection = conn

	if err := c.sendInitiation(); err != nil {
		conn.Close()
		return err
	}

	utils.Go(ctx, func() { c.readLoop() })
	return nil
}

// sendInitiation pushes the conversation initiation payload: the schema
// directive as the agent prompt, the exact output audio format the transport
// expects, and the session context as dynamic variables.
func (c *connector) sendInitiation() error {
	msg := initiationMessage{
		Type: "conversation_initiation_client_data",
		ConversationConfig: &conversationCfg{
			Agent: &agentCfg{Prompt: &promptCfg{Prompt: c.init.Directive}},
			TTS:   &ttsCfg{OutputFormat: c.init.AudioFormat},
		},
		DynamicVariables: map[string]string{
			"caller":    c.init.Caller,
			"form_type": c.init.FormType,
		},
	}
	return c.writeJSON(msg)
}

// SendAudio forwards one user audio chunk upstream as base64.
func (c *connector) SendAudio(chunk []byte) error {
	return c.writeJSON(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText injects a contextual text update into the conversation.
func (c *connector) SendText(text string) error {
	return c.writeJSON(map[string]string{
		"type": "contextual_update",
		"text": text,
	})
}

// Forward relays a raw client message verbatim.
func (c *connector) Forward(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.connection == nil {
		return commons.ConnectionErrorf("connection is not open")
	}
	if err := c.connection.WriteMessage(websocket.TextMessage, raw); err != nil {
		return commons.ConnectionErrorf("failed to forward message: %v", err)
	}
	return nil
}

func (c *connector) writeJSON(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.connection == nil {
		return commons.ConnectionErrorf("connection is not open")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.connection.WriteMessage(websocket.TextMessage, data); err != nil {
		return commons.ConnectionErrorf("failed to write message: %v", err)
	}
	return nil
}

// readLoop reads provider messages until the connection drops or Close runs,
// then fires OnClosed exactly once.
func (c *connector) readLoop() {
	var closeErr error
	for {
		select {
		case <-c.done:
			c.notifyClosed(nil)
			return
		default:
		}

		_, message, err := c.connection.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
					// Locally requested close; the read error is expected.
				default:
					closeErr = commons.ConnectionErrorf("provider read failed: %v", err)
				}
			}
			c.notifyClosed(closeErr)
			return
		}

		c.handler.OnRaw(message)
		c.dispatch(message)
	}
}

// dispatch routes one inbound message by kind. Unrecognized kinds are logged
// and ignored — forward compatibility, not a failure.
func (c *connector) dispatch(message []byte) {
	var msg serverMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Errorf("failed to unmarshal provider message: %v", err)
		return
	}

	switch msg.Type {
	case "audio":
		if msg.AudioEvent == nil {
			c.handler.OnError(commons.ProtocolErrorf("audio message without audio_event"))
			return
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			c.handler.OnError(commons.ProtocolErrorf("undecodable audio payload: %v", err))
			return
		}
		c.handler.OnAudio(audio)

	case "agent_response":
		if msg.AgentResponseEvent != nil {
			c.handler.OnAgentResponse(msg.AgentResponseEvent.AgentResponse)
		}

	case "user_transcript":
		if msg.UserTranscriptionEvent != nil {
			c.handler.OnUserTranscript(msg.UserTranscriptionEvent.UserTranscript)
		}

	case "transcript":
		// Partial transcript delta; completed utterances arrive as
		// agent_response / user_transcript, so deltas are debug only.
		if msg.TranscriptEvent != nil {
			c.logger.Debugf("transcript delta: role=%s", msg.TranscriptEvent.Role)
		}

	case "tool_call":
		c.dispatchToolCall(msg.ToolCall)

	case "interruption":
		c.handler.OnInterruption()

	case "ping":
		// The provider closes the connection if a ping goes unanswered.
		// Reply immediately, regardless of what else is in flight.
		eventID := 0
		if msg.PingEvent != nil {
			eventID = msg.PingEvent.EventID
		}
		if err := c.writeJSON(map[string]interface{}{"type": "pong", "event_id": eventID}); err != nil {
			c.logger.Errorf("failed to answer ping: %v", err)
		}

	case "error":
		detail := "unknown provider error"
		if msg.Error != nil {
			detail = fmt.Sprintf("code=%d %s", msg.Error.Code, msg.Error.Message)
		}
		c.handler.OnError(commons.ProtocolErrorf("provider error: %s", detail))

	case "conversation_initiation_metadata":
		c.logger.Debugf("conversation initiated: agent=%s", c.init.AgentID)

	default:
		c.logger.Debugf("ignoring unrecognized provider message: type=%s", msg.Type)
	}
}

// dispatchToolCall routes the structured tool calls the directive instructs
// the agent to make. The submit call's own arguments are ignored; the
// accumulated conversation state is authoritative.
func (c *connector) dispatchToolCall(call *toolCallEvent) {
	if call == nil {
		c.handler.OnError(commons.ProtocolErrorf("tool_call message without tool_call payload"))
		return
	}

	switch call.ToolName {
	case "extract_form_fields":
		c.handler.OnExtraction(call.Parameters)
	case "submit_form":
		c.handler.OnSubmission()
	default:
		c.logger.Debugf("ignoring unknown tool call: name=%s", call.ToolName)
	}
}

// notifyClosed fires the handler's OnClosed exactly once.
func (c *connector) notifyClosed(err error) {
	c.closeOnce.Do(func() {
		c.handler.OnClosed(err)
	})
}

// Close tears the connection down. Idempotent; a second call is a no-op.
func (c *connector) Close() error {
	c.shutdownOnce.Do(func() {
		close(c.done)

		if c.connection != nil {
			c.writeMu.Lock()
			c.connection.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			c.writeMu.Unlock()
			c.connection.Close()
		}
	})
	return nil
}
