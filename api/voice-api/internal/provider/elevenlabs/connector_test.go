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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_provider "github.com/rapidaai/sitevoice/api/voice-api/internal/provider"
	"github.com/rapidaai/sitevoice/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

// recordingHandler captures every callback for assertions.
type recordingHandler struct {
	mu sync.Mutex

	audio       [][]byte
	agentTexts  []string
	userTexts   []string
	extractions []map[string]interface{}
	submissions int
	raw         [][]byte
	errs        []error

	closedCh  chan error
	closeOnce sync.Once
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closedCh: make(chan error, 1)}
}

func (h *recordingHandler) OnAudio(audio []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, audio)
}

func (h *recordingHandler) OnAgentResponse(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agentTexts = append(h.agentTexts, text)
}

func (h *recordingHandler) OnUserTranscript(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userTexts = append(h.userTexts, text)
}

func (h *recordingHandler) OnInterruption() {}

func (h *recordingHandler) OnExtraction(fields map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extractions = append(h.extractions, fields)
}

func (h *recordingHandler) OnSubmission() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submissions++
}

func (h *recordingHandler) OnRaw(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.raw = append(h.raw, message)
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) OnClosed(err error) {
	h.closeOnce.Do(func() { h.closedCh <- err })
}

func (h *recordingHandler) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.closedCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
		return nil
	}
}

func (h *recordingHandler) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return cond()
	}, 2*time.Second, 10*time.Millisecond, msg)
}

// fakeProvider is an in-process conversational endpoint. It consumes the
// initiation message, then plays the scripted messages and echoes back a
// channel of whatever the client writes.
type fakeProvider struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	script   []string
	received chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeProvider(t *testing.T, script ...string) *fakeProvider {
	fp := &fakeProvider{t: t, script: script, received: make(chan []byte, 64)}
	fp.server = httptest.NewServer(http.HandlerFunc(fp.handle))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) endpoint() string {
	return "ws" + strings.TrimPrefix(fp.server.URL, "http")
}

func (fp *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	assert.NotEmpty(fp.t, r.URL.Query().Get("agent_id"))
	assert.NotEmpty(fp.t, r.Header.Get("xi-api-key"))

	conn, err := fp.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fp.mu.Lock()
	fp.conn = conn
	fp.mu.Unlock()

	// First message is always the initiation payload.
	_, init, err := conn.ReadMessage()
	if err != nil {
		return
	}
	fp.received <- init

	for _, line := range fp.script {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fp.received <- message
	}
}

func (fp *fakeProvider) nextReceived(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-fp.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("fake provider received nothing")
		return nil
	}
}

func (fp *fakeProvider) closeServerSide() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.conn != nil {
		fp.conn.Close()
	}
}

func testInit() internal_provider.Init {
	return internal_provider.Init{
		AgentID:     "agent-123",
		APIKey:      "key-456",
		Caller:      "+15550001111",
		FormType:    "incident-report",
		AudioFormat: "ulaw_8000",
		Directive:   "Collect the incident report fields.",
	}
}

func connect(t *testing.T, fp *fakeProvider, handler internal_provider.Handler) internal_provider.Connector {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	c := NewConnector(logger, handler, testInit(), WithEndpoint(fp.endpoint()))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

// ============================================================================
// Connect
// ============================================================================

func TestConnect_MissingCredentialsFailBeforeDialing(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	handler := newRecordingHandler()

	init := testInit()
	init.AgentID = ""
	c := NewConnector(logger, handler, init)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, commons.ErrCredential))

	init = testInit()
	init.APIKey = ""
	c = NewConnector(logger, handler, init)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, commons.ErrCredential))
}

func TestConnect_SendsInitiationFirst(t *testing.T) {
	fp := newFakeProvider(t)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	var init map[string]interface{}
	require.NoError(t, json.Unmarshal(fp.nextReceived(t), &init))
	assert.Equal(t, "conversation_initiation_client_data", init["type"])

	override := init["conversation_config_override"].(map[string]interface{})
	prompt := override["agent"].(map[string]interface{})["prompt"].(map[string]interface{})
	assert.Equal(t, "Collect the incident report fields.", prompt["prompt"])
	tts := override["tts"].(map[string]interface{})
	assert.Equal(t, "ulaw_8000", tts["output_format"])

	vars := init["dynamic_variables"].(map[string]interface{})
	assert.Equal(t, "+15550001111", vars["caller"])
	assert.Equal(t, "incident-report", vars["form_type"])
}

// ============================================================================
// Dispatch
// ============================================================================

func TestDispatch_AudioDecoded(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	fp := newFakeProvider(t,
		`{"type":"audio","audio_event":{"audio_base_64":"`+payload+`","event_id":1}}`)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	handler.eventually(t, func() bool { return len(handler.audio) == 1 }, "audio not delivered")
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, handler.audio[0])
}

func TestDispatch_Transcripts(t *testing.T) {
	fp := newFakeProvider(t,
		`{"type":"agent_response","agent_response_event":{"agent_response":"Where did it happen?"}}`,
		`{"type":"user_transcript","user_transcription_event":{"user_transcript":"At site three."}}`)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	handler.eventually(t, func() bool {
		return len(handler.agentTexts) == 1 && len(handler.userTexts) == 1
	}, "transcripts not delivered")
	assert.Equal(t, "Where did it happen?", handler.agentTexts[0])
	assert.Equal(t, "At site three.", handler.userTexts[0])
}

func TestDispatch_ToolCalls(t *testing.T) {
	fp := newFakeProvider(t,
		`{"type":"tool_call","tool_call":{"tool_name":"extract_form_fields","tool_call_id":"t1","parameters":{"location":"Site 3"}}}`,
		`{"type":"tool_call","tool_call":{"tool_name":"submit_form","tool_call_id":"t2","parameters":{}}}`,
		`{"type":"tool_call","tool_call":{"tool_name":"unknown_tool","tool_call_id":"t3","parameters":{}}}`)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	handler.eventually(t, func() bool {
		return len(handler.extractions) == 1 && handler.submissions == 1
	}, "tool calls not dispatched")
	assert.Equal(t, "Site 3", handler.extractions[0]["location"])
	assert.Empty(t, handler.errs, "unknown tools are ignored, not errors")
}

// A dropped ping gets the connection terminated provider-side, so the pong
// must go out no matter what.
func TestDispatch_PingAnsweredWithPong(t *testing.T) {
	fp := newFakeProvider(t, `{"type":"ping","ping_event":{"event_id":42}}`)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	// The fake forwards the initiation payload on the same channel; skip it.
	fp.nextReceived(t)
	var pong map[string]interface{}
	require.NoError(t, json.Unmarshal(fp.nextReceived(t), &pong))
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, float64(42), pong["event_id"])
}

func TestDispatch_ErrorSurfaced(t *testing.T) {
	fp := newFakeProvider(t, `{"type":"error","error":{"code":1008,"message":"agent busy"}}`)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	handler.eventually(t, func() bool { return len(handler.errs) == 1 }, "error not surfaced")
	assert.True(t, errors.Is(handler.errs[0], commons.ErrProtocol))
	assert.Contains(t, handler.errs[0].Error(), "agent busy")
}

func TestDispatch_RawDeliveredVerbatim(t *testing.T) {
	line := `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv-1"}}`
	fp := newFakeProvider(t, line)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	handler.eventually(t, func() bool { return len(handler.raw) == 1 }, "raw message not delivered")
	assert.JSONEq(t, line, string(handler.raw[0]))
}

// ============================================================================
// Sending
// ============================================================================

func TestSendAudio_Base64Envelope(t *testing.T) {
	fp := newFakeProvider(t)
	handler := newRecordingHandler()
	c := connect(t, fp, handler)

	fp.nextReceived(t) // initiation

	require.NoError(t, c.SendAudio([]byte{0xAA, 0xBB}))
	var msg map[string]string
	require.NoError(t, json.Unmarshal(fp.nextReceived(t), &msg))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB}), msg["user_audio_chunk"])
}

func TestForward_Verbatim(t *testing.T) {
	fp := newFakeProvider(t)
	handler := newRecordingHandler()
	c := connect(t, fp, handler)

	fp.nextReceived(t) // initiation

	raw := []byte(`{"type":"custom_client_event","x":1}`)
	require.NoError(t, c.Forward(raw))
	assert.Equal(t, raw, fp.nextReceived(t))
}

func TestSend_BeforeConnectFails(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	c := NewConnector(logger, newRecordingHandler(), testInit())

	err = c.SendAudio([]byte{0x01})
	require.Error(t, err)
	assert.True(t, errors.Is(err, commons.ErrConnection))
}

// ============================================================================
// Close semantics
// ============================================================================

func TestClose_NotifiesOnClosedOnce(t *testing.T) {
	fp := newFakeProvider(t)
	handler := newRecordingHandler()
	c := connect(t, fp, handler)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, handler.waitClosed(t), "locally requested close carries no error")
}

func TestServerSideDrop_ReportsConnectionError(t *testing.T) {
	fp := newFakeProvider(t)
	handler := newRecordingHandler()
	connect(t, fp, handler)

	fp.nextReceived(t) // initiation consumed, read loop is live
	fp.closeServerSide()

	err := handler.waitClosed(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, commons.ErrConnection))
}
