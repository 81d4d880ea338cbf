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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_conversation "github.com/rapidaai/sitevoice/api/voice-api/internal/conversation"
	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	internal_provider "github.com/rapidaai/sitevoice/api/voice-api/internal/provider"
	internal_session "github.com/rapidaai/sitevoice/api/voice-api/internal/session"
	"github.com/rapidaai/sitevoice/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

type fakeConnector struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	audio     [][]byte
	texts     []string
}

func (f *fakeConnector) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeConnector) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeConnector) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeConnector) Forward(_ []byte) error { return nil }

func (f *fakeConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConnector) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConnector) audioChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

type fakeSink struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSink) Submit(_ context.Context, _ string, _ map[string]internal_conversation.Value, _ []internal_conversation.TranscriptEntry, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "sub-001", nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// harness runs one streamer behind an httptest server and plays the Twilio
// side over a real WebSocket client.
type harness struct {
	t         *testing.T
	registry  *internal_session.Registry
	sink      *fakeSink
	connector *fakeConnector
	client    *websocket.Conn

	mu       sync.Mutex
	streamer *Streamer
	doneCh   chan struct{}
}

func incidentSchema() *internal_form.Schema {
	return &internal_form.Schema{
		FormType: "incident-report",
		Fields: []internal_form.Field{
			{Key: "location", Label: "Location", Type: internal_form.FieldText, Required: true},
			{Key: "injuryType", Label: "Injury type", Type: internal_form.FieldText, Required: true},
		},
	}
}

func newHarness(t *testing.T, schemas ...*internal_form.Schema) *harness {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	if len(schemas) == 0 {
		schemas = []*internal_form.Schema{incidentSchema()}
	}

	h := &harness{
		t:         t,
		registry:  internal_session.NewRegistry(logger),
		sink:      &fakeSink{},
		connector: &fakeConnector{},
		doneCh:    make(chan struct{}),
	}

	var upgrader websocket.Upgrader
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		streamer := NewStreamer(logger, h.registry, internal_form.NewMemoryProvider(schemas...), h.sink,
			ProviderCredentials{AgentID: "agent-123", APIKey: "key-456"},
			conn,
			WithConnectorFactory(func(_ internal_provider.Handler, init internal_provider.Init) internal_provider.Connector {
				assert.Equal(t, "agent-123", init.AgentID)
				assert.Equal(t, "ulaw_8000", init.AudioFormat)
				return h.connector
			}),
		)
		h.mu.Lock()
		h.streamer = streamer
		h.mu.Unlock()
		streamer.Run(context.Background())
		close(h.doneCh)
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	h.client = client
	return h
}

func (h *harness) send(t *testing.T, message string) {
	t.Helper()
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(message)))
}

func (h *harness) sendStart(t *testing.T) {
	t.Helper()
	h.send(t, `{"event":"start","streamSid":"MZ123","start":{"callSid":"CA456","streamSid":"MZ123","customParameters":{"callerPhone":"+15550001111","formType":"incident-report"}}}`)
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond,
		"session not registered")
}

func (h *harness) readFrame(t *testing.T) streamMessage {
	t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.client.ReadMessage()
	require.NoError(t, err)
	var msg streamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("streamer did not finish")
	}
}

func (h *harness) getStreamer() *Streamer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamer
}

// ============================================================================
// Call lifecycle
// ============================================================================

func TestStreamer_StartCreatesSessionAndConnects(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	sess, ok := h.registry.Get("MZ123")
	require.True(t, ok)
	assert.Equal(t, "CA456", sess.CallID)
	assert.Equal(t, "+15550001111", sess.Caller)
	assert.Equal(t, "incident-report", sess.FormType)

	h.connector.mu.Lock()
	connected := h.connector.connected
	h.connector.mu.Unlock()
	assert.True(t, connected)
}

func TestStreamer_StopTearsDown(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	h.send(t, `{"event":"stop","streamSid":"MZ123"}`)
	h.waitDone(t)

	assert.Equal(t, 0, h.registry.Len(), "session removed on stop")
	assert.True(t, h.connector.isClosed(), "provider connection force-closed")
}

// A caller who hangs up the instant the stream starts must leave nothing
// behind: no session, no open provider connection.
func TestStreamer_InstantHangup(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	h.client.Close()
	h.waitDone(t)

	assert.Equal(t, 0, h.registry.Len())
	assert.True(t, h.connector.isClosed())
}

func TestStreamer_UnknownFormTypeAbortsBeforeProvider(t *testing.T) {
	h := newHarness(t)
	h.send(t, `{"event":"start","streamSid":"MZ999","start":{"callSid":"CA1","streamSid":"MZ999","customParameters":{"callerPhone":"+15550001111","formType":"no-such-form"}}}`)
	h.waitDone(t)

	assert.Equal(t, 0, h.registry.Len())
	h.connector.mu.Lock()
	connected := h.connector.connected
	h.connector.mu.Unlock()
	assert.False(t, connected, "provider must not be contacted for an unknown form type")
}

// ============================================================================
// Audio relay
// ============================================================================

func TestStreamer_MediaForwardedUpstream(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x00})
	h.send(t, `{"event":"media","streamSid":"MZ123","media":{"payload":"`+payload+`"}}`)

	require.Eventually(t, func() bool { return len(h.connector.audioChunks()) == 1 },
		2*time.Second, 10*time.Millisecond, "media not forwarded")
	assert.Equal(t, []byte{0xFF, 0x7F, 0x00}, h.connector.audioChunks()[0])
}

func TestStreamer_MediaBeforeStartDropped(t *testing.T) {
	h := newHarness(t)
	h.send(t, `{"event":"media","streamSid":"MZ123","media":{"payload":"AAA="}}`)
	h.sendStart(t)
	assert.Empty(t, h.connector.audioChunks())
}

func TestStreamer_ProviderAudioKeepsOrder(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)
	streamer := h.getStreamer()

	first := []byte{0x01}
	second := []byte{0x02}
	third := []byte{0x03}
	streamer.OnAudio(first)
	streamer.OnAudio(second)
	streamer.OnAudio(third)

	for _, want := range [][]byte{first, second, third} {
		frame := h.readFrame(t)
		require.Equal(t, "media", frame.Event)
		assert.Equal(t, "MZ123", frame.StreamSid)
		got, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStreamer_InterruptionSendsClear(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	h.getStreamer().OnInterruption()

	frame := h.readFrame(t)
	assert.Equal(t, "clear", frame.Event)
	assert.Equal(t, "MZ123", frame.StreamSid)
}

// ============================================================================
// Extraction and submission
// ============================================================================

func TestStreamer_ExtractionAndSubmission(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)
	streamer := h.getStreamer()

	sess, ok := h.registry.Get("MZ123")
	require.True(t, ok)

	streamer.OnExtraction(map[string]interface{}{"location": "Site 3"})
	streamer.OnExtraction(map[string]interface{}{"injuryType": "sprain"})
	streamer.OnSubmission()

	assert.Equal(t, 1, h.sink.callCount())
	assert.Equal(t, internal_conversation.PhaseSubmitted, sess.Extractor.Phase())

	// A persisted form ends the call: the session leaves the registry and
	// both the provider leg and the media stream are closed.
	h.waitDone(t)
	assert.Equal(t, 0, h.registry.Len())
	assert.True(t, h.connector.isClosed())
}

func TestStreamer_SubmissionFailureToldToCaller(t *testing.T) {
	h := newHarness(t)
	h.sink.err = commons.PersistenceErrorf("database down")
	h.sendStart(t)
	streamer := h.getStreamer()

	streamer.OnExtraction(map[string]interface{}{"location": "Site 3", "injuryType": "sprain"})
	streamer.OnSubmission()

	h.connector.mu.Lock()
	texts := append([]string(nil), h.connector.texts...)
	h.connector.mu.Unlock()
	require.Len(t, texts, 1, "agent told about the failed save")
	assert.Contains(t, texts[0], "could not be saved")

	sess, ok := h.registry.Get("MZ123")
	require.True(t, ok)
	assert.Equal(t, internal_conversation.PhaseCollecting, sess.Extractor.Phase(), "state retained for retry")
}

func TestStreamer_SignatureRequiredFormAsksAgent(t *testing.T) {
	schema := incidentSchema()
	schema.RequiresSignature = true
	h := newHarness(t, schema)
	h.sendStart(t)
	streamer := h.getStreamer()

	streamer.OnExtraction(map[string]interface{}{"location": "Site 3", "injuryType": "sprain"})
	streamer.OnSubmission()

	assert.Equal(t, 0, h.sink.callCount(), "sink must wait for the signature")
	h.connector.mu.Lock()
	texts := append([]string(nil), h.connector.texts...)
	h.connector.mu.Unlock()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "signature")
}

// ============================================================================
// Provider-side failures
// ============================================================================

func TestStreamer_ProviderCloseEndsCall(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	h.getStreamer().OnClosed(commons.ConnectionErrorf("provider dropped"))
	h.waitDone(t)

	assert.Equal(t, 0, h.registry.Len())
	assert.True(t, h.connector.isClosed())
}

func TestStreamer_ProviderErrorEndsCall(t *testing.T) {
	h := newHarness(t)
	h.sendStart(t)

	h.getStreamer().OnError(commons.ProtocolErrorf("unintelligible message"))
	h.waitDone(t)

	assert.Equal(t, 0, h.registry.Len())
	assert.True(t, h.connector.isClosed())
}
