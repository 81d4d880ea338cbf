// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import "context"

// Init carries everything a connector needs to open the outbound connection
// for one session. Credentials arrive here per call and are never stored
// beyond the connection they open — the browser path passes its own key
// through and the server must not retain it.
type Init struct {
	AgentID string
	APIKey  string

	// Model selects the provider model for connectors that take one; empty
	// means the connector default.
	Model string

	// Caller identity and form type, surfaced to the agent as session context.
	Caller   string
	FormType string

	// Directive is the schema-driven behavioural instruction text.
	Directive string

	// AudioFormat is the exact output format requested from the provider
	// ("ulaw_8000" for telephony, "pcm_16000" for browser). It must match
	// what the human-facing transport plays, or audio will be distorted.
	AudioFormat string
}

// Connector owns exactly one outbound connection to the conversational AI
// endpoint for one session.
type Connector interface {
	// Connect dials the provider and sends the initiation payload. Credential
	// problems are reported before any dial attempt with the
	// commons.ErrCredential kind.
	Connect(ctx context.Context) error

	// SendAudio forwards one chunk of user audio upstream, in the format the
	// provider expects for input.
	SendAudio(chunk []byte) error

	// SendText injects a contextual text message into the conversation (for
	// example the ask-for-signature prompt).
	SendText(text string) error

	// Forward relays a raw client message verbatim to the provider. Used by
	// the browser transport, which speaks the provider protocol natively.
	Forward(raw []byte) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Handler receives translated provider events. Transport adapters implement
// it; each method states exactly what it may mutate so the dispatch contract
// is testable per event kind.
type Handler interface {
	// OnAudio delivers one synthesized audio chunk for playback, already in
	// the requested output format. Chunks arrive in provider order and must
	// be relayed in that order.
	OnAudio(audio []byte)

	// OnAgentResponse delivers a completed assistant utterance.
	OnAgentResponse(text string)

	// OnUserTranscript delivers a completed user utterance transcription.
	OnUserTranscript(text string)

	// OnInterruption signals that the user barged in over agent speech.
	OnInterruption()

	// OnExtraction delivers the arguments of an extract-fields tool call;
	// the event may populate any number of fields at once.
	OnExtraction(fields map[string]interface{})

	// OnSubmission delivers the submit tool call. The payload carries no
	// authoritative data; the accumulated conversation state is the source
	// of truth.
	OnSubmission()

	// OnRaw delivers every inbound provider message verbatim, before typed
	// dispatch. Pass-through transports relay it; others ignore it.
	OnRaw(message []byte)

	// OnError surfaces a provider-reported error as a user-visible condition.
	OnError(err error)

	// OnClosed fires exactly once when the provider connection is gone, from
	// either side. err is nil for a locally requested close.
	OnClosed(err error)
}
