// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"io"
	"sync"
	"time"

	internal_conversation "github.com/rapidaai/sitevoice/api/voice-api/internal/conversation"
)

// Metadata identifies a session at creation time.
type Metadata struct {
	// CallID is the provider-assigned call identifier (telephony CallSid) or
	// a generated id for browser sessions.
	CallID string

	// Caller is the caller phone number, or "browser".
	Caller string

	// FormType keys into the schema provider.
	FormType string
}

// Session is one active voice interaction: one inbound transport connection,
// at most one outbound provider connection, and the conversation state
// accumulated between them. A session lives exactly as long as its inbound
// transport connection is open.
type Session struct {
	ID        string
	CallID    string
	Caller    string
	FormType  string
	CreatedAt time.Time

	// Extractor carries the conversation state and the extraction phase.
	Extractor *internal_conversation.Extractor

	mu        sync.Mutex
	connector io.Closer
	closed    bool
}

// BindConnector attaches the outbound provider connection. At most one
// connector is bound at a time; binding after close closes the connector
// immediately so nothing dangles.
func (s *Session) BindConnector(c io.Closer) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}
	s.connector = c
	s.mu.Unlock()
}

// Close force-closes the outbound provider connection. Idempotent; safe to
// call from either side's close handler.
func (s *Session) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	connector := s.connector
	s.connector = nil
	s.mu.Unlock()

	if alreadyClosed {
		return
	}
	if connector != nil {
		connector.Close()
	}
}

// State returns the session's conversation state.
func (s *Session) State() *internal_conversation.State {
	return s.Extractor.State()
}
