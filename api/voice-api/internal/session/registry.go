// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/sitevoice/pkg/commons"
)

// Registry is the process-wide map of live sessions. It is owned by the
// composition root and passed by reference to whatever creates or removes
// sessions — it is the only mutable structure shared across sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   commons.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger commons.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create registers a new session under id. A collision with an existing id
// is an error — silently overwriting would detach a live relay, so the
// caller must refuse the new session attempt instead.
func (r *Registry) Create(id string, meta Metadata) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}

	s := &Session{
		ID:        id,
		CallID:    meta.CallID,
		Caller:    meta.Caller,
		FormType:  meta.FormType,
		CreatedAt: time.Now(),
	}
	r.sessions[id] = s

	r.logger.Infof("session created: id=%s, call=%s, caller=%s, formType=%s",
		id, meta.CallID, meta.Caller, meta.FormType)
	return s, nil
}

// Get returns the session for id, if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deregisters and closes the session. Removing an unknown id is a
// no-op; teardown runs from both transport and provider close handlers and
// the second caller must not fail.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	r.logger.Infof("session removed: id=%s, lived=%s", id, time.Since(s.CreatedAt))
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
