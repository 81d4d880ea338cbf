// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_conversation

import (
	"context"
	"fmt"
	"sync"

	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
	"github.com/rapidaai/sitevoice/pkg/commons"
)

// Phase is the form-extraction state. Submitted is terminal; there is no
// transition out of it.
type Phase string

const (
	PhaseCollecting        Phase = "collecting"
	PhaseAwaitingSignature Phase = "awaiting_signature"
	PhaseSubmitted         Phase = "submitted"
)

// Sink persists a completed form. Implementations fail with a
// commons.ErrPersistence-kinded error on storage failure; the extractor then
// keeps its state so that just the submission step can be retried.
type Sink interface {
	Submit(ctx context.Context, formType string, fields map[string]Value, transcript []TranscriptEntry, signature []byte) (string, error)
}

// Outcome describes the result of a submission signal.
type Outcome string

const (
	// OutcomeAwaitingSignature — the schema requires a signature; the sink was
	// NOT called. The transport should ask the human for a signature.
	OutcomeAwaitingSignature Outcome = "awaiting_signature"

	// OutcomeSubmitted — the sink was called and the form is finalised.
	OutcomeSubmitted Outcome = "submitted"

	// OutcomeAlreadySubmitted — duplicate submission signal after the
	// terminal state was reached; nothing happened.
	OutcomeAlreadySubmitted Outcome = "already_submitted"
)

// Extractor is the form extraction state machine for one session. It consumes
// structured tool-call events from the conversational provider, merges field
// values into the conversation State, and drives the
// Collecting → AwaitingSignature → Submitted lifecycle.
//
// The accumulated State is the source of truth at submission time: whatever
// arguments the provider attached to the submit call are ignored, since they
// can be stale or incomplete relative to the merged server-side mapping.
//
// A submission signal is accepted even when required fields are still empty.
// Required-field discipline lives in the agent directive (it is told to keep
// asking until everything required is filled), not in the state machine.
type Extractor struct {
	mu sync.Mutex

	logger commons.Logger
	schema *internal_form.Schema
	state  *State
	sink   Sink

	phase     Phase
	formType  string
	signature []byte
}

// NewExtractor creates the state machine in the Collecting phase.
func NewExtractor(logger commons.Logger, schema *internal_form.Schema, state *State, sink Sink) *Extractor {
	return &Extractor{
		logger:   logger,
		schema:   schema,
		state:    state,
		sink:     sink,
		phase:    PhaseCollecting,
		formType: schema.FormType,
	}
}

// Phase returns the current phase.
func (e *Extractor) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// State returns the conversation state this extractor mutates.
func (e *Extractor) State() *State {
	return e.state
}

// Extract merges one extraction event into the conversation state. The event
// may carry any number of fields — one caller sentence frequently fills
// several at once. Events after the terminal phase are dropped. The merge
// happens under the phase lock so an extraction racing a submission can
// never mutate state after the terminal phase.
func (e *Extractor) Extract(raw map[string]interface{}) {
	fields := make(map[string]Value, len(raw))
	for key, value := range raw {
		fields[key] = NormalizeValue(value)
	}

	e.mu.Lock()
	if e.phase == PhaseSubmitted {
		e.mu.Unlock()
		e.logger.Debugf("dropping extraction after submission: formType=%s", e.formType)
		return
	}
	e.state.Merge(fields)
	e.mu.Unlock()

	e.logger.Debugf("merged extraction event: formType=%s, fields=%d, complete=%v",
		e.formType, len(fields), e.state.Complete())
}

// Submit handles the provider's submission signal.
//
//   - Collecting, signature required  → AwaitingSignature, sink NOT called.
//   - Collecting, no signature needed → sink called, Submitted.
//   - AwaitingSignature               → still waiting; sink NOT called.
//   - Submitted                       → no-op.
//
// On a sink failure the phase is left unchanged so the submission can be
// retried without losing the collected data; the error carries the
// commons.ErrPersistence kind.
func (e *Extractor) Submit(ctx context.Context) (Outcome, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.phase {
	case PhaseSubmitted:
		return OutcomeAlreadySubmitted, "", nil

	case PhaseAwaitingSignature:
		return OutcomeAwaitingSignature, "", nil
	}

	if e.schema.RequiresSignature {
		e.phase = PhaseAwaitingSignature
		e.logger.Infof("submission deferred, signature required: formType=%s", e.formType)
		return OutcomeAwaitingSignature, "", nil
	}

	id, err := e.submitLocked(ctx)
	if err != nil {
		return "", "", err
	}
	return OutcomeSubmitted, id, nil
}

// AttachSignature accepts the signature artifact from the human-facing side
// and finalises the form. Valid only in the AwaitingSignature phase.
func (e *Extractor) AttachSignature(ctx context.Context, signature []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseAwaitingSignature {
		return "", fmt.Errorf("signature received in phase %s, expected %s", e.phase, PhaseAwaitingSignature)
	}
	if len(signature) == 0 {
		return "", fmt.Errorf("empty signature artifact")
	}

	e.signature = signature
	return e.submitLocked(ctx)
}

// submitLocked calls the sink with the accumulated state and, on success,
// moves to the terminal phase. Caller holds e.mu.
func (e *Extractor) submitLocked(ctx context.Context) (string, error) {
	id, err := e.sink.Submit(ctx, e.formType, e.state.FieldValues(), e.state.Transcript(), e.signature)
	if err != nil {
		e.logger.Errorf("submission failed, state retained for retry: formType=%s, err=%v", e.formType, err)
		return "", err
	}

	e.phase = PhaseSubmitted
	e.logger.Infof("form submitted: formType=%s, submission=%s", e.formType, id)
	return id, nil
}
