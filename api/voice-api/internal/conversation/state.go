// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_conversation

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Value is one collected field value — scalar text or a list, matching the
// text/number/date/single-choice (scalar) and multi-choice (list) field types.
type Value struct {
	Text string   `json:"text,omitempty"`
	List []string `json:"list,omitempty"`
}

// IsEmpty reports whether the value counts as missing for completion:
// empty string and empty list are both missing.
func (v Value) IsEmpty() bool {
	return v.Text == "" && len(v.List) == 0
}

// NormalizeValue converts a decoded JSON tool-call argument into a Value.
// Numbers are rendered without a trailing ".000000"; lists keep element order.
func NormalizeValue(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Value{}
	case string:
		return Value{Text: t}
	case bool:
		return Value{Text: strconv.FormatBool(t)}
	case float64:
		return Value{Text: strconv.FormatFloat(t, 'f', -1, 64)}
	case []interface{}:
		list := make([]string, 0, len(t))
		for _, item := range t {
			list = append(list, NormalizeValue(item).Text)
		}
		return Value{List: list}
	default:
		return Value{Text: fmt.Sprintf("%v", t)}
	}
}

// TranscriptEntry is one utterance of the conversation, optionally annotated
// with the fields extracted from that turn.
type TranscriptEntry struct {
	Role   Role             `json:"role"`
	Text   string           `json:"text"`
	Time   time.Time        `json:"time"`
	Fields map[string]Value `json:"fields,omitempty"`
}

// State is the accumulated knowledge of one live conversation: the ordered
// transcript, the merged field values, and the derived per-section
// completion flags. It is written by the extraction state machine in
// response to provider events and may be read concurrently by consumers.
type State struct {
	mu sync.RWMutex

	schema     *internal_form.Schema
	transcript []TranscriptEntry
	fields     map[string]Value
	sections   map[string]bool
}

// NewState initialises an empty conversation state against the given schema.
func NewState(schema *internal_form.Schema) *State {
	s := &State{
		schema: schema,
		fields: make(map[string]Value),
	}
	s.sections = s.computeCompletion()
	return s
}

// SetSchema replaces the schema and recomputes completion.
func (s *State) SetSchema(schema *internal_form.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schema
	s.sections = s.computeCompletion()
}

// AppendTranscript records one utterance.
func (s *State) AppendTranscript(role Role, text string, fields map[string]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, TranscriptEntry{
		Role:   role,
		Text:   text,
		Time:   time.Now(),
		Fields: fields,
	})
}

// Merge folds the extracted field values into the accumulated mapping. Later
// values for the same key overwrite earlier ones; keys absent from the event
// keep their prior values. Completion is recomputed afterwards.
func (s *State) Merge(fields map[string]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range fields {
		s.fields[key] = value
	}
	s.sections = s.computeCompletion()
}

// FieldValues returns a copy of the accumulated field mapping.
func (s *State) FieldValues() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// Transcript returns a copy of the transcript entries in order.
func (s *State) Transcript() []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Completion returns the per-section completion flags. A section is complete
// iff every required field belonging to it has a non-empty value.
func (s *State) Completion() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.sections))
	for k, v := range s.sections {
		out[k] = v
	}
	return out
}

// Complete reports whether every required field of the whole schema is filled.
func (s *State) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.schema.RequiredFields() {
		if s.fields[f.Key].IsEmpty() {
			return false
		}
	}
	return true
}

// computeCompletion derives the section flags from the current field mapping.
// Caller must hold at least the read lock. Recomputing with no new events is
// idempotent.
func (s *State) computeCompletion() map[string]bool {
	flags := make(map[string]bool)
	for _, section := range s.schema.Sections() {
		complete := true
		for _, f := range s.schema.SectionFields(section) {
			if !f.Required {
				continue
			}
			if s.fields[f.Key].IsEmpty() {
				complete = false
				break
			}
		}
		flags[section] = complete
	}
	return flags
}
