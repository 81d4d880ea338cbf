// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_conversation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_form "github.com/rapidaai/sitevoice/api/voice-api/internal/form"
)

// ============================================================================
// Test helpers
// ============================================================================

func incidentSchema() *internal_form.Schema {
	return &internal_form.Schema{
		FormType: "incident-report",
		Title:    "Incident Report",
		Fields: []internal_form.Field{
			{Key: "location", Label: "Location", Type: internal_form.FieldText, Required: true, Section: "incident"},
			{Key: "injuryType", Label: "Injury type", Type: internal_form.FieldText, Required: true, Section: "incident"},
			{Key: "witnesses", Label: "Witnesses", Type: internal_form.FieldMultiChoice, Required: false, Section: "people", Options: []string{"foreman", "coworker", "none"}},
		},
	}
}

// ============================================================================
// NormalizeValue
// ============================================================================

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, Value{Text: "Site 3"}, NormalizeValue("Site 3"))
	assert.Equal(t, Value{Text: "true"}, NormalizeValue(true))
	assert.Equal(t, Value{}, NormalizeValue(nil))
	assert.True(t, NormalizeValue(nil).IsEmpty())

	// JSON numbers arrive as float64 and must not grow a ".000000" tail.
	assert.Equal(t, Value{Text: "3"}, NormalizeValue(float64(3)))
	assert.Equal(t, Value{Text: "3.5"}, NormalizeValue(3.5))

	list := NormalizeValue([]interface{}{"foreman", "coworker"})
	assert.Equal(t, []string{"foreman", "coworker"}, list.List)
	assert.False(t, list.IsEmpty())
}

// ============================================================================
// Merge
// ============================================================================

func TestState_MergeFoldsLeftToRight(t *testing.T) {
	state := NewState(incidentSchema())

	state.Merge(map[string]Value{"location": {Text: "Site 3"}})
	state.Merge(map[string]Value{"injuryType": {Text: "sprain"}})

	values := state.FieldValues()
	assert.Equal(t, "Site 3", values["location"].Text, "keys absent from later events keep their value")
	assert.Equal(t, "sprain", values["injuryType"].Text)

	// A later value for the same key overwrites the earlier one.
	state.Merge(map[string]Value{"location": {Text: "Site 7"}})
	assert.Equal(t, "Site 7", state.FieldValues()["location"].Text)
}

func TestState_FieldValuesReturnsCopy(t *testing.T) {
	state := NewState(incidentSchema())
	state.Merge(map[string]Value{"location": {Text: "Site 3"}})

	values := state.FieldValues()
	values["location"] = Value{Text: "tampered"}

	assert.Equal(t, "Site 3", state.FieldValues()["location"].Text)
}

// ============================================================================
// Completion
// ============================================================================

func TestState_CompleteRequiresEveryRequiredField(t *testing.T) {
	state := NewState(incidentSchema())
	assert.False(t, state.Complete(), "empty state is incomplete")

	state.Merge(map[string]Value{"location": {Text: "Site 3"}})
	assert.False(t, state.Complete(), "one of two required fields filled")

	state.Merge(map[string]Value{"injuryType": {Text: "sprain"}})
	assert.True(t, state.Complete(), "optional witnesses field must not block completion")
}

func TestState_SectionCompletion(t *testing.T) {
	state := NewState(incidentSchema())

	flags := state.Completion()
	require.Contains(t, flags, "incident")
	require.Contains(t, flags, "people")
	assert.False(t, flags["incident"])
	assert.True(t, flags["people"], "section with no required fields is complete from the start")

	state.Merge(map[string]Value{
		"location":   {Text: "Site 3"},
		"injuryType": {Text: "sprain"},
	})
	assert.True(t, state.Completion()["incident"])
}

func TestState_CompletionRecomputeIsIdempotent(t *testing.T) {
	state := NewState(incidentSchema())
	state.Merge(map[string]Value{"location": {Text: "Site 3"}})

	first := state.Completion()
	// Merging nothing new must not change any flag.
	state.Merge(map[string]Value{})
	assert.Equal(t, first, state.Completion())
}

func TestState_EmptyValueDoesNotComplete(t *testing.T) {
	state := NewState(incidentSchema())
	state.Merge(map[string]Value{
		"location":   {Text: ""},
		"injuryType": {Text: "sprain"},
	})
	assert.False(t, state.Complete(), "empty string counts as missing")
}

// ============================================================================
// Transcript
// ============================================================================

func TestState_TranscriptKeepsOrder(t *testing.T) {
	state := NewState(incidentSchema())
	state.AppendTranscript(RoleAssistant, "Where did it happen?", nil)
	state.AppendTranscript(RoleUser, "At site 3.", map[string]Value{"location": {Text: "Site 3"}})

	entries := state.Transcript()
	require.Len(t, entries, 2)
	assert.Equal(t, RoleAssistant, entries[0].Role)
	assert.Equal(t, RoleUser, entries[1].Role)
	assert.Equal(t, "Site 3", entries[1].Fields["location"].Text)
}

func TestState_ConcurrentAccess(t *testing.T) {
	state := NewState(incidentSchema())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			state.Merge(map[string]Value{"location": {Text: "Site 3"}})
			state.AppendTranscript(RoleUser, "hi", nil)
		}()
		go func() {
			defer wg.Done()
			_ = state.FieldValues()
			_ = state.Completion()
			_ = state.Complete()
		}()
	}
	wg.Wait()

	assert.Equal(t, "Site 3", state.FieldValues()["location"].Text)
	assert.Len(t, state.Transcript(), 10)
}
