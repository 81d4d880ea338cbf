// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_form

import (
	"context"
	"strings"

	"github.com/rapidaai/sitevoice/pkg/commons"
)

// FieldType enumerates the supported form field types.
type FieldType string

const (
	FieldText         FieldType = "text"
	FieldTextarea     FieldType = "textarea"
	FieldNumber       FieldType = "number"
	FieldDate         FieldType = "date"
	FieldTime         FieldType = "time"
	FieldSingleChoice FieldType = "single-choice"
	FieldMultiChoice  FieldType = "multi-choice"
)

// Field describes one form field.
type Field struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"` // choice types only
	Section  string    `json:"section,omitempty"`
}

// Schema is the ordered field list for one form type, plus whether a
// signature must be collected before submission.
type Schema struct {
	FormType          string  `json:"formType"`
	Title             string  `json:"title,omitempty"`
	Fields            []Field `json:"fields"`
	RequiresSignature bool    `json:"requiresSignature"`
}

// Provider supplies form schemas by form type. Implementations must return
// a commons.ErrConfiguration-kinded error for unknown form types so callers
// can abort before contacting the conversational provider.
type Provider interface {
	GetSchema(ctx context.Context, formType string) (*Schema, error)
}

// FieldByKey returns the field descriptor for key.
func (s *Schema) FieldByKey(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredFields returns the required fields in schema order.
func (s *Schema) RequiredFields() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Sections returns the distinct section names in first-appearance order.
// Fields without a section fall into the "" section.
func (s *Schema) Sections() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range s.Fields {
		if !seen[f.Section] {
			seen[f.Section] = true
			out = append(out, f.Section)
		}
	}
	return out
}

// SectionFields returns the fields belonging to the named section.
func (s *Schema) SectionFields(section string) []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Section == section {
			out = append(out, f)
		}
	}
	return out
}

// ============================================================================
// In-memory provider
// ============================================================================

// memoryProvider serves schemas from a fixed map. Used in tests and for
// statically configured deployments without a schema database.
type memoryProvider struct {
	schemas map[string]*Schema
}

// NewMemoryProvider builds a Provider over the given schemas, keyed by form type.
func NewMemoryProvider(schemas ...*Schema) Provider {
	m := make(map[string]*Schema, len(schemas))
	for _, s := range schemas {
		m[strings.TrimSpace(s.FormType)] = s
	}
	return &memoryProvider{schemas: m}
}

func (p *memoryProvider) GetSchema(_ context.Context, formType string) (*Schema, error) {
	s, ok := p.schemas[strings.TrimSpace(formType)]
	if !ok {
		return nil, commons.ConfigurationErrorf("no schema for form type %q", formType)
	}
	return s, nil
}
