// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_form

import (
	"fmt"
	"strings"
)

// Tool names the agent is instructed to call. The provider connectors
// dispatch on these.
const (
	ToolExtractFields = "extract_form_fields"
	ToolSubmitForm    = "submit_form"
)

// Directive produces the behavioural instruction text sent to the
// conversational agent at session initiation. It is a pure function of the
// schema: every required field is enumerated with key, label and options,
// and the agent is told to extract eagerly (multiple fields per turn), ask
// only about missing required fields one at a time, and submit once all
// required fields are present. No rapport, no filler — the caller is
// reporting a safety incident on a live site.
func Directive(schema *Schema) string {
	var b strings.Builder

	title := schema.Title
	if title == "" {
		title = schema.FormType
	}

	fmt.Fprintf(&b, "You are completing a %s form over voice. Be fast and precise. No small talk, no pleasantries, no repetition of what the caller said.\n\n", title)

	b.WriteString("Fields to collect:\n")
	for _, f := range schema.Fields {
		fmt.Fprintf(&b, "- %s (%q, %s", f.Label, f.Key, f.Type)
		if f.Required {
			b.WriteString(", required")
		}
		if len(f.Options) > 0 {
			fmt.Fprintf(&b, ", one of: %s", strings.Join(f.Options, ", "))
		}
		b.WriteString(")\n")
	}

	b.WriteString("\nRules:\n")
	fmt.Fprintf(&b, "1. After every caller utterance, immediately call %s with every field value the utterance contained. A single sentence often fills several fields at once; pass them all in one call.\n", ToolExtractFields)
	b.WriteString("2. Ask only about required fields that are still missing, one question at a time, in schema order.\n")
	b.WriteString("3. Never ask about a field the caller already answered.\n")
	fmt.Fprintf(&b, "4. Once every required field has a value, call %s.\n", ToolSubmitForm)
	if schema.RequiresSignature {
		b.WriteString("5. This form requires a signature. After submitting, tell the caller a signature is needed to finalise the form.\n")
	}

	return b.String()
}
