// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"errors"
	"fmt"
)

// Error kinds for the voice bridge. Handlers branch on these with errors.Is
// to decide propagation: connection/protocol failures tear the session down,
// credential/configuration failures abort before any provider contact, and
// persistence failures keep the conversation state so the submission step
// alone can be retried.
var (
	// ErrConnection — a transport or provider socket failed to open or send.
	ErrConnection = errors.New("connection error")

	// ErrProtocol — a malformed or unexpected message shape from the provider.
	ErrProtocol = errors.New("protocol error")

	// ErrCredential — a missing or invalid provider API key or session token.
	ErrCredential = errors.New("credential error")

	// ErrPersistence — the submission sink failed to store a completed form.
	ErrPersistence = errors.New("persistence error")

	// ErrConfiguration — no schema exists for the requested form type.
	ErrConfiguration = errors.New("configuration error")
)

// ConnectionErrorf wraps a formatted message with ErrConnection.
func ConnectionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConnection, fmt.Sprintf(format, args...))
}

// ProtocolErrorf wraps a formatted message with ErrProtocol.
func ProtocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// CredentialErrorf wraps a formatted message with ErrCredential.
func CredentialErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCredential, fmt.Sprintf(format, args...))
}

// PersistenceErrorf wraps a formatted message with ErrPersistence.
func PersistenceErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPersistence, fmt.Sprintf(format, args...))
}

// ConfigurationErrorf wraps a formatted message with ErrConfiguration.
func ConfigurationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
