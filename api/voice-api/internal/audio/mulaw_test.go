// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConstants(t *testing.T) {
	// 8000 samples/s * 20ms * 1 byte/sample — Twilio's fixed frame size.
	assert.Equal(t, 160, MulawFrameBytes)
	assert.Equal(t, MulawSampleRate/1000*MulawFrameMs, MulawFrameBytes)
}

func TestDecodeMulaw_Expands(t *testing.T) {
	frame := make([]byte, MulawFrameBytes)
	for i := range frame {
		frame[i] = 0xFF // µ-law silence
	}

	lpcm := DecodeMulaw(frame)
	require.Len(t, lpcm, MulawFrameBytes*2, "each µ-law byte expands to one 16-bit sample")

	// Silence stays near zero after expansion.
	for i := 0; i < len(lpcm); i += 2 {
		sample := int16(uint16(lpcm[i]) | uint16(lpcm[i+1])<<8)
		assert.LessOrEqual(t, sample, int16(4))
		assert.GreaterOrEqual(t, sample, int16(-4))
	}
}

func TestEncodeMulaw_RoundTripStaysClose(t *testing.T) {
	// Companding is lossy; a round trip must preserve magnitude within the
	// µ-law quantisation error, not byte equality.
	lpcm := make([]byte, MulawFrameBytes*2)
	for i := 0; i < len(lpcm); i += 2 {
		sample := int16((i % 64) * 100)
		lpcm[i] = byte(sample)
		lpcm[i+1] = byte(sample >> 8)
	}

	encoded := EncodeMulaw(lpcm)
	require.Len(t, encoded, MulawFrameBytes)

	decoded := DecodeMulaw(encoded)
	require.Len(t, decoded, len(lpcm))
	for i := 0; i < len(lpcm); i += 2 {
		original := int16(uint16(lpcm[i]) | uint16(lpcm[i+1])<<8)
		recovered := int16(uint16(decoded[i]) | uint16(decoded[i+1])<<8)
		diff := int32(original) - int32(recovered)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, int32(256), "sample %d drifted too far", i/2)
	}
}
