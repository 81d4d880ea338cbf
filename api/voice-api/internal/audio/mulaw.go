// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import "github.com/zaf/g711"

// Telephony media streams carry 8-bit µ-law at 8kHz in 20ms frames. The
// conversational provider is asked for exactly this format on the telephony
// path so audio passes through without conversion — a sample-rate or codec
// mismatch here produces garbled playback, not an error.
const (
	MulawSampleRate = 8000
	MulawFrameMs    = 20
	MulawFrameBytes = 160 // 8000 samples/s * 0.020s * 1 byte/sample

	// FormatMulaw8k is the provider output format requested on the telephony path.
	FormatMulaw8k = "ulaw_8000"

	// FormatPCM16k is the provider output format requested on the browser path.
	FormatPCM16k = "pcm_16000"
)

// DecodeMulaw expands 8-bit µ-law to 16-bit linear PCM (little endian).
func DecodeMulaw(mulaw []byte) []byte {
	return g711.DecodeUlaw(mulaw)
}

// EncodeMulaw compands 16-bit linear PCM (little endian) to 8-bit µ-law.
func EncodeMulaw(lpcm []byte) []byte {
	return g711.EncodeUlaw(lpcm)
}
