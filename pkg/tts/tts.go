// Package tts provides the text-to-speech collaborator used to voice replies.
//
// Providers implement the Provider interface so the relay can switch backends
// (or use Mock in tests) without changing caller code.
//
// Example usage:
//
//	provider, _ := tts.NewOpenAI(
//	    tts.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    tts.WithVoice(tts.VoiceAlloy),
//	)
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "You said: hello")
//	// result.Audio contains MP3 bytes
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the raw audio data in the specified format.
	Audio []byte

	// Format describes the audio encoding and sample rate.
	Format AudioFormat

	// Duration is the estimated audio playback duration, when known.
	Duration time.Duration

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the request round trip in milliseconds.
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding represents audio encoding types.
type Encoding string

const (
	EncodingMP3  Encoding = "mp3"
	EncodingOpus Encoding = "opus"
	EncodingAAC  Encoding = "aac"
	EncodingFLAC Encoding = "flac"
	EncodingWAV  Encoding = "wav"
	EncodingPCM  Encoding = "pcm" // 24kHz mono PCM16
)

// Extension returns the file extension used when persisting audio in this
// encoding.
func (e Encoding) Extension() string {
	switch e {
	case EncodingPCM:
		return "pcm"
	case "":
		return "mp3"
	default:
		return string(e)
	}
}

// SampleRateFromEncoding returns the sample rate the speech API produces for enc.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM, EncodingOpus:
		return 24000
	default:
		return 44100
	}
}
