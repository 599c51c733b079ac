// Package stt provides the speech-to-text collaborator that turns an encoded
// utterance into text.
package stt

import "context"

// Defaults for the hosted Whisper endpoint.
const (
	ModelWhisper1   = "whisper-1"
	DefaultLanguage = "en"
	DefaultFilename = "audio.wav"
)

// Transcriber converts an encoded audio container into text.
type Transcriber interface {
	// Transcribe returns the text spoken in audio. The container format is
	// inferred by the service from Request.Filename's extension.
	Transcribe(ctx context.Context, audio []byte, req Request) (string, error)
}

// Request carries per-call transcription parameters.
type Request struct {
	// Model is the provider model name, e.g. "whisper-1".
	Model string

	// Language is an ISO-639-1 hint. Empty lets the provider detect it.
	Language string

	// Filename names the upload; its extension tells the service the format.
	Filename string

	// Prompt optionally biases the transcription vocabulary.
	Prompt string
}

// DefaultRequest returns the request used for every utterance by default.
func DefaultRequest() Request {
	return Request{
		Model:    ModelWhisper1,
		Language: DefaultLanguage,
		Filename: DefaultFilename,
	}
}

// withDefaults fills an empty model and filename. An empty Language stays
// empty and means auto-detection.
func (r Request) withDefaults(model string) Request {
	if r.Model == "" {
		r.Model = model
	}
	if r.Model == "" {
		r.Model = ModelWhisper1
	}
	if r.Filename == "" {
		r.Filename = DefaultFilename
	}
	return r
}
