package stt

import (
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

var (
	// ErrNoAPIKey is returned when the API key is missing.
	ErrNoAPIKey = errors.New("stt: API key required")

	// ErrEmptyAudio is returned when there is no audio to send.
	ErrEmptyAudio = errors.New("stt: audio data is empty")

	// ErrNotConfigured is returned by a Mock with no TranscribeFunc.
	ErrNotConfigured = errors.New("stt: transcriber not configured")
)

// APIError is an error response from the transcription API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Provider   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stt [%s]: API error %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stt [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited returns true for HTTP 429.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == 429 }

// IsUnauthorized returns true for HTTP 401.
func (e *APIError) IsUnauthorized() bool { return e.StatusCode == 401 }

// IsServerError returns true for HTTP 5xx.
func (e *APIError) IsServerError() bool { return e.StatusCode >= 500 && e.StatusCode < 600 }

// IsRetryable returns true if the request could succeed if sent again.
func (e *APIError) IsRetryable() bool { return e.IsRateLimited() || e.IsServerError() }

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("stt [%s]: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

func fromOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Code:       code,
			Provider:   providerOpenAI,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &APIError{StatusCode: reqErr.HTTPStatusCode, Message: msg, Provider: providerOpenAI}
	}

	return WrapError(providerOpenAI, err)
}
