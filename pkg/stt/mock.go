package stt

import (
	"context"
	"sync"
	"time"
)

// Mock implements Transcriber for testing.
type Mock struct {
	// TranscribeFunc is called when Transcribe is invoked.
	// If nil, returns ErrNotConfigured.
	TranscribeFunc func(ctx context.Context, audio []byte, req Request) (string, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records one Transcribe invocation.
type MockCall struct {
	Audio   []byte
	Request Request
	Time    time.Time
}

// NewMock returns a mock that always transcribes to text.
func NewMock(text string) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, audio []byte, req Request) (string, error) {
			return text, nil
		},
	}
}

// WithError returns a mock that always fails with err.
func WithError(err error) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, audio []byte, req Request) (string, error) {
			return "", err
		},
	}
}

// Transcribe records the call and delegates to TranscribeFunc.
func (m *Mock) Transcribe(ctx context.Context, audio []byte, req Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		Audio:   append([]byte(nil), audio...),
		Request: req,
		Time:    time.Now(),
	})
	m.mu.Unlock()

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, audio, req)
	}
	return "", WrapError("mock", ErrNotConfigured)
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of Transcribe calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ Transcriber = (*Mock)(nil)
