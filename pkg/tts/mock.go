package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing. SynthesizeFunc and HealthFunc may be
// replaced before use.
type Mock struct {
	// SynthesizeFunc answers Synthesize. If nil, ErrProviderUnavailable.
	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)

	// HealthFunc answers Health. If nil, healthy.
	HealthFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock returns a mock answering with fake MP3 bytes.
func NewMock() *Mock {
	return NewMockFormat(EncodingMP3)
}

// NewMockFormat returns a mock whose audio is tagged with enc. The payload is
// a short marker followed by one zero byte per input character.
func NewMockFormat(enc Encoding) *Mock {
	marker := []byte("ID3")
	if enc == EncodingWAV {
		marker = []byte("RIFF")
	}
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, text string) (*AudioResult, error) {
			audio := append(append([]byte(nil), marker...), make([]byte, len(text))...)
			return &AudioResult{
				Audio: audio,
				Format: AudioFormat{
					Encoding:   enc,
					SampleRate: SampleRateFromEncoding(enc),
					Channels:   1,
				},
				CharCount: len(text),
				LatencyMs: 10,
				Duration:  time.Duration(len(text)) * 60 * time.Millisecond,
			}, nil
		},
	}
}

// WithError returns a mock whose Synthesize and Health both fail with err.
func WithError(err error) *Mock {
	return &Mock{
		SynthesizeFunc: func(context.Context, string) (*AudioResult, error) { return nil, err },
		HealthFunc:     func(context.Context) error { return err },
	}
}

// WithLatency delays every Synthesize on m by delay, honouring ctx.
func WithLatency(m *Mock, delay time.Duration) *Mock {
	next := m.SynthesizeFunc
	m.SynthesizeFunc = func(ctx context.Context, text string) (*AudioResult, error) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if next == nil {
			return nil, WrapError("mock", ErrProviderUnavailable)
		}
		return next(ctx, text)
	}
	return m
}

// Synthesize records the call and delegates to SynthesizeFunc.
func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.record("Synthesize", text)
	if m.SynthesizeFunc == nil {
		return nil, WrapError("mock", ErrProviderUnavailable)
	}
	return m.SynthesizeFunc(ctx, text)
}

// Health records the call and delegates to HealthFunc.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", "")
	if m.HealthFunc == nil {
		return nil
	}
	return m.HealthFunc(ctx)
}

// Close records the call.
func (m *Mock) Close() error {
	m.record("Close", "")
	return nil
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
	m.mu.Unlock()
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Texts returns the input of every Synthesize call, in order.
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var texts []string
	for _, c := range m.calls {
		if c.Method == "Synthesize" {
			texts = append(texts, c.Text)
		}
	}
	return texts
}

// CallCount returns how many times method was called.
func (m *Mock) CallCount(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call, or nil.
func (m *Mock) LastCall() *MockCall {
	calls := m.Calls()
	if len(calls) == 0 {
		return nil
	}
	return &calls[len(calls)-1]
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

var _ Provider = (*Mock)(nil)
