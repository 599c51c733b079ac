// Package segment splits a stream of audio sample chunks into utterances by
// amplitude thresholding: an utterance ends once every chunk for a sustained
// period has stayed below the silence threshold.
package segment

import (
	"sync"
	"time"
)

// Defaults for amplitude thresholding.
const (
	DefaultThreshold       = 0.01
	DefaultSilenceDuration = 2 * time.Second
)

// Reason identifies what flushed the buffer.
type Reason int

const (
	// ReasonSilence means the silence timer ran past the configured duration.
	ReasonSilence Reason = iota
	// ReasonStop means the client explicitly ended the utterance.
	ReasonStop
)

func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Trigger is emitted once per utterance. Samples is a copy of the buffer at
// the moment the trigger fired.
type Trigger struct {
	Reason  Reason
	Samples []float64
	At      time.Time
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithThreshold sets the amplitude above which a sample counts as sound.
func WithThreshold(threshold float64) Option {
	return func(s *Segmenter) {
		if threshold >= 0 {
			s.threshold = threshold
		}
	}
}

// WithSilenceDuration sets how long silence must last before a trigger.
func WithSilenceDuration(d time.Duration) Option {
	return func(s *Segmenter) {
		if d >= 0 {
			s.duration = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) {
		if now != nil {
			s.now = now
		}
	}
}

// Segmenter holds the per-connection sample buffer, silence timer and
// processing flag. The three fields change together under one lock.
type Segmenter struct {
	threshold float64
	duration  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	buffer       []float64
	silenceStart time.Time // zero when unset
	processing   bool
}

// New creates a Segmenter with defaults overridden by opts.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		threshold: DefaultThreshold,
		duration:  DefaultSilenceDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the configured amplitude threshold.
func (s *Segmenter) Threshold() float64 { return s.threshold }

// SilenceDuration returns the configured silence duration.
func (s *Segmenter) SilenceDuration() time.Duration { return s.duration }

// Ingest feeds one chunk. It returns a trigger when the chunk ends an
// utterance, nil otherwise. While a pass is in flight the chunk is dropped
// and nothing changes.
func (s *Segmenter) Ingest(chunk []float64) *Trigger {
	tr, _ := s.Push(chunk)
	return tr
}

// Push is Ingest that also reports whether the chunk was dropped because a
// pass was in flight.
func (s *Segmenter) Push(chunk []float64) (tr *Trigger, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return nil, true
	}

	s.buffer = append(s.buffer, chunk...)

	if s.sounding(chunk) {
		s.silenceStart = time.Time{}
		return nil, false
	}

	now := s.now()
	if s.silenceStart.IsZero() {
		s.silenceStart = now
		return nil, false
	}
	if now.Sub(s.silenceStart) < s.duration {
		return nil, false
	}
	return s.fire(ReasonSilence, now), false
}

// ForceFlush ends the current utterance regardless of the silence timer.
// It returns nil when the buffer is empty or a pass is already in flight.
func (s *Segmenter) ForceFlush() *Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing || len(s.buffer) == 0 {
		return nil
	}
	return s.fire(ReasonStop, s.now())
}

// Reset clears the buffer, the silence timer and the processing flag.
// Every pass must end with a Reset, whatever its outcome.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = nil
	s.silenceStart = time.Time{}
	s.processing = false
}

// Len returns the number of buffered samples.
func (s *Segmenter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// SilenceSince returns when the current silence run began.
func (s *Segmenter) SilenceSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silenceStart, !s.silenceStart.IsZero()
}

// Processing reports whether a pass is in flight.
func (s *Segmenter) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// fire sets the processing flag and snapshots the buffer. Caller holds mu.
// Buffer and timer stay as they are until Reset.
func (s *Segmenter) fire(reason Reason, at time.Time) *Trigger {
	s.processing = true
	samples := make([]float64, len(s.buffer))
	copy(samples, s.buffer)
	return &Trigger{Reason: reason, Samples: samples, At: at}
}

func (s *Segmenter) sounding(chunk []float64) bool {
	for _, v := range chunk {
		if v > s.threshold || v < -s.threshold {
			return true
		}
	}
	return false
}
