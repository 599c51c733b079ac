// Package relay turns triggered utterances into spoken replies and binds that
// pipeline to client connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/voice-relay/pkg/artifact"
	"github.com/teslashibe/voice-relay/pkg/metrics"
	"github.com/teslashibe/voice-relay/pkg/stt"
	"github.com/teslashibe/voice-relay/pkg/tts"
	"github.com/teslashibe/voice-relay/pkg/wav"
)

// Stage is a step of a processing pass.
type Stage int

const (
	StageIdle Stage = iota
	StageEncoding
	StageTranscribing
	StageGenerating
	StageSynthesizing
	StageEmitting
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageEncoding:
		return "encoding"
	case StageTranscribing:
		return "transcribing"
	case StageGenerating:
		return "generating"
	case StageSynthesizing:
		return "synthesizing"
	case StageEmitting:
		return "emitting"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Failure kinds. A *PassError matches exactly one of them with errors.Is.
var (
	ErrEncoding      = errors.New("relay: encoding failed")
	ErrTranscription = errors.New("relay: transcription failed")
	ErrSynthesis     = errors.New("relay: synthesis failed")
	ErrArtifact      = errors.New("relay: artifact persistence failed")
	ErrPanic         = errors.New("relay: pass panicked")
)

// PassError describes why a pass aborted.
type PassError struct {
	Stage Stage // stage that was running
	Kind  error // one of the Err* kinds
	Err   error // underlying cause
}

func (e *PassError) Error() string {
	return fmt.Sprintf("%v at %s: %v", e.Kind, e.Stage, e.Err)
}

// Unwrap exposes both Kind and Err to errors.Is and errors.As.
func (e *PassError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Responder composes the reply text for a transcription.
type Responder interface {
	Reply(transcription string) string
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(transcription string) string

// Reply calls f.
func (f ResponderFunc) Reply(transcription string) string { return f(transcription) }

// DefaultReplyPrefix is prepended to the transcription by EchoResponder.
const DefaultReplyPrefix = "You said: "

// EchoResponder replies with the transcription behind a fixed prefix.
type EchoResponder struct {
	Prefix string
}

// Reply returns Prefix + transcription.
func (r EchoResponder) Reply(transcription string) string {
	return r.Prefix + transcription
}

// Result is the outcome of a successful pass.
type Result struct {
	AudioURL      string
	Transcription string
	Response      string

	Input  artifact.Ref
	Speech artifact.Ref
}

// DeletionScheduler removes artifacts after a delay.
type DeletionScheduler interface {
	Schedule(ref artifact.Ref, delay time.Duration)
}

// ProcessorConfig holds per-pass parameters.
type ProcessorConfig struct {
	// SampleRate is written into the WAV header. Zero means wav.DefaultSampleRate.
	SampleRate uint32

	// Transcription is sent with every utterance.
	Transcription stt.Request

	// RetainFor is how long artifacts of a successful pass stay available.
	RetainFor time.Duration
}

// DefaultProcessorConfig returns the defaults used by cmd/relay.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		SampleRate:    wav.DefaultSampleRate,
		Transcription: stt.DefaultRequest(),
		RetainFor:     60 * time.Second,
	}
}

// ProcessorDeps are the collaborators of a Processor. Transcriber,
// Synthesizer and Store are required.
type ProcessorDeps struct {
	Transcriber stt.Transcriber
	Synthesizer tts.Provider
	Store       artifact.Store
	Scheduler   DeletionScheduler
	Responder   Responder
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// OnStage observes every stage transition of every pass. Optional.
	OnStage func(Stage)
}

// Processor runs the encode, transcribe, reply, synthesize and emit pipeline
// for one utterance. It keeps no per-connection state and is safe for
// concurrent use.
type Processor struct {
	cfg  ProcessorConfig
	deps ProcessorDeps
	log  *slog.Logger
}

// NewProcessor validates deps and fills defaults.
func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps) (*Processor, error) {
	switch {
	case deps.Transcriber == nil:
		return nil, errors.New("relay: transcriber is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("relay: synthesizer is required")
	case deps.Store == nil:
		return nil, errors.New("relay: artifact store is required")
	}

	if cfg.SampleRate == 0 {
		cfg.SampleRate = wav.DefaultSampleRate
	}
	if cfg.RetainFor < 0 {
		cfg.RetainFor = 0
	}
	if deps.Responder == nil {
		deps.Responder = EchoResponder{Prefix: DefaultReplyPrefix}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Processor{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("component", "relay.processor"),
	}, nil
}

// Config returns the effective configuration.
func (p *Processor) Config() ProcessorConfig { return p.cfg }

// pass tracks one run through the stages.
type pass struct {
	p         *Processor
	stage     Stage
	entered   time.Time
	persisted []artifact.Ref
}

func (ps *pass) enter(next Stage) {
	now := time.Now()
	if ps.stage != StageIdle && ps.stage != StageFailed {
		ps.p.deps.Metrics.ObserveStage(ps.stage.String(), now.Sub(ps.entered))
	}
	ps.stage = next
	ps.entered = now
	if ps.p.deps.OnStage != nil {
		ps.p.deps.OnStage(next)
	}
}

// fail aborts the pass, deleting anything it already persisted.
func (ps *pass) fail(kind, cause error) error {
	failed := ps.stage
	ps.enter(StageFailed)

	for _, ref := range ps.persisted {
		if err := ps.p.deps.Store.Delete(ref); err != nil {
			ps.p.log.Warn("cleanup after failed pass", "artifact", ref.Name, "error", err)
			ps.p.deps.Metrics.RecordCleanupFailure()
		}
	}

	ps.enter(StageIdle)
	ps.p.deps.Metrics.PassFinished(failed.String())
	return &PassError{Stage: failed, Kind: kind, Err: cause}
}

func (ps *pass) persist(ctx context.Context, kind artifact.Kind, data []byte) (artifact.Ref, error) {
	ref, err := ps.p.deps.Store.Persist(ctx, kind, data)
	if err != nil {
		return artifact.Ref{}, err
	}
	ps.persisted = append(ps.persisted, ref)
	return ref, nil
}

// Run processes one utterance. An empty buffer is a no-op returning
// (nil, nil). On success emit, when non-nil, receives the result before
// artifact deletion is scheduled; the same result is returned. On failure
// the error is a *PassError and nothing is emitted. A panic in a collaborator
// fails the pass with ErrPanic.
func (p *Processor) Run(ctx context.Context, samples []float64, emit func(*Result)) (res *Result, err error) {
	if len(samples) == 0 {
		return nil, nil
	}

	p.deps.Metrics.PassStarted()
	ps := &pass{p: p}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pass panicked", "stage", ps.stage, "panic", r)
			res, err = nil, ps.fail(ErrPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	ps.enter(StageEncoding)
	audio, err := encode(samples, p.cfg.SampleRate)
	if err != nil {
		return nil, ps.fail(ErrEncoding, err)
	}
	input, err := ps.persist(ctx, artifact.KindInput, audio)
	if err != nil {
		return nil, ps.fail(ErrArtifact, err)
	}

	ps.enter(StageTranscribing)
	text, err := p.deps.Transcriber.Transcribe(ctx, audio, p.cfg.Transcription)
	if err != nil {
		return nil, ps.fail(ErrTranscription, err)
	}
	p.log.Info("transcription", "text", text, "samples", len(samples))

	ps.enter(StageGenerating)
	reply := p.deps.Responder.Reply(text)

	ps.enter(StageSynthesizing)
	speech, err := p.deps.Synthesizer.Synthesize(ctx, reply)
	if err != nil {
		return nil, ps.fail(ErrSynthesis, err)
	}
	if speech == nil || len(speech.Audio) == 0 {
		return nil, ps.fail(ErrSynthesis, tts.ErrEmptyAudio)
	}

	ps.enter(StageEmitting)
	speechRef, err := ps.persist(ctx, artifact.SpeechKind(speech.Format.Encoding.Extension()), speech.Audio)
	if err != nil {
		return nil, ps.fail(ErrArtifact, err)
	}

	res = &Result{
		AudioURL:      p.deps.Store.URL(speechRef),
		Transcription: text,
		Response:      reply,
		Input:         input,
		Speech:        speechRef,
	}
	if emit != nil {
		emit(res)
	}
	p.scheduleCleanup(input, speechRef)

	ps.enter(StageIdle)
	p.deps.Metrics.PassFinished("success")
	return res, nil
}

func (p *Processor) scheduleCleanup(refs ...artifact.Ref) {
	if p.deps.Scheduler == nil {
		return
	}
	for _, ref := range refs {
		p.deps.Scheduler.Schedule(ref, p.cfg.RetainFor)
	}
}

// encode wraps wav.Encode, turning a panic into an error.
func encode(samples []float64, rate uint32) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode %d samples: %v", len(samples), r)
		}
	}()
	return wav.Encode(samples, rate), nil
}
