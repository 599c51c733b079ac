package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/voice-relay/pkg/metrics"
	"github.com/teslashibe/voice-relay/pkg/protocol"
	"github.com/teslashibe/voice-relay/pkg/segment"
)

// Sender delivers outbound messages to one client.
type Sender interface {
	Send(msg *protocol.Message) error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Context bounds passes. It is not tied to the client connection, so a
	// disconnect does not cancel an in-flight pass.
	// Defaults to context.Background().
	Context context.Context

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Passes, when set, is incremented for the lifetime of every pass so an
	// owner can wait for passes across sessions.
	Passes *sync.WaitGroup

	// OnPassDone is called after every pass with its error (nil on success).
	OnPassDone func(err error)
}

// Session binds one client connection to its segmenter and the shared
// processor. At most one pass runs at a time per session.
type Session struct {
	id   string
	seg  *segment.Segmenter
	proc *Processor
	out  Sender
	opts SessionOptions
	log  *slog.Logger

	opened time.Time
	closed atomic.Bool
	wg     sync.WaitGroup

	// gate orders pass starts against Drain.
	gate     sync.Mutex
	draining bool

	passes   atomic.Uint64
	failures atomic.Uint64
}

// NewSession creates a session. seg must not be shared with another session.
func NewSession(id string, seg *segment.Segmenter, proc *Processor, out Sender, opts SessionOptions) *Session {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		id:     id,
		seg:    seg,
		proc:   proc,
		out:    out,
		opts:   opts,
		log:    opts.Logger.With("session", id),
		opened: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Segmenter returns the session's segmenter.
func (s *Session) Segmenter() *segment.Segmenter { return s.seg }

// HandleAudio ingests one chunk and starts a pass if it ends an utterance.
func (s *Session) HandleAudio(chunk []float64) {
	if s.closed.Load() {
		return
	}
	tr, dropped := s.seg.Push(chunk)
	s.opts.Metrics.RecordChunk(len(chunk), dropped)
	if dropped {
		s.log.Debug("chunk dropped during processing", "samples", len(chunk))
		return
	}
	if tr != nil {
		s.start(tr)
	}
}

// HandleStop flushes the current utterance, if any.
func (s *Session) HandleStop() {
	if s.closed.Load() {
		return
	}
	if tr := s.seg.ForceFlush(); tr != nil {
		s.start(tr)
	}
}

// Close marks the client as gone. A running pass completes; its delivery
// becomes a no-op. Close is idempotent and reports whether it closed.
func (s *Session) Close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.log.Debug("session closed", "lifetime", time.Since(s.opened))
	return true
}

// Drain stops the session from starting passes. A pass already running
// finishes and still delivers its result. Once Drain returns no further
// pass is added to SessionOptions.Passes.
func (s *Session) Drain() {
	s.gate.Lock()
	s.draining = true
	s.gate.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Wait blocks until every started pass has finished.
func (s *Session) Wait() { s.wg.Wait() }

// Opened returns when the session was created.
func (s *Session) Opened() time.Time { return s.opened }

// PassCounts returns completed and failed pass totals.
func (s *Session) PassCounts() (completed, failed uint64) {
	return s.passes.Load(), s.failures.Load()
}

func (s *Session) start(tr *segment.Trigger) {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.draining {
		s.log.Debug("utterance discarded while draining", "samples", len(tr.Samples))
		s.seg.Reset()
		return
	}

	s.opts.Metrics.RecordTrigger(tr.Reason.String(), len(tr.Samples))
	s.log.Debug("utterance triggered", "reason", tr.Reason, "samples", len(tr.Samples))

	s.wg.Add(1)
	if s.opts.Passes != nil {
		s.opts.Passes.Add(1)
	}
	go s.run(tr)
}

func (s *Session) run(tr *segment.Trigger) {
	defer func() {
		if s.opts.Passes != nil {
			s.opts.Passes.Done()
		}
		s.wg.Done()
	}()
	// Buffer, timer and flag are released on every exit path.
	defer s.seg.Reset()

	_, err := s.proc.Run(s.opts.Context, tr.Samples, s.deliver)
	if err != nil {
		s.failures.Add(1)
		s.reportFailure(err)
	} else {
		s.passes.Add(1)
	}

	if s.opts.OnPassDone != nil {
		s.opts.OnPassDone(err)
	}
}

func (s *Session) deliver(res *Result) {
	msg, err := protocol.NewReceiveAudioMessage(res.AudioURL, res.Transcription, res.Response)
	if err != nil {
		s.log.Error("encode result", "error", err)
		return
	}
	s.send(msg)
}

func (s *Session) reportFailure(err error) {
	stage := StageFailed
	var pe *PassError
	if errors.As(err, &pe) {
		stage = pe.Stage
	}
	s.log.Error("processing audio", "stage", stage, "error", err)

	msg, mErr := protocol.NewErrorMessage(stage.String())
	if mErr != nil {
		s.log.Error("encode error message", "error", mErr)
		return
	}
	s.send(msg)
}

func (s *Session) send(msg *protocol.Message) {
	if s.closed.Load() {
		s.log.Debug("client gone, dropping message", "type", msg.Type)
		return
	}
	if err := s.out.Send(msg); err != nil {
		s.log.Debug("send failed", "type", msg.Type, "error", err)
	}
}
