package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/voice-relay/pkg/protocol"
	"github.com/teslashibe/voice-relay/pkg/segment"
	"github.com/teslashibe/voice-relay/pkg/stt"
	"github.com/teslashibe/voice-relay/pkg/tts"
)

// fakeSender collects outbound messages.
type fakeSender struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	err  error
}

func (s *fakeSender) Send(msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *fakeSender) messages() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Message(nil), s.msgs...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sessionFixture struct {
	*fixture
	clock  *clock
	out    *fakeSender
	sess   *Session
	passes sync.WaitGroup
}

func newSessionFixture(t *testing.T, setup func(f *fixture)) *sessionFixture {
	t.Helper()
	f := newFixture(t)
	if setup != nil {
		setup(f)
	}
	sf := &sessionFixture{
		fixture: f,
		clock:   &clock{t: time.Unix(1700000000, 0)},
		out:     &fakeSender{},
	}
	seg := segment.New(segment.WithClock(sf.clock.Now))
	sf.sess = NewSession("test", seg, f.processor(t, nil), sf.out, SessionOptions{
		Metrics: f.metrics,
		Passes:  &sf.passes,
	})
	return sf
}

// speakThenPause feeds one sounding chunk followed by enough silence to
// trigger a pass.
func (sf *sessionFixture) speakThenPause(chunk []float64) {
	sf.sess.HandleAudio(chunk)
	sf.sess.HandleAudio([]float64{})
	sf.clock.Advance(2 * time.Second)
	sf.sess.HandleAudio([]float64{})
}

func TestSessionEndToEnd(t *testing.T) {
	sf := newSessionFixture(t, func(f *fixture) { f.stt = stt.NewMock("hello") })

	sf.speakThenPause([]float64{0.5, 0.6, -0.5})
	sf.sess.Wait()

	call := sf.stt.LastCall()
	if call == nil {
		t.Fatal("transcriber was not called")
	}
	if len(call.Audio) != 50 {
		t.Errorf("WAV is %d bytes, want 50", len(call.Audio))
	}

	msgs := sf.out.messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeReceiveAudio {
		t.Fatalf("messages = %+v, want one receive_audio", msgs)
	}
	data, err := msgs[0].GetReceiveAudioData()
	if err != nil {
		t.Fatalf("GetReceiveAudioData: %v", err)
	}
	if data.Transcription != "hello" || data.Response != "You said: hello" || data.AudioURL == "" {
		t.Errorf("receive_audio = %+v", data)
	}

	if sf.sess.Segmenter().Processing() || sf.sess.Segmenter().Len() != 0 {
		t.Error("segmenter not reset after pass")
	}
	if ok, failed := sf.sess.PassCounts(); ok != 1 || failed != 0 {
		t.Errorf("pass counts = %d/%d, want 1/0", ok, failed)
	}
}

func TestSessionStopFlushes(t *testing.T) {
	sf := newSessionFixture(t, nil)

	sf.sess.HandleStop()
	sf.sess.Wait()
	if sf.stt.CallCount() != 0 {
		t.Error("stop on empty buffer must not start a pass")
	}

	sf.sess.HandleAudio([]float64{0.3, 0.3})
	sf.sess.HandleStop()
	sf.sess.Wait()

	call := sf.stt.LastCall()
	if call == nil || len(call.Audio) != 48 {
		t.Fatalf("expected a 48-byte WAV from forced flush, got %+v", call)
	}
	if len(sf.out.messages()) != 1 {
		t.Errorf("got %d messages, want 1", len(sf.out.messages()))
	}
}

func TestSessionFailureResets(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		stage string
	}{
		{"transcription", func(f *fixture) { f.stt = stt.WithError(errors.New("boom")) }, "transcribing"},
		{"synthesis", func(f *fixture) { f.tts = tts.WithError(errors.New("boom")) }, "synthesizing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf := newSessionFixture(t, tt.setup)
			sf.speakThenPause([]float64{0.5})
			sf.sess.Wait()

			msgs := sf.out.messages()
			if len(msgs) != 1 || msgs[0].Type != protocol.TypeError {
				t.Fatalf("messages = %+v, want one error", msgs)
			}
			data, _ := msgs[0].GetErrorData()
			if data.Message != protocol.ErrorMessage || data.Stage != tt.stage {
				t.Errorf("error payload = %+v", data)
			}

			seg := sf.sess.Segmenter()
			if seg.Processing() || seg.Len() != 0 {
				t.Error("segmenter not reset after failed pass")
			}
			if _, ok := seg.SilenceSince(); ok {
				t.Error("silence timer survived a failed pass")
			}
			if _, failed := sf.sess.PassCounts(); failed != 1 {
				t.Errorf("failed = %d, want 1", failed)
			}

			// The session accepts a new utterance afterwards.
			sf.sess.HandleAudio([]float64{0.5})
			if seg.Len() != 1 {
				t.Error("session did not accept audio after a failure")
			}
		})
	}
}

func TestSessionPanicResets(t *testing.T) {
	sf := newSessionFixture(t, func(f *fixture) {
		f.stt.TranscribeFunc = func(context.Context, []byte, stt.Request) (string, error) {
			panic("transcriber bug")
		}
	})

	sf.speakThenPause([]float64{0.5})
	sf.sess.Wait()

	msgs := sf.out.messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeError {
		t.Fatalf("messages = %+v, want one error", msgs)
	}
	if sf.sess.Segmenter().Processing() {
		t.Error("processing flag stuck after panic")
	}
}

func TestSessionDropsDuringPass(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sf := newSessionFixture(t, func(f *fixture) {
		f.stt.TranscribeFunc = func(context.Context, []byte, stt.Request) (string, error) {
			close(started)
			<-release
			return "hi", nil
		}
	})

	sf.speakThenPause([]float64{0.5})
	<-started

	// Chunks and stops during the pass change nothing and start nothing.
	before := sf.sess.Segmenter().Len()
	sf.sess.HandleAudio([]float64{0.9, 0.9, 0.9})
	sf.sess.HandleAudio([]float64{})
	sf.clock.Advance(5 * time.Second)
	sf.sess.HandleAudio([]float64{})
	sf.sess.HandleStop()
	if sf.sess.Segmenter().Len() != before {
		t.Error("buffer changed during a pass")
	}

	close(release)
	sf.sess.Wait()

	if sf.stt.CallCount() != 1 {
		t.Errorf("transcriber called %d times, want 1", sf.stt.CallCount())
	}
	if len(sf.out.messages()) != 1 {
		t.Errorf("got %d messages, want 1", len(sf.out.messages()))
	}
}

func TestSessionDrainStopsNewPasses(t *testing.T) {
	sf := newSessionFixture(t, nil)
	sf.sess.Drain()

	sf.speakThenPause([]float64{0.5})
	sf.sess.HandleAudio([]float64{0.4})
	sf.sess.HandleStop()
	sf.passes.Wait()

	if sf.stt.CallCount() != 0 || len(sf.out.messages()) != 0 {
		t.Errorf("drained session ran a pass: %d calls, %d messages", sf.stt.CallCount(), len(sf.out.messages()))
	}
	if sf.sess.Segmenter().Processing() || sf.sess.Segmenter().Len() != 0 {
		t.Error("segmenter not reset after a discarded utterance")
	}
}

func TestSessionDrainKeepsRunningPass(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sf := newSessionFixture(t, func(f *fixture) {
		f.stt.TranscribeFunc = func(context.Context, []byte, stt.Request) (string, error) {
			close(started)
			<-release
			return "hi", nil
		}
	})

	sf.speakThenPause([]float64{0.5})
	<-started
	sf.sess.Drain()
	close(release)
	sf.passes.Wait()

	msgs := sf.out.messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeReceiveAudio {
		t.Fatalf("messages = %+v, want the in-flight result", msgs)
	}
}

func TestSessionCloseDuringPass(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sf := newSessionFixture(t, func(f *fixture) {
		f.stt.TranscribeFunc = func(context.Context, []byte, stt.Request) (string, error) {
			close(started)
			<-release
			return "hi", nil
		}
	})

	sf.speakThenPause([]float64{0.5})
	<-started

	if !sf.sess.Close() {
		t.Fatal("first Close should report true")
	}
	if sf.sess.Close() {
		t.Error("second Close should report false")
	}
	close(release)
	sf.passes.Wait()

	if n := len(sf.out.messages()); n != 0 {
		t.Errorf("closed session sent %d messages", n)
	}
	if sf.tts.CallCount("Synthesize") != 1 {
		t.Error("in-flight pass should still run to completion")
	}

	sf.sess.HandleAudio([]float64{0.5})
	if sf.sess.Segmenter().Len() != 0 {
		t.Error("closed session accepted audio")
	}
}

func TestSessionSendErrorIgnored(t *testing.T) {
	sf := newSessionFixture(t, nil)
	sf.out.err = errors.New("broken pipe")

	sf.speakThenPause([]float64{0.5})
	sf.sess.Wait()

	if ok, _ := sf.sess.PassCounts(); ok != 1 {
		t.Error("send failure must not fail the pass")
	}
}

func TestSessionsIndependent(t *testing.T) {
	f := newFixture(t)
	f.stt.TranscribeFunc = func(_ context.Context, audio []byte, _ stt.Request) (string, error) {
		return fmt.Sprintf("%d bytes", len(audio)), nil
	}
	proc := f.processor(t, nil)
	clk := &clock{t: time.Unix(1700000000, 0)}

	const n = 8
	senders := make([]*fakeSender, n)
	sessions := make([]*Session, n)
	for i := range sessions {
		senders[i] = &fakeSender{}
		seg := segment.New(segment.WithClock(clk.Now))
		sessions[i] = NewSession(fmt.Sprintf("s%d", i), seg, proc, senders[i], SessionOptions{})
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			chunk := make([]float64, i+1)
			for j := range chunk {
				chunk[j] = 0.5
			}
			s.HandleAudio(chunk)
			s.HandleStop()
			s.Wait()
		}(i, s)
	}
	wg.Wait()

	for i, out := range senders {
		msgs := out.messages()
		if len(msgs) != 1 {
			t.Fatalf("session %d got %d messages", i, len(msgs))
		}
		data, _ := msgs[0].GetReceiveAudioData()
		want := fmt.Sprintf("%d bytes", 44+2*(i+1))
		if data.Transcription != want {
			t.Errorf("session %d transcription = %q, want %q", i, data.Transcription, want)
		}
	}
}
