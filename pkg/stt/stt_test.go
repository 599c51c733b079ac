package stt_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teslashibe/voice-relay/pkg/stt"
	"github.com/teslashibe/voice-relay/pkg/wav"
)

type upload struct {
	model    string
	language string
	filename string
	audio    []byte
}

func newWhisperServer(t *testing.T, status int, body string, got *upload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			got.model = r.FormValue("model")
			got.language = r.FormValue("language")
			if f, hdr, err := r.FormFile("file"); err == nil {
				got.filename = hdr.Filename
				got.audio, _ = io.ReadAll(f)
				f.Close()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := stt.NewOpenAI(); !errors.Is(err, stt.ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestOpenAITranscribe(t *testing.T) {
	var got upload
	srv := newWhisperServer(t, http.StatusOK, `{"text":"  hello there "}`, &got)

	tr, err := stt.NewOpenAI(stt.WithAPIKey("sk-test"), stt.WithBaseURL(srv.URL+"/v1"))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	audio := wav.Encode([]float64{0.5, 0.6, -0.5}, wav.DefaultSampleRate)
	text, err := tr.Transcribe(context.Background(), audio, stt.DefaultRequest())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if text != "hello there" {
		t.Errorf("text = %q, want %q", text, "hello there")
	}
	if got.model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", got.model)
	}
	if got.language != "en" {
		t.Errorf("language = %q, want en", got.language)
	}
	if got.filename != "audio.wav" {
		t.Errorf("filename = %q, want audio.wav", got.filename)
	}
	if len(got.audio) != 50 {
		t.Errorf("uploaded %d bytes, want 50", len(got.audio))
	}
}

func TestOpenAIDefaultsEmptyRequest(t *testing.T) {
	var got upload
	srv := newWhisperServer(t, http.StatusOK, `{"text":"ok"}`, &got)

	tr, err := stt.NewOpenAI(
		stt.WithAPIKey("sk-test"),
		stt.WithBaseURL(srv.URL+"/v1"),
		stt.WithModel("whisper-large"),
	)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	if _, err := tr.Transcribe(context.Background(), []byte("RIFF"), stt.Request{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.model != "whisper-large" || got.filename != "audio.wav" || got.language != "" {
		t.Errorf("unexpected upload %+v", got)
	}
}

func TestOpenAITranscribeErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := newWhisperServer(t, http.StatusInternalServerError,
			`{"error":{"message":"upstream exploded","type":"server_error"}}`, nil)

		tr, err := stt.NewOpenAI(stt.WithAPIKey("sk-test"), stt.WithBaseURL(srv.URL+"/v1"))
		if err != nil {
			t.Fatalf("NewOpenAI: %v", err)
		}

		_, err = tr.Transcribe(context.Background(), []byte("RIFF"), stt.DefaultRequest())
		var apiErr *stt.APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if !apiErr.IsServerError() || !apiErr.IsRetryable() || apiErr.Message != "upstream exploded" {
			t.Errorf("unexpected error %+v", apiErr)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := newWhisperServer(t, http.StatusUnauthorized,
			`{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, nil)

		tr, _ := stt.NewOpenAI(stt.WithAPIKey("sk-bad"), stt.WithBaseURL(srv.URL+"/v1"))
		_, err := tr.Transcribe(context.Background(), []byte("RIFF"), stt.DefaultRequest())

		var apiErr *stt.APIError
		if !errors.As(err, &apiErr) || !apiErr.IsUnauthorized() || apiErr.Code != "invalid_api_key" {
			t.Errorf("expected unauthorized APIError, got %v", err)
		}
	})

	t.Run("empty audio", func(t *testing.T) {
		tr, _ := stt.NewOpenAI(stt.WithAPIKey("sk-test"), stt.WithBaseURL("http://127.0.0.1:1/v1"))
		if _, err := tr.Transcribe(context.Background(), nil, stt.DefaultRequest()); !errors.Is(err, stt.ErrEmptyAudio) {
			t.Errorf("expected ErrEmptyAudio, got %v", err)
		}
	})
}

func TestMock(t *testing.T) {
	ctx := context.Background()

	t.Run("NewMock returns text", func(t *testing.T) {
		m := stt.NewMock("hi")
		text, err := m.Transcribe(ctx, []byte{1, 2}, stt.DefaultRequest())
		if err != nil || text != "hi" {
			t.Fatalf("got %q, %v", text, err)
		}
		if m.CallCount() != 1 {
			t.Errorf("expected 1 call, got %d", m.CallCount())
		}
		last := m.LastCall()
		if last == nil || last.Request.Language != "en" || len(last.Audio) != 2 {
			t.Errorf("unexpected last call %+v", last)
		}
		m.Reset()
		if len(m.Calls()) != 0 || m.LastCall() != nil {
			t.Error("expected calls cleared")
		}
	})

	t.Run("WithError fails", func(t *testing.T) {
		boom := errors.New("boom")
		if _, err := stt.WithError(boom).Transcribe(ctx, nil, stt.Request{}); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	})

	t.Run("zero value is unconfigured", func(t *testing.T) {
		var m stt.Mock
		if _, err := m.Transcribe(ctx, nil, stt.Request{}); !errors.Is(err, stt.ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})
}

func TestAPIErrorMessage(t *testing.T) {
	err := &stt.APIError{StatusCode: 400, Message: "bad audio", Code: "invalid_file", Provider: "openai"}
	if err.Error() != "stt [openai]: API error 400 (invalid_file): bad audio" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if stt.WrapError("openai", nil) != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestOpenAIHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","code":"invalid_api_key"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"whisper-1","object":"model"}]}`))
	}))
	defer srv.Close()

	good, _ := stt.NewOpenAI(stt.WithAPIKey("sk-good"), stt.WithBaseURL(srv.URL+"/v1"))
	if err := good.Health(context.Background()); err != nil {
		t.Errorf("Health() = %v", err)
	}

	bad, _ := stt.NewOpenAI(stt.WithAPIKey("sk-bad"), stt.WithBaseURL(srv.URL+"/v1"))
	var apiErr *stt.APIError
	if err := bad.Health(context.Background()); !errors.As(err, &apiErr) || !apiErr.IsUnauthorized() {
		t.Errorf("Health() with bad key = %v, want unauthorized", err)
	}
}
