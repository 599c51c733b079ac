package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/voice-relay/pkg/artifact"
	"github.com/teslashibe/voice-relay/pkg/metrics"
	"github.com/teslashibe/voice-relay/pkg/relay"
	"github.com/teslashibe/voice-relay/pkg/stt"
	"github.com/teslashibe/voice-relay/pkg/tts"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) Health(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	dir := t.TempDir()
	if cfg.AudioDir == "" {
		cfg.AudioDir = dir
	}
	store, err := artifact.NewFileStore(cfg.AudioDir, "http://localhost:5000")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	proc, err := relay.NewProcessor(relay.DefaultProcessorConfig(), relay.ProcessorDeps{
		Transcriber: stt.NewMock("hi"),
		Synthesizer: tts.NewMock(),
		Store:       store,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	hub, err := relay.NewHub(relay.HubConfig{Processor: proc})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return NewServer(cfg, hub)
}

func get(t *testing.T, s *Server, path string, headers map[string]string) (int, string, map[string]string) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	hdr := map[string]string{}
	for k := range resp.Header {
		hdr[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, string(body), hdr
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{})

	status, body, _ := get(t, s, "/health", nil)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "ok" || got["sessions"] != float64(0) {
		t.Errorf("health = %v", got)
	}
}

func TestReady(t *testing.T) {
	t.Run("all up", func(t *testing.T) {
		s := newTestServer(t, Config{Upstreams: map[string]HealthChecker{
			"tts": tts.NewMock(),
		}})
		status, body, _ := get(t, s, "/health/ready", nil)
		if status != fiber.StatusOK || !strings.Contains(body, `"ready":true`) {
			t.Errorf("status = %d, body = %s", status, body)
		}
	})

	t.Run("one down", func(t *testing.T) {
		s := newTestServer(t, Config{Upstreams: map[string]HealthChecker{
			"stt": checkFunc(func(context.Context) error { return errors.New("unauthorized") }),
			"tts": tts.NewMock(),
		}})
		status, body, _ := get(t, s, "/health/ready", nil)
		if status != fiber.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", status)
		}
		if !strings.Contains(body, "unauthorized") {
			t.Errorf("body = %s", body)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.RecordSessionOpened()
	s := newTestServer(t, Config{Metrics: m})

	status, body, _ := get(t, s, "/metrics", nil)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(body, "voice_relay_active_sessions 1") {
		t.Errorf("metrics output missing session gauge:\n%s", body)
	}
}

func TestStaticAudio(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "speech_1_abc.mp3"), []byte("ID3data"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, Config{AudioDir: dir})

	status, body, _ := get(t, s, "/temp/speech_1_abc.mp3", nil)
	if status != fiber.StatusOK || body != "ID3data" {
		t.Errorf("status = %d, body = %q", status, body)
	}

	if status, _, _ := get(t, s, "/temp/missing.mp3", nil); status != fiber.StatusNotFound {
		t.Errorf("missing file status = %d, want 404", status)
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, Config{FrontendURL: "http://localhost:3000"})

	_, _, hdr := get(t, s, "/health", map[string]string{"Origin": "http://localhost:3000"})
	if hdr["Access-Control-Allow-Origin"] != "http://localhost:3000" {
		t.Errorf("allowed origin header = %q", hdr["Access-Control-Allow-Origin"])
	}

	_, _, hdr = get(t, s, "/health", map[string]string{"Origin": "http://evil.example"})
	if v := hdr["Access-Control-Allow-Origin"]; v != "" {
		t.Errorf("foreign origin allowed: %q", v)
	}
}

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, Config{})

	if status, _, _ := get(t, s, "/ws", nil); status != fiber.StatusUpgradeRequired {
		t.Errorf("/ws without upgrade = %d, want 426", status)
	}
	if status, body, _ := get(t, s, "/api/sessions", nil); status != fiber.StatusOK || !strings.Contains(body, `"count":0`) {
		t.Errorf("/api/sessions = %d %s", status, body)
	}
}
