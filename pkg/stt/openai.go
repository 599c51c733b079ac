package stt

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/teslashibe/voice-relay/internal/httpc"
)

const providerOpenAI = "openai"

// Config holds Whisper client configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Option configures the OpenAI transcriber.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the API base URL (e.g. "http://host/v1").
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithModel sets the model used when a Request leaves it empty.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithTimeout sets the request timeout. Ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// OpenAI transcribes audio with the hosted Whisper API.
type OpenAI struct {
	config *Config
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates a Whisper transcriber.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := &Config{
		Model:   ModelWhisper1,
		Timeout: 60 * time.Second,
		Logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	} else {
		clientCfg.HTTPClient = httpc.NewClient(cfg.Timeout)
	}

	return &OpenAI{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
		logger: cfg.Logger.With("component", "stt.openai"),
	}, nil
}

// Transcribe uploads audio and returns the recognized text, trimmed.
func (o *OpenAI) Transcribe(ctx context.Context, audio []byte, req Request) (string, error) {
	if len(audio) == 0 {
		return "", WrapError(providerOpenAI, ErrEmptyAudio)
	}
	req = req.withDefaults(o.config.Model)

	start := time.Now()
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    req.Model,
		FilePath: req.Filename,
		Reader:   bytes.NewReader(audio),
		Language: req.Language,
		Prompt:   req.Prompt,
	})
	if err != nil {
		return "", fromOpenAI(err)
	}

	text := strings.TrimSpace(resp.Text)
	o.logger.Debug("transcribed audio",
		"bytes", len(audio),
		"chars", len(text),
		"language", req.Language,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// Health checks API connectivity by listing models.
func (o *OpenAI) Health(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return fromOpenAI(err)
	}
	return nil
}

// Verify OpenAI implements Transcriber at compile time.
var _ Transcriber = (*OpenAI)(nil)
