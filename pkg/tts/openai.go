package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/teslashibe/voice-relay/internal/httpc"
)

const providerOpenAI = "openai"

// OpenAI voice options
const (
	VoiceAlloy   = "alloy"   // Neutral voice
	VoiceEcho    = "echo"    // Male voice
	VoiceFable   = "fable"   // British accent
	VoiceOnyx    = "onyx"    // Deep male voice
	VoiceNova    = "nova"    // Female voice
	VoiceShimmer = "shimmer" // Soft female voice
)

// OpenAI model options
const (
	ModelTTS1   = "tts-1"    // Standard quality, faster
	ModelTTS1HD = "tts-1-hd" // Higher quality, slower
)

// OpenAI implements Provider for the OpenAI speech endpoint.
type OpenAI struct {
	config *Config
	client *openai.Client
	http   *http.Client
	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI TTS provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}
	if cfg.ModelID == "" {
		cfg.ModelID = ModelTTS1
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = EncodingMP3
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpc.NewClient(cfg.Timeout)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = httpClient

	return &OpenAI{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
		http:   httpClient,
		logger: cfg.Logger.With("component", "tts.openai"),
	}, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if text == "" {
		return nil, WrapError(providerOpenAI, ErrEmptyText)
	}

	start := time.Now()

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.config.ModelID),
		Input:          text,
		Voice:          openai.SpeechVoice(o.config.VoiceID),
		ResponseFormat: openai.SpeechResponseFormat(o.config.OutputFormat),
		Speed:          o.config.Speed,
	})
	if err != nil {
		return nil, fromOpenAI(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("read response: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerOpenAI, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()

	o.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"voice", o.config.VoiceID,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    o.outputFormat(),
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Health checks API connectivity by listing models.
func (o *OpenAI) Health(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return fromOpenAI(err)
	}
	return nil
}

// Close releases resources.
func (o *OpenAI) Close() error {
	o.http.CloseIdleConnections()
	return nil
}

// VoiceID returns the configured voice.
func (o *OpenAI) VoiceID() string {
	return o.config.VoiceID
}

// Format returns the configured output encoding.
func (o *OpenAI) Format() Encoding {
	return o.config.OutputFormat
}

func (o *OpenAI) outputFormat() AudioFormat {
	f := AudioFormat{
		Encoding:   o.config.OutputFormat,
		SampleRate: SampleRateFromEncoding(o.config.OutputFormat),
		Channels:   1,
	}
	if f.Encoding == EncodingPCM || f.Encoding == EncodingWAV {
		f.BitDepth = 16
	}
	return f
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)
