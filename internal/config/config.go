// Package config loads relay configuration from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort               = 5000
	DefaultBackendURL         = "http://localhost:5000"
	DefaultFrontendURL        = "http://localhost:3000"
	DefaultTempDir            = "./temp"
	DefaultThreshold          = 0.01
	DefaultSilenceDuration    = 2 * time.Second
	DefaultSampleRate         = 44100
	DefaultLanguage           = "en"
	DefaultTranscriptionModel = "whisper-1"
	DefaultSpeechModel        = "tts-1"
	DefaultVoice              = "alloy"
	DefaultSpeechFormat       = "mp3"
	DefaultRetention          = 60 * time.Second
	DefaultUpstreamTimeout    = 60 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second
)

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	BackendURL      string        `yaml:"backend_url"`  // public origin used in audio URLs
	FrontendURL     string        `yaml:"frontend_url"` // allowed CORS origin
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

// SegmenterConfig covers silence detection and encoding.
type SegmenterConfig struct {
	Threshold       float64       `yaml:"threshold"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
	SampleRate      uint32        `yaml:"sample_rate"`
}

// OpenAIConfig covers the speech API collaborators.
type OpenAIConfig struct {
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	TranscriptionModel string        `yaml:"transcription_model"`
	Language           string        `yaml:"language"`
	SpeechModel        string        `yaml:"speech_model"`
	Voice              string        `yaml:"voice"`
	SpeechFormat       string        `yaml:"speech_format"`
	Timeout            time.Duration `yaml:"timeout"`
}

// ArtifactConfig covers the temp audio directory.
type ArtifactConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig covers the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json; empty follows GO_ENV
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			BackendURL:      DefaultBackendURL,
			FrontendURL:     DefaultFrontendURL,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Segmenter: SegmenterConfig{
			Threshold:       DefaultThreshold,
			SilenceDuration: DefaultSilenceDuration,
			SampleRate:      DefaultSampleRate,
		},
		OpenAI: OpenAIConfig{
			TranscriptionModel: DefaultTranscriptionModel,
			Language:           DefaultLanguage,
			SpeechModel:        DefaultSpeechModel,
			Voice:              DefaultVoice,
			SpeechFormat:       DefaultSpeechFormat,
			Timeout:            DefaultUpstreamTimeout,
		},
		Artifacts: ArtifactConfig{
			Dir:       DefaultTempDir,
			Retention: DefaultRetention,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadDotEnv loads the given env files, skipping missing ones. Variables
// already set in the process win. With no arguments .env.local and .env are
// tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load returns the defaults overlaid with the YAML file at path (if not
// empty) and then with the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys missing from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			c.Server.Port = port
		}
	}
	str("BACKEND_URL", &c.Server.BackendURL)
	str("FRONTEND_URL", &c.Server.FrontendURL)
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	if v, ok := lookup("SILENCE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SILENCE_THRESHOLD: %w", err))
		} else {
			c.Segmenter.Threshold = f
		}
	}
	dur("SILENCE_DURATION", &c.Segmenter.SilenceDuration)

	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("TRANSCRIPTION_LANGUAGE", &c.OpenAI.Language)
	str("TTS_VOICE", &c.OpenAI.Voice)
	dur("UPSTREAM_TIMEOUT", &c.OpenAI.Timeout)

	str("TEMP_DIR", &c.Artifacts.Dir)
	dur("ARTIFACT_TTL", &c.Artifacts.Retention)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("2s") and bare milliseconds ("2000").
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(section, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", section, fmt.Sprintf(format, args...)))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server", "port %d out of range", c.Server.Port)
	}
	if err := checkURL(c.Server.BackendURL); err != nil {
		add("server", "backend_url: %v", err)
	}
	if err := checkURL(c.Server.FrontendURL); err != nil {
		add("server", "frontend_url: %v", err)
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server", "shutdown_timeout must not be negative")
	}

	if c.Segmenter.Threshold < 0 {
		add("segmenter", "threshold must not be negative")
	}
	if c.Segmenter.SilenceDuration <= 0 {
		add("segmenter", "silence_duration must be positive")
	}
	if c.Segmenter.SampleRate == 0 {
		add("segmenter", "sample_rate must be positive")
	}

	if c.OpenAI.APIKey == "" {
		add("openai", "api_key is required (OPENAI_API_KEY)")
	}
	if c.OpenAI.BaseURL != "" {
		if err := checkURL(c.OpenAI.BaseURL); err != nil {
			add("openai", "base_url: %v", err)
		}
	}
	if c.OpenAI.TranscriptionModel == "" || c.OpenAI.SpeechModel == "" || c.OpenAI.Voice == "" {
		add("openai", "transcription_model, speech_model and voice must be set")
	}
	if c.OpenAI.Timeout <= 0 {
		add("openai", "timeout must be positive")
	}

	if c.Artifacts.Dir == "" {
		add("artifacts", "dir is required")
	}
	if c.Artifacts.Retention < 0 {
		add("artifacts", "retention must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log", "format %q must be text or json", c.Log.Format)
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
