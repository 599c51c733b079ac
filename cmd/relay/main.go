// relay: real-time voice relay server
// Accepts audio chunks over WebSocket, cuts utterances on silence and answers
// each one with a transcription, a text reply and synthesized speech.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/voice-relay/internal/config"
	"github.com/teslashibe/voice-relay/internal/httpc"
	"github.com/teslashibe/voice-relay/internal/log"
	"github.com/teslashibe/voice-relay/pkg/artifact"
	"github.com/teslashibe/voice-relay/pkg/metrics"
	"github.com/teslashibe/voice-relay/pkg/relay"
	"github.com/teslashibe/voice-relay/pkg/segment"
	"github.com/teslashibe/voice-relay/pkg/stt"
	"github.com/teslashibe/voice-relay/pkg/tts"
	"github.com/teslashibe/voice-relay/pkg/web"
)

var (
	version    = "1.0.0"
	configFile = flag.String("config", os.Getenv("RELAY_CONFIG"), "YAML config file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging and request logs")
)

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Format)
	web.Version = version

	if err := run(cfg); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := log.L()
	m := metrics.New()

	store, err := artifact.NewFileStore(cfg.Artifacts.Dir, cfg.Server.BackendURL)
	if err != nil {
		return err
	}
	scheduler := artifact.NewScheduler(store, logger)
	scheduler.OnError = func(artifact.Ref, error) { m.RecordCleanupFailure() }

	// One pooled client for both speech endpoints.
	upstream := httpc.NewClient(cfg.OpenAI.Timeout)

	transcriber, err := stt.NewOpenAI(
		stt.WithAPIKey(cfg.OpenAI.APIKey),
		stt.WithBaseURL(cfg.OpenAI.BaseURL),
		stt.WithModel(cfg.OpenAI.TranscriptionModel),
		stt.WithHTTPClient(upstream),
		stt.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("transcriber: %w", err)
	}

	synthesizer, err := tts.NewOpenAI(
		tts.WithAPIKey(cfg.OpenAI.APIKey),
		tts.WithBaseURL(cfg.OpenAI.BaseURL),
		tts.WithModel(cfg.OpenAI.SpeechModel),
		tts.WithVoice(cfg.OpenAI.Voice),
		tts.WithOutputFormat(tts.Encoding(cfg.OpenAI.SpeechFormat)),
		tts.WithHTTPClient(upstream),
		tts.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("synthesizer: %w", err)
	}
	defer synthesizer.Close()

	procCfg := relay.DefaultProcessorConfig()
	procCfg.SampleRate = cfg.Segmenter.SampleRate
	procCfg.Transcription = stt.Request{
		Model:    cfg.OpenAI.TranscriptionModel,
		Language: cfg.OpenAI.Language,
		Filename: stt.DefaultFilename,
	}
	procCfg.RetainFor = cfg.Artifacts.Retention

	proc, err := relay.NewProcessor(procCfg, relay.ProcessorDeps{
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Store:       store,
		Scheduler:   scheduler,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	hub, err := relay.NewHub(relay.HubConfig{
		Processor: proc,
		SegmenterOptions: []segment.Option{
			segment.WithThreshold(cfg.Segmenter.Threshold),
			segment.WithSilenceDuration(cfg.Segmenter.SilenceDuration),
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	srv := web.NewServer(web.Config{
		FrontendURL: cfg.Server.FrontendURL,
		AudioDir:    store.Dir(),
		Debug:       cfg.Log.Level == "debug",
		Metrics:     m,
		Logger:      logger,
		Upstreams: map[string]web.HealthChecker{
			"transcription": transcriber,
			"speech":        synthesizer,
		},
	}, hub)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting relay",
			"version", version,
			"websocket", fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port),
			"audio", cfg.Server.BackendURL+"/temp/",
			"threshold", cfg.Segmenter.Threshold,
			"silence", cfg.Segmenter.SilenceDuration,
		)
		errCh <- srv.Listen(cfg.Server.Addr())
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		scheduler.Close()
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		logger.Warn("in-flight passes cancelled", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Remaining artifacts are removed now instead of after their grace period.
	start := time.Now()
	pending := scheduler.Pending()
	scheduler.Close()
	logger.Info("goodbye", "artifacts_flushed", pending, "took", time.Since(start))
	return nil
}
