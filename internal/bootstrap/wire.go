package bootstrap

import (
	"context"
	"fmt"
	"time"

	"earshot/internal/audio"
	"earshot/internal/backend"
	"earshot/internal/config"
	"earshot/internal/domain"
	"earshot/internal/ports"
	"earshot/internal/providers/batch"
	"earshot/internal/providers/stream"
	"earshot/internal/transcript"
	"earshot/internal/usecase"
	"earshot/internal/vad"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.Controller
	Config     config.Config
}

// Build wires the full capture pipeline from configuration: capture source,
// microphone manager, voice activity detector, transcription backend behind
// the adapter, rewriter, and the mode controller on top.
func Build(ctx context.Context, cfg config.Config, events ports.EventSink) (Services, error) {
	capture, err := captureFor(cfg.Audio)
	if err != nil {
		return Services{}, err
	}

	audioCfg := ports.AudioConfig{
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
	}

	manager := audio.NewManager(capture, audioCfg, events.PermissionChanged)

	transcriber, gate := backendFor(cfg)
	adapter, err := backend.New(ctx, transcriber, gate)
	if err != nil {
		return Services{}, err
	}

	rewriter, err := transcript.NewRewriter(cfg.Rewrite.RulesPath, cfg.Rewrite.IterationLimit)
	if err != nil {
		return Services{}, fmt.Errorf("loading rewrite rules: %w", err)
	}

	detector := vad.NewDetector(vad.Config{
		Threshold: cfg.VAD.Threshold,
		Smoothing: cfg.VAD.Smoothing,
	})
	trigger := vad.NewTriggerMatcher(cfg.VAD.TriggerTokens)

	// Streamed segments get a short grace window so trailing audio reaches
	// the recognizer before the flush.
	var grace time.Duration
	if adapter.Kind() == domain.BackendStreaming {
		grace = cfg.Stream.FlushGrace()
	}

	// A batch POST may legitimately run up to its configured timeout, so
	// the drain cap never cuts it short.
	drain := cfg.Timers.StreamDrain()
	if adapter.Kind() == domain.BackendBatchRemote {
		if floor := cfg.Batch.Timeout() + time.Second; drain < floor {
			drain = floor
		}
	}

	controller := usecase.NewController(
		manager,
		adapter,
		detector,
		trigger,
		rewriter,
		events,
		usecase.Config{
			Audio:          audioCfg,
			Language:       cfg.Language,
			PromptHint:     cfg.Batch.PromptHint,
			ChunkSize:      cfg.Audio.ChunkSize,
			StreamingGrace: grace,
			Timers: usecase.TimerPolicy{
				MaxContinuous:   cfg.Timers.MaxDuration(domain.ModeContinuous),
				MaxCommand:      cfg.Timers.MaxDuration(domain.ModeVoiceActivated),
				MaxPushToTalk:   cfg.Timers.MaxDuration(domain.ModePushToTalk),
				SilenceCommit:   cfg.Timers.SilenceCommit(),
				NoSpeechTimeout: cfg.Timers.NoSpeechTimeout(),
				AutoSendDelay:   cfg.Timers.AutoSendDelay(),
				StreamDrain:     drain,
			},
		},
	)

	return Services{Controller: controller, Config: cfg}, nil
}

func captureFor(cfg config.AudioConfig) (ports.AudioCapture, error) {
	switch cfg.Capture {
	case "malgo":
		return audio.NewMalgoCapture(), nil
	case "ffmpeg", "":
		return audio.NewFFmpegCapture(cfg.FFmpegCommand), nil
	default:
		return nil, fmt.Errorf("unknown audio capture %q", cfg.Capture)
	}
}

func backendFor(cfg config.Config) (ports.TranscriptionBackend, backend.Gate) {
	if domain.BackendKind(cfg.Backend) == domain.BackendBatchRemote {
		b := batch.NewBackend(batch.Config{
			URL:        cfg.Batch.URL,
			APIKey:     cfg.Batch.APIKey,
			Timeout:    cfg.Batch.Timeout(),
			PromptHint: cfg.Batch.PromptHint,
		})
		gate := backend.Gate{
			MinDuration: cfg.Batch.MinSegment(),
			MinBytes:    cfg.Batch.MinSegmentSize,
		}
		return b, gate
	}

	return stream.NewBackend(stream.Config{
		URL:            cfg.Stream.URL,
		APIKey:         cfg.Stream.APIKey,
		Model:          cfg.Stream.Model,
		InterimResults: cfg.Stream.InterimResults,
	}), backend.Gate{}
}
