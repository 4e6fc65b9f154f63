package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"earshot/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.Mode != string(domain.ModePushToTalk) {
		t.Fatalf("unexpected default mode: %q", cfg.Mode)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Fatalf("unexpected default audio format: %+v", cfg.Audio)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
mode: continuous
backend: batch_remote
audio:
  capture: malgo
  sample_rate: 48000
timers:
  silence_commit_ms: 1500
batch:
  url: https://stt.example.com/transcribe
  api_key: secret
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("EARSHOT_MODE", "")
	t.Setenv("EARSHOT_BACKEND", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Mode != "continuous" || cfg.Backend != "batch_remote" {
		t.Fatalf("file values not applied: mode=%q backend=%q", cfg.Mode, cfg.Backend)
	}
	if cfg.Audio.Capture != "malgo" || cfg.Audio.SampleRate != 48000 {
		t.Fatalf("audio overrides not applied: %+v", cfg.Audio)
	}
	if cfg.Timers.SilenceCommit() != 1500*time.Millisecond {
		t.Fatalf("unexpected silence commit: %v", cfg.Timers.SilenceCommit())
	}
	// untouched keys keep defaults
	if cfg.Audio.Channels != 1 {
		t.Fatalf("default channels lost: %d", cfg.Audio.Channels)
	}
	if cfg.Batch.MinSegmentMs != 750 {
		t.Fatalf("default batch minimum lost: %d", cfg.Batch.MinSegmentMs)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mode: continuous\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("EARSHOT_MODE", "voice_activated")
	t.Setenv("EARSHOT_STREAM_API_KEY", "env-key")
	t.Setenv("EARSHOT_SAMPLE_RATE", "8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Mode != "voice_activated" {
		t.Fatalf("env did not override file mode: %q", cfg.Mode)
	}
	if cfg.Stream.APIKey != "env-key" {
		t.Fatalf("env api key not applied: %q", cfg.Stream.APIKey)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Fatalf("env sample rate not applied: %d", cfg.Audio.SampleRate)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "sometimes" }},
		{"bad backend", func(c *Config) { c.Backend = "carrier_pigeon" }},
		{"bad capture", func(c *Config) { c.Audio.Capture = "tape" }},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"zero channels", func(c *Config) { c.Audio.Channels = 0 }},
		{"threshold too high", func(c *Config) { c.VAD.Threshold = 1.5 }},
		{"negative smoothing", func(c *Config) { c.VAD.Smoothing = -0.1 }},
		{"zero silence timer", func(c *Config) { c.Timers.SilenceCommitMs = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"no trigger tokens in voice mode", func(c *Config) {
			c.Mode = string(domain.ModeVoiceActivated)
			c.VAD.TriggerTokens = nil
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTimerHelpers(t *testing.T) {
	t.Parallel()

	timers := Default().Timers
	if got := timers.MaxDuration(domain.ModeContinuous); got != 30*time.Second {
		t.Fatalf("continuous ceiling: %v", got)
	}
	if got := timers.MaxDuration(domain.ModeVoiceActivated); got != 60*time.Second {
		t.Fatalf("command ceiling: %v", got)
	}
	if got := timers.MaxDuration(domain.ModePushToTalk); got != 120*time.Second {
		t.Fatalf("push-to-talk ceiling: %v", got)
	}
	if got := timers.NoSpeechTimeout(); got != 7*time.Second {
		t.Fatalf("no-speech timeout: %v", got)
	}
	if got := timers.AutoSendDelay(); got != time.Second {
		t.Fatalf("auto-send delay: %v", got)
	}
	if got := timers.StreamDrain(); got != 8*time.Second {
		t.Fatalf("stream drain cap: %v", got)
	}
	if got := Default().Stream.FlushGrace(); got != 300*time.Millisecond {
		t.Fatalf("flush grace: %v", got)
	}
}
