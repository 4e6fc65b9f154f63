package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"earshot/internal/domain"
)

// Config holds all runtime configuration.
type Config struct {
	Mode     string         `yaml:"mode"`
	Backend  string         `yaml:"backend"`
	Language string         `yaml:"language"`
	LogLevel string         `yaml:"log_level"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Timers   TimerConfig    `yaml:"timers"`
	Stream   StreamConfig   `yaml:"streaming"`
	Batch    BatchConfig    `yaml:"batch"`
	Rewrite  RewriteConfig  `yaml:"rewrite"`
}

// AudioConfig holds microphone capture settings.
type AudioConfig struct {
	Capture       string `yaml:"capture"` // "ffmpeg" or "malgo"
	FFmpegCommand string `yaml:"ffmpeg_command"`
	InputFormat   string `yaml:"input_format"`
	InputDevice   string `yaml:"input_device"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	ChunkSize     int    `yaml:"chunk_size"`
}

// VADConfig holds energy detection and trigger-word settings.
type VADConfig struct {
	Threshold     float64  `yaml:"threshold"`
	Smoothing     float64  `yaml:"smoothing"`
	TriggerTokens []string `yaml:"trigger_tokens"`
}

// TimerConfig holds every segment-boundary threshold, in milliseconds.
// None of these are hardcoded anywhere else.
type TimerConfig struct {
	MaxContinuousMs   int `yaml:"max_continuous_ms"`
	MaxCommandMs      int `yaml:"max_command_ms"`
	MaxPushToTalkMs   int `yaml:"max_push_to_talk_ms"`
	SilenceCommitMs   int `yaml:"silence_commit_ms"`
	NoSpeechTimeoutMs int `yaml:"no_speech_timeout_ms"`
	AutoSendDelayMs   int `yaml:"auto_send_delay_ms"`
	StreamDrainMs     int `yaml:"stream_drain_ms"`
}

// StreamConfig holds the streaming recognizer endpoint settings.
type StreamConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	InterimResults bool   `yaml:"interim_results"`
	FlushGraceMs   int    `yaml:"flush_grace_ms"`
}

// BatchConfig holds the remote blob transcription service settings.
type BatchConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	PromptHint     string `yaml:"prompt_hint"`
	MinSegmentMs   int    `yaml:"min_segment_ms"`
	MinSegmentSize int    `yaml:"min_segment_bytes"`
}

// RewriteConfig holds transcript substitution settings.
type RewriteConfig struct {
	RulesPath      string `yaml:"rules_path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "earshot", "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Mode:     string(domain.ModePushToTalk),
		Backend:  string(domain.BackendStreaming),
		Language: "",
		LogLevel: "info",
		Audio: AudioConfig{
			Capture:       "ffmpeg",
			FFmpegCommand: "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
			SampleRate:    16000,
			Channels:      1,
			ChunkSize:     4096,
		},
		VAD: VADConfig{
			Threshold:     0.035,
			Smoothing:     0.35,
			TriggerTokens: []string{"v", "vee"},
		},
		Timers: TimerConfig{
			MaxContinuousMs:   30000,
			MaxCommandMs:      60000,
			MaxPushToTalkMs:   120000,
			SilenceCommitMs:   3000,
			NoSpeechTimeoutMs: 7000,
			AutoSendDelayMs:   1000,
			StreamDrainMs:     8000,
		},
		Stream: StreamConfig{
			InterimResults: true,
			FlushGraceMs:   300,
		},
		Batch: BatchConfig{
			TimeoutMs:      30000,
			MinSegmentMs:   750,
			MinSegmentSize: 8192,
		},
		Rewrite: RewriteConfig{
			IterationLimit: 30,
		},
	}
}

// Load reads the YAML config at path (if any), layers environment overrides
// on top, and validates the result. An empty path means defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)
	cfg.Rewrite.RulesPath = expandTilde(cfg.Rewrite.RulesPath)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Mode = envOrDefault("EARSHOT_MODE", cfg.Mode)
	cfg.Backend = envOrDefault("EARSHOT_BACKEND", cfg.Backend)
	cfg.Language = envOrDefault("EARSHOT_LANGUAGE", cfg.Language)
	cfg.LogLevel = envOrDefault("EARSHOT_LOG_LEVEL", cfg.LogLevel)

	cfg.Audio.Capture = envOrDefault("EARSHOT_AUDIO_CAPTURE", cfg.Audio.Capture)
	cfg.Audio.FFmpegCommand = envOrDefault("EARSHOT_FFMPEG_COMMAND", cfg.Audio.FFmpegCommand)
	cfg.Audio.InputFormat = envOrDefault("EARSHOT_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("EARSHOT_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("EARSHOT_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("EARSHOT_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkSize = envOrDefaultInt("EARSHOT_AUDIO_CHUNK_SIZE", cfg.Audio.ChunkSize)

	cfg.Stream.URL = envOrDefault("EARSHOT_STREAM_URL", cfg.Stream.URL)
	cfg.Stream.APIKey = envOrDefault("EARSHOT_STREAM_API_KEY", cfg.Stream.APIKey)
	cfg.Stream.Model = envOrDefault("EARSHOT_STREAM_MODEL", cfg.Stream.Model)

	cfg.Batch.URL = envOrDefault("EARSHOT_BATCH_URL", cfg.Batch.URL)
	cfg.Batch.APIKey = envOrDefault("EARSHOT_BATCH_API_KEY", cfg.Batch.APIKey)

	cfg.Rewrite.RulesPath = envOrDefault("EARSHOT_RULES_FILE", cfg.Rewrite.RulesPath)
}

// Validate checks the config for invalid values.
func (c Config) Validate() error {
	switch domain.CaptureMode(c.Mode) {
	case domain.ModePushToTalk, domain.ModeContinuous, domain.ModeVoiceActivated:
	default:
		return fmt.Errorf("mode must be one of push_to_talk, continuous, voice_activated; got %q", c.Mode)
	}

	switch domain.BackendKind(c.Backend) {
	case domain.BackendStreaming, domain.BackendBatchRemote:
	default:
		return fmt.Errorf("backend must be streaming or batch_remote, got %q", c.Backend)
	}

	switch c.Audio.Capture {
	case "ffmpeg", "malgo":
	default:
		return fmt.Errorf("audio.capture must be ffmpeg or malgo, got %q", c.Audio.Capture)
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}

	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		return fmt.Errorf("vad.threshold must be in (0,1), got %v", c.VAD.Threshold)
	}
	if c.VAD.Smoothing < 0 || c.VAD.Smoothing >= 1 {
		return fmt.Errorf("vad.smoothing must be in [0,1), got %v", c.VAD.Smoothing)
	}
	if domain.CaptureMode(c.Mode) == domain.ModeVoiceActivated && len(c.VAD.TriggerTokens) == 0 {
		return fmt.Errorf("vad.trigger_tokens must not be empty in voice_activated mode")
	}

	for name, ms := range map[string]int{
		"timers.max_continuous_ms":     c.Timers.MaxContinuousMs,
		"timers.max_command_ms":        c.Timers.MaxCommandMs,
		"timers.max_push_to_talk_ms":   c.Timers.MaxPushToTalkMs,
		"timers.silence_commit_ms":     c.Timers.SilenceCommitMs,
		"timers.no_speech_timeout_ms":  c.Timers.NoSpeechTimeoutMs,
		"timers.auto_send_delay_ms":    c.Timers.AutoSendDelayMs,
		"timers.stream_drain_ms":       c.Timers.StreamDrainMs,
	} {
		if ms <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// MaxDuration returns the hard segment ceiling for a capture mode.
func (t TimerConfig) MaxDuration(mode domain.CaptureMode) time.Duration {
	switch mode {
	case domain.ModeContinuous:
		return time.Duration(t.MaxContinuousMs) * time.Millisecond
	case domain.ModeVoiceActivated:
		return time.Duration(t.MaxCommandMs) * time.Millisecond
	default:
		return time.Duration(t.MaxPushToTalkMs) * time.Millisecond
	}
}

// SilenceCommit is the pause-to-commit span after detected speech.
func (t TimerConfig) SilenceCommit() time.Duration {
	return time.Duration(t.SilenceCommitMs) * time.Millisecond
}

// NoSpeechTimeout is the abandon span for command capture with no speech.
func (t TimerConfig) NoSpeechTimeout() time.Duration {
	return time.Duration(t.NoSpeechTimeoutMs) * time.Millisecond
}

// AutoSendDelay is the countdown before accumulated text is committed.
func (t TimerConfig) AutoSendDelay() time.Duration {
	return time.Duration(t.AutoSendDelayMs) * time.Millisecond
}

// StreamDrain caps the wait for a closed segment's remaining results.
func (t TimerConfig) StreamDrain() time.Duration {
	return time.Duration(t.StreamDrainMs) * time.Millisecond
}

// FlushGrace is the pause before CloseSend that lets trailing audio reach
// a streaming recognizer.
func (s StreamConfig) FlushGrace() time.Duration {
	return time.Duration(s.FlushGraceMs) * time.Millisecond
}

// Timeout returns the batch request timeout.
func (b BatchConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// MinSegment returns the minimum forwardable segment duration.
func (b BatchConfig) MinSegment() time.Duration {
	return time.Duration(b.MinSegmentMs) * time.Millisecond
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
