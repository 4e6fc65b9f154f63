package ports

import (
	"context"
	"io"
	"time"

	"earshot/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session delivering s16le PCM.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// SegmentContext carries per-segment metadata into a backend session.
type SegmentContext struct {
	ID           string
	Mode         domain.CaptureMode
	StartedAt    time.Time
	SampleRate   int
	Channels     int
	LanguageHint string
	PromptHint   string
}

// BackendSession is one active transcription exchange. Streaming backends
// deliver events while audio is still being sent; batch backends buffer
// audio until CloseSend and then yield exactly one final or error event.
type BackendSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionBackend starts backend sessions for utterance segments.
type TranscriptionBackend interface {
	Kind() domain.BackendKind
	Start(ctx context.Context, seg SegmentContext) (BackendSession, error)
}

// EventSink delivers capture output and state to the downstream consumer.
type EventSink interface {
	CaptureStateChanged(state domain.CaptureState, reason domain.StateReason)
	PartialTranscript(text string)
	TranscriptCommitted(event domain.CommitEvent)
	CaptureError(code domain.ErrorCode, detail string)
	PermissionChanged(state domain.PermissionState)
	ProcessingAudio(active bool)
}

// Rewriter transforms committed transcripts using deterministic rules.
type Rewriter interface {
	Apply(text string) (string, error)
}
