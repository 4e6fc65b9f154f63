package backend

import (
	"context"
	"time"

	"earshot/internal/domain"
	"earshot/internal/logging"
	"earshot/internal/ports"
)

// Prober is implemented by backends that can verify their capability up
// front. Probing happens once, at adapter construction; a backend that
// fails the probe is never silently degraded around.
type Prober interface {
	Probe(ctx context.Context) error
}

// Gate is the minimum-content policy for forwarding closed segments to a
// batch backend. Segments of pure silence, or too short or small to be
// anything but encoder artifacts, are discarded without a network call.
type Gate struct {
	MinDuration time.Duration
	MinBytes    int
}

// Adapter fronts the selected transcription backend behind the uniform
// three-event contract. The scheduler and transcript buffer never learn
// which delivery model is active.
type Adapter struct {
	backend ports.TranscriptionBackend
	gate    Gate
}

// New wraps the backend, running its capability probe if it has one.
func New(ctx context.Context, b ports.TranscriptionBackend, gate Gate) (*Adapter, error) {
	if prober, ok := b.(Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			return nil, err
		}
	}
	return &Adapter{backend: b, gate: gate}, nil
}

func (a *Adapter) Kind() domain.BackendKind {
	return a.backend.Kind()
}

func (a *Adapter) Start(ctx context.Context, seg ports.SegmentContext) (ports.BackendSession, error) {
	return a.backend.Start(ctx, seg)
}

// ShouldForward decides whether a closed segment is worth transcribing.
// Streaming backends self-report end of speech, so everything forwards;
// batch segments must have contained speech and cleared both minimums.
func (a *Adapter) ShouldForward(speechSeen bool, duration time.Duration, byteCount int) bool {
	if a.backend.Kind() != domain.BackendBatchRemote {
		return true
	}
	if !speechSeen {
		logging.Debugw("segment discarded: no speech detected")
		return false
	}
	if duration < a.gate.MinDuration {
		logging.Debugw("segment discarded: below minimum duration",
			"duration_ms", duration.Milliseconds(),
			"min_ms", a.gate.MinDuration.Milliseconds(),
		)
		return false
	}
	if byteCount < a.gate.MinBytes {
		logging.Debugw("segment discarded: below minimum size",
			"bytes", byteCount,
			"min_bytes", a.gate.MinBytes,
		)
		return false
	}
	return true
}
