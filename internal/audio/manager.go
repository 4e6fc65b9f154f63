package audio

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"earshot/internal/domain"
	"earshot/internal/logging"
	"earshot/internal/ports"
)

// Manager owns microphone acquisition. At most one live session exists; a
// new Acquire releases any prior session first. It is the only component
// that transitions PermissionState, and it wraps every session with the
// level tap the voice activity detector reads from.
type Manager struct {
	capture ports.AudioCapture
	cfg     ports.AudioConfig

	onPermission func(domain.PermissionState)

	mu         sync.Mutex
	session    *Session
	permission domain.PermissionState
}

func NewManager(capture ports.AudioCapture, cfg ports.AudioConfig, onPermission func(domain.PermissionState)) *Manager {
	if onPermission == nil {
		onPermission = func(domain.PermissionState) {}
	}
	return &Manager{
		capture:      capture,
		cfg:          cfg,
		onPermission: onPermission,
		permission:   domain.PermissionUnknown,
	}
}

// Acquire obtains the microphone, releasing any session already held.
// Failures are classified into a domain.PermissionError so the caller can
// distinguish denied from busy from unavailable.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.Release()

	m.setPermission(domain.PermissionRequesting)

	raw, err := m.capture.Start(ctx, m.cfg)
	if err != nil {
		perr := classifyAcquireError(err)
		switch perr.Kind {
		case domain.PermissionErrDenied:
			m.setPermission(domain.PermissionDenied)
		default:
			m.setPermission(domain.PermissionFailed)
		}
		logging.Warnw("mic acquire failed", "kind", perr.Kind, "err", err)
		return nil, perr
	}

	session := &Session{inner: raw}
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	m.setPermission(domain.PermissionGranted)
	logging.Debugw("mic acquired",
		"sample_rate", m.cfg.SampleRate,
		"channels", m.cfg.Channels,
		"device", m.cfg.InputDevice,
	)
	return session, nil
}

// Release tears down the live session, if any.
func (m *Manager) Release() {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()

	if session != nil {
		_ = session.Stop()
		logging.Debugw("mic released")
	}
}

// ReleaseIf stops the given session, clearing the slot only when it is
// still the one held. This lets callers tear down a session they own
// without disturbing a newer one.
func (m *Manager) ReleaseIf(session *Session) {
	if session == nil {
		return
	}
	m.mu.Lock()
	if m.session == session {
		m.session = nil
	}
	m.mu.Unlock()
	_ = session.Stop()
	logging.Debugw("mic released")
}

// Permission returns the current permission state.
func (m *Manager) Permission() domain.PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

func (m *Manager) setPermission(state domain.PermissionState) {
	m.mu.Lock()
	changed := m.permission != state
	m.permission = state
	m.mu.Unlock()
	if changed {
		m.onPermission(state)
	}
}

// Session is a live capture session with an energy analysis tap. Reads pass
// through to the capture backend; each read chunk updates the RMS level.
type Session struct {
	inner ports.AudioSession
	level atomic.Uint64 // float64 bits
}

func (s *Session) Read(p []byte) (int, error) {
	n, err := s.inner.Read(p)
	if n > 0 {
		s.level.Store(math.Float64bits(rmsLevel(p[:n])))
	}
	return n, err
}

func (s *Session) Close() error { return s.inner.Close() }
func (s *Session) Stop() error  { return s.inner.Stop() }

// Level returns the RMS of the most recent chunk, normalized to [0,1].
func (s *Session) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// rmsLevel computes the root mean square of an s16le chunk, scaled to [0,1].
func rmsLevel(chunk []byte) float64 {
	samples := len(chunk) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(chunk); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(chunk[i : i+2]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

func classifyAcquireError(err error) *domain.PermissionError {
	detail := err.Error()
	lower := strings.ToLower(detail)

	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "operation not permitted"):
		return &domain.PermissionError{Kind: domain.PermissionErrDenied, Detail: detail}
	case strings.Contains(lower, "busy"),
		strings.Contains(lower, "in use"):
		return &domain.PermissionError{Kind: domain.PermissionErrBusy, Detail: detail}
	default:
		return &domain.PermissionError{Kind: domain.PermissionErrUnavailable, Detail: detail}
	}
}
