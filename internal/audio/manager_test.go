package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

type stubSession struct {
	mu        sync.Mutex
	chunks    [][]byte
	index     int
	stopCalls int
}

func (s *stubSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.chunks) {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[s.index])
	s.index++
	return n, nil
}

func (s *stubSession) Close() error { return s.Stop() }

func (s *stubSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	return nil
}

func (s *stubSession) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

type stubCapture struct {
	sessions []ports.AudioSession
	err      error
	calls    int
}

func (c *stubCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.calls >= len(c.sessions) {
		return nil, errors.New("no session configured")
	}
	session := c.sessions[c.calls]
	c.calls++
	return session, nil
}

func TestManagerAcquireGrantsPermission(t *testing.T) {
	t.Parallel()

	var states []domain.PermissionState
	inner := &stubSession{}
	m := NewManager(&stubCapture{sessions: []ports.AudioSession{inner}}, ports.AudioConfig{}, func(state domain.PermissionState) {
		states = append(states, state)
	})

	session, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if session == nil {
		t.Fatalf("expected a session")
	}
	if m.Permission() != domain.PermissionGranted {
		t.Fatalf("unexpected permission: %s", m.Permission())
	}

	want := []domain.PermissionState{domain.PermissionRequesting, domain.PermissionGranted}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions: %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: got %s, want %s", i, states[i], want[i])
		}
	}
}

func TestManagerAcquireReleasesPriorSession(t *testing.T) {
	t.Parallel()

	first := &stubSession{}
	second := &stubSession{}
	m := NewManager(&stubCapture{sessions: []ports.AudioSession{first, second}}, ports.AudioConfig{}, nil)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	if first.stops() == 0 {
		t.Fatalf("prior session was not stopped")
	}
	if second.stops() != 0 {
		t.Fatalf("new session was stopped")
	}
}

func TestManagerReleaseIfOnlyClearsOwnSession(t *testing.T) {
	t.Parallel()

	first := &stubSession{}
	second := &stubSession{}
	m := NewManager(&stubCapture{sessions: []ports.AudioSession{first, second}}, ports.AudioConfig{}, nil)

	s1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	s2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	// Stale release must stop its own session without clearing the new one.
	m.ReleaseIf(s1)
	m.ReleaseIf(s2)

	if first.stops() < 2 || second.stops() != 1 {
		t.Fatalf("unexpected stop counts: first=%d second=%d", first.stops(), second.stops())
	}
}

func TestManagerDeniedErrorSetsPermission(t *testing.T) {
	t.Parallel()

	m := NewManager(&stubCapture{err: errors.New("pulse: access denied by policy")}, ports.AudioConfig{}, nil)

	_, err := m.Acquire(context.Background())
	var perr *domain.PermissionError
	if !errors.As(err, &perr) || perr.Kind != domain.PermissionErrDenied {
		t.Fatalf("expected denied permission error, got %v", err)
	}
	if m.Permission() != domain.PermissionDenied {
		t.Fatalf("unexpected permission: %s", m.Permission())
	}
}

func TestClassifyAcquireError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		detail string
		want   domain.PermissionErrorKind
	}{
		{"Permission denied", domain.PermissionErrDenied},
		{"operation not permitted", domain.PermissionErrDenied},
		{"device or resource busy", domain.PermissionErrBusy},
		{"input device already in use", domain.PermissionErrBusy},
		{"no such device", domain.PermissionErrUnavailable},
	}

	for _, tc := range cases {
		got := classifyAcquireError(errors.New(tc.detail))
		if got.Kind != tc.want {
			t.Fatalf("%q: got %s, want %s", tc.detail, got.Kind, tc.want)
		}
	}
}

func TestSessionLevelTracksRMS(t *testing.T) {
	t.Parallel()

	loud := make([]byte, 64)
	for i := 0; i < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(int16(16384)))
	}
	quiet := make([]byte, 64)

	inner := &stubSession{chunks: [][]byte{loud, quiet}}
	m := NewManager(&stubCapture{sessions: []ports.AudioSession{inner}}, ports.AudioConfig{}, nil)

	session, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	buf := make([]byte, 64)
	if _, err := session.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if level := session.Level(); math.Abs(level-0.5) > 0.01 {
		t.Fatalf("expected level near 0.5, got %v", level)
	}

	if _, err := session.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if level := session.Level(); level != 0 {
		t.Fatalf("expected silence level 0, got %v", level)
	}
}
