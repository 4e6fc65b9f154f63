package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

// Config controls the streaming recognizer connection.
type Config struct {
	// URL is the recognizer endpoint, http(s) or ws(s); http schemes are
	// rewritten to their websocket equivalents.
	URL            string
	APIKey         string
	Model          string
	InterimResults bool
}

// Backend implements ports.TranscriptionBackend for a streaming recognizer
// reached over a websocket. Partial and final fragments arrive while audio
// is still being sent; CloseSend flushes and the server closes after the
// last final.
type Backend struct {
	cfg Config
}

func NewBackend(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendStreaming }

// Probe verifies the recognizer is reachable before any capture starts.
// It fails fast with a typed unavailable error instead of degrading later.
func (b *Backend) Probe(ctx context.Context) error {
	healthURL, err := healthEndpoint(b.cfg.URL)
	if err != nil {
		return &domain.UnavailableError{Kind: domain.BackendStreaming, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return &domain.UnavailableError{Kind: domain.BackendStreaming, Detail: err.Error()}
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Token "+b.cfg.APIKey)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return &domain.UnavailableError{Kind: domain.BackendStreaming, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &domain.UnavailableError{
			Kind:   domain.BackendStreaming,
			Detail: fmt.Sprintf("health check returned %d", resp.StatusCode),
		}
	}
	return nil
}

func (b *Backend) Start(ctx context.Context, seg ports.SegmentContext) (ports.BackendSession, error) {
	if strings.TrimSpace(b.cfg.URL) == "" {
		return nil, &domain.UnavailableError{Kind: domain.BackendStreaming, Detail: "streaming url is not configured"}
	}

	wsURL, err := listenURL(b.cfg, seg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if b.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+b.cfg.APIKey)
	}
	headers.Set("X-Segment-ID", seg.ID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("connecting to streaming recognizer: %w", err)
	}

	session := &wsSession{
		conn:   conn,
		events: make(chan domain.TranscriptEvent, 64),
		audio:  make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = session.Close()
	}()

	return session, nil
}

type wsSession struct {
	conn *websocket.Conn

	events chan domain.TranscriptEvent
	audio  chan []byte
	done   chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *wsSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	closed := s.sendClosed
	s.sendMu.RUnlock()
	if closed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

func (s *wsSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *wsSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *wsSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *wsSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsSession) writeLoop() {
	defer s.wg.Done()

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(&domain.BackendError{Code: domain.ErrorCodeBackendNetwork, Detail: fmt.Sprintf("sending audio: %v", err)})
			return
		}
	}

	// Flush marker: the recognizer emits its last final and then closes.
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flush"}`)); err != nil {
		s.setErr(&domain.BackendError{Code: domain.ErrorCodeBackendNetwork, Detail: fmt.Sprintf("closing stream: %v", err)})
	}
}

func (s *wsSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}

		var msg recognizerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.setErr(&domain.BackendError{Code: domain.ErrorCodeBackendMalformed, Detail: err.Error()})
			continue
		}

		if strings.EqualFold(msg.Type, "error") {
			detail := strings.TrimSpace(msg.Message)
			if detail == "" {
				detail = "recognizer returned an unknown error"
			}
			s.setErr(&domain.BackendError{Code: domain.ErrorCodeBackendRejected, Detail: detail})
			return
		}

		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}

		event := domain.TranscriptEvent{Text: text, IsSpeechFinal: msg.SpeechFinal}
		if msg.Final || msg.SpeechFinal {
			event.Kind = domain.TranscriptKindFinal
		} else {
			event.Kind = domain.TranscriptKindPartial
		}
		s.emit(event)
	}
}

// emit blocks until the consumer takes the event or the session ends. A
// slow consumer backpressures the read loop instead of losing finals.
func (s *wsSession) emit(event domain.TranscriptEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

// recognizerMessage is the wire shape emitted by the streaming recognizer.
type recognizerMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
	SpeechFinal bool   `json:"speech_final"`
}

func listenURL(cfg Config, seg ports.SegmentContext) (string, error) {
	base := strings.TrimSpace(cfg.URL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid streaming recognizer URL: %w", err)
	}

	query := u.Query()
	sampleRate := seg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := seg.Channels
	if channels <= 0 {
		channels = 1
	}
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("channels", strconv.Itoa(channels))
	query.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Model != "" {
		query.Set("model", cfg.Model)
	}
	if seg.LanguageHint != "" {
		query.Set("language", seg.LanguageHint)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func healthEndpoint(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if base == "" {
		return "", errors.New("streaming url is not configured")
	}
	if strings.HasPrefix(base, "wss://") {
		base = "https://" + strings.TrimPrefix(base, "wss://")
	} else if strings.HasPrefix(base, "ws://") {
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	return strings.TrimRight(base, "/") + "/health", nil
}
