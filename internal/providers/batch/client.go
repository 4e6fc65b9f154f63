package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"earshot/internal/domain"
	"earshot/internal/logging"
	"earshot/internal/ports"
)

// Config controls the remote blob transcription service.
type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	PromptHint string
}

// Backend implements ports.TranscriptionBackend for a segment-oriented
// remote service: audio is buffered locally and shipped as one WAV blob
// when the segment closes, yielding exactly one final or error event.
type Backend struct {
	cfg    Config
	client *http.Client
}

func NewBackend(cfg Config) *Backend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Backend{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendBatchRemote }

func (b *Backend) Start(ctx context.Context, seg ports.SegmentContext) (ports.BackendSession, error) {
	if strings.TrimSpace(b.cfg.URL) == "" {
		return nil, &domain.UnavailableError{Kind: domain.BackendBatchRemote, Detail: "batch url is not configured"}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	return &batchSession{
		backend: b,
		seg:     seg,
		ctx:     sessionCtx,
		cancel:  cancel,
		events:  make(chan domain.TranscriptEvent, 1),
		done:    make(chan struct{}),
	}, nil
}

type batchSession struct {
	backend *Backend
	seg     ports.SegmentContext
	ctx     context.Context
	cancel  context.CancelFunc

	events chan domain.TranscriptEvent
	done   chan struct{}

	mu     sync.Mutex
	pcm    []byte
	closed bool

	sendOnce sync.Once
	err      error
}

func (s *batchSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("audio buffer is already closed")
	}
	s.pcm = append(s.pcm, chunk...)
	return nil
}

// CloseSend seals the buffer and dispatches the transcription request. The
// single final or error event arrives asynchronously.
func (s *batchSession) CloseSend() error {
	s.sendOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pcm := s.pcm
		s.mu.Unlock()

		go s.transcribe(pcm)
	})
	return nil
}

func (s *batchSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *batchSession) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels any in-flight request; a response that arrives after
// cancellation is discarded.
func (s *batchSession) Close() error {
	s.cancel()
	_ = s.CloseSend()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *batchSession) transcribe(pcm []byte) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	if s.ctx.Err() != nil {
		return
	}

	text, err := s.backend.transcribeBlob(s.ctx, s.seg, pcm)
	if s.ctx.Err() != nil {
		// cancelled mid-flight: the result no longer has an owner
		logging.Debugw("batch result discarded after cancellation", "segment_id", s.seg.ID)
		return
	}
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return
	}

	s.events <- domain.TranscriptEvent{
		Kind:          domain.TranscriptKindFinal,
		Text:          text,
		IsSpeechFinal: true,
	}
}

func (b *Backend) transcribeBlob(ctx context.Context, seg ports.SegmentContext, pcm []byte) (string, error) {
	sampleRate := seg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := seg.Channels
	if channels <= 0 {
		channels = 1
	}

	blob, err := encodeWAV(pcm, sampleRate, channels)
	if err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeEncoderInit, Detail: err.Error()}
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", "segment.wav")
	if err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendMalformed, Detail: err.Error()}
	}
	if _, err := part.Write(blob); err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendMalformed, Detail: err.Error()}
	}
	if seg.LanguageHint != "" {
		_ = form.WriteField("language", seg.LanguageHint)
	}
	if hint := firstNonEmpty(seg.PromptHint, b.cfg.PromptHint); hint != "" {
		_ = form.WriteField("prompt", hint)
	}
	if err := form.Close(); err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendMalformed, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body.Bytes()))
	if err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendNetwork, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Segment-ID", seg.ID)
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	logging.Debugw("posting segment blob",
		"segment_id", seg.ID,
		"bytes", len(blob),
		"sample_rate", sampleRate,
	)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendNetwork, Detail: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendNetwork, Detail: err.Error()}
	}

	if resp.StatusCode >= 300 {
		detail := fmt.Sprintf("service returned %d", resp.StatusCode)
		var remote struct {
			ErrorCode string `json:"errorCode"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(payload, &remote) == nil && remote.Message != "" {
			detail = fmt.Sprintf("%s: %s", detail, remote.Message)
		}
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendRejected, Detail: detail}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", &domain.BackendError{Code: domain.ErrorCodeBackendMalformed, Detail: err.Error()}
	}
	return strings.TrimSpace(result.Text), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
