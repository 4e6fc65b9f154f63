package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"earshot/internal/domain"
	"earshot/internal/ports"
)

func testSegment() ports.SegmentContext {
	return ports.SegmentContext{
		ID:           "seg-1",
		Mode:         domain.ModeContinuous,
		StartedAt:    time.Now(),
		SampleRate:   16000,
		Channels:     1,
		LanguageHint: "en",
	}
}

// loudPCM returns an s16le chunk with nonzero energy.
func loudPCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		pcm[i*2] = 0x00
		pcm[i*2+1] = 0x40 // 16384
	}
	return pcm
}

func TestBatchSessionDeliversSingleFinal(t *testing.T) {
	t.Parallel()

	var gotSegmentID string
	var gotAuth string
	var gotLanguage string
	var gotFileHeader []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSegmentID = r.Header.Get("X-Segment-ID")
		gotAuth = r.Header.Get("Authorization")

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parsing multipart form: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		gotLanguage = r.FormValue("language")

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFileHeader = make([]byte, 4)
		_, _ = io.ReadFull(file, gotFileHeader)

		_ = json.NewEncoder(w).Encode(map[string]string{"text": "  hello world  "})
	}))
	defer server.Close()

	backend := NewBackend(Config{URL: server.URL, APIKey: "k3y"})
	session, err := backend.Start(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := session.SendAudio(loudPCM(1600)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := session.CloseSend(); err != nil {
		t.Fatalf("close send failed: %v", err)
	}

	event, ok := <-session.Events()
	if !ok {
		t.Fatalf("events channel closed without a final")
	}
	if event.Kind != domain.TranscriptKindFinal || event.Text != "hello world" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.IsSpeechFinal {
		t.Fatalf("batch final must be speech-final")
	}
	if _, ok := <-session.Events(); ok {
		t.Fatalf("expected exactly one event")
	}

	if err := session.Wait(); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if gotSegmentID != "seg-1" {
		t.Fatalf("segment id header: %q", gotSegmentID)
	}
	if gotAuth != "Bearer k3y" {
		t.Fatalf("authorization header: %q", gotAuth)
	}
	if gotLanguage != "en" {
		t.Fatalf("language field: %q", gotLanguage)
	}
	if !bytes.Equal(gotFileHeader, []byte("RIFF")) {
		t.Fatalf("uploaded blob is not a wav container: %q", gotFileHeader)
	}
}

func TestBatchSessionRejectionMapsToBackendError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"errorCode": "unsupported_audio",
			"message":   "cannot decode blob",
		})
	}))
	defer server.Close()

	backend := NewBackend(Config{URL: server.URL})
	session, err := backend.Start(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = session.SendAudio(loudPCM(160))
	_ = session.CloseSend()

	if _, ok := <-session.Events(); ok {
		t.Fatalf("rejected request must not yield a transcript event")
	}

	err = session.Wait()
	var berr *domain.BackendError
	if !errors.As(err, &berr) || berr.Code != domain.ErrorCodeBackendRejected {
		t.Fatalf("expected rejected backend error, got %v", err)
	}
}

func TestBatchSessionMalformedResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	backend := NewBackend(Config{URL: server.URL})
	session, err := backend.Start(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = session.SendAudio(loudPCM(160))
	_ = session.CloseSend()

	err = session.Wait()
	var berr *domain.BackendError
	if !errors.As(err, &berr) || berr.Code != domain.ErrorCodeBackendMalformed {
		t.Fatalf("expected malformed backend error, got %v", err)
	}
}

func TestBatchSessionNetworkFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections

	backend := NewBackend(Config{URL: server.URL})
	session, err := backend.Start(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = session.SendAudio(loudPCM(160))
	_ = session.CloseSend()

	err = session.Wait()
	var berr *domain.BackendError
	if !errors.As(err, &berr) || berr.Code != domain.ErrorCodeBackendNetwork {
		t.Fatalf("expected network backend error, got %v", err)
	}
}

func TestBatchSessionCloseBeforeSendSkipsRequest(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "never used"})
	}))
	defer server.Close()

	backend := NewBackend(Config{URL: server.URL})
	session, err := backend.Start(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = session.SendAudio(loudPCM(160))
	_ = session.Close()

	if _, ok := <-session.Events(); ok {
		t.Fatalf("discarded segment must not yield events")
	}
	if requests.Load() != 0 {
		t.Fatalf("discarded segment reached the network: %d requests", requests.Load())
	}
}

func TestBatchSessionRejectsAudioAfterCloseSend(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "done"})
	}))
	defer server.Close()

	backend := NewBackend(Config{URL: server.URL})
	session, err := backend.Start(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = session.SendAudio(loudPCM(160))
	_ = session.CloseSend()

	if err := session.SendAudio(loudPCM(160)); err == nil {
		t.Fatalf("expected error writing to a sealed buffer")
	}
	_ = session.Wait()
}

func TestStartWithoutURLFailsFast(t *testing.T) {
	t.Parallel()

	backend := NewBackend(Config{})
	_, err := backend.Start(context.Background(), testSegment())

	var uerr *domain.UnavailableError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
