package vad

import (
	"testing"
	"time"
)

func TestDetectorEmitsBoundaryEvents(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Threshold: 0.1})
	base := time.Now()

	if ev := d.Sample(0.0, base); ev != nil {
		t.Fatalf("unexpected event on initial silence: %+v", ev)
	}

	ev := d.Sample(0.5, base.Add(10*time.Millisecond))
	if ev == nil || ev.Kind != EventSpeechStarted {
		t.Fatalf("expected speech_started, got %+v", ev)
	}
	if !d.Speaking() {
		t.Fatalf("expected speaking=true after loud sample")
	}

	if ev := d.Sample(0.6, base.Add(20*time.Millisecond)); ev != nil {
		t.Fatalf("unexpected event while still speaking: %+v", ev)
	}

	ev = d.Sample(0.0, base.Add(30*time.Millisecond))
	if ev == nil || ev.Kind != EventSpeechEnded {
		t.Fatalf("expected speech_ended, got %+v", ev)
	}
	if ev.Silence != 10*time.Millisecond {
		t.Fatalf("unexpected silence span: %v", ev.Silence)
	}
	if d.Speaking() {
		t.Fatalf("expected speaking=false after quiet sample")
	}
}

func TestDetectorSpeechEverIsSticky(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Threshold: 0.1})
	now := time.Now()

	if d.SpeechEver() {
		t.Fatalf("fresh detector should not report speech")
	}

	d.Sample(0.5, now)
	d.Sample(0.0, now.Add(time.Millisecond))
	d.Sample(0.0, now.Add(2*time.Millisecond))

	if !d.SpeechEver() {
		t.Fatalf("sticky flag lost after trailing silence")
	}

	d.Reset()
	if d.SpeechEver() {
		t.Fatalf("sticky flag survived reset")
	}
}

func TestDetectorSmoothingDampsSpikes(t *testing.T) {
	t.Parallel()

	// Heavy smoothing: one spike after sustained silence must not cross.
	d := NewDetector(Config{Threshold: 0.3, Smoothing: 0.9})
	now := time.Now()

	d.Sample(0.0, now)
	if ev := d.Sample(1.0, now.Add(time.Millisecond)); ev != nil {
		t.Fatalf("single spike should be smoothed away, got %+v", ev)
	}

	// Sustained energy eventually crosses.
	var started bool
	for i := 0; i < 50; i++ {
		if ev := d.Sample(1.0, now.Add(time.Duration(i+2)*time.Millisecond)); ev != nil && ev.Kind == EventSpeechStarted {
			started = true
			break
		}
	}
	if !started {
		t.Fatalf("sustained loud input never crossed threshold")
	}
}

func TestDetectorClampsInput(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Threshold: 0.1})
	now := time.Now()

	if ev := d.Sample(-5, now); ev != nil {
		t.Fatalf("negative level treated as speech: %+v", ev)
	}
	if ev := d.Sample(42, now.Add(time.Millisecond)); ev == nil || ev.Kind != EventSpeechStarted {
		t.Fatalf("overdriven level should clamp to 1 and start speech, got %+v", ev)
	}
}
