package vad

import (
	"sync"
	"time"
)

// EventKind identifies a voice activity transition.
type EventKind string

const (
	EventSpeechStarted EventKind = "speech_started"
	EventSpeechEnded   EventKind = "speech_ended"
)

// Event is emitted when the detector crosses a speech/silence boundary.
type Event struct {
	Kind    EventKind
	At      time.Time
	Silence time.Duration // for EventSpeechEnded: time since the last sample above threshold
}

// Config controls energy detection.
type Config struct {
	// Threshold is the smoothed-energy level in [0,1] above which a sample
	// counts as speech.
	Threshold float64
	// Smoothing is the weight given to the previous rolling energy value.
	// Zero disables smoothing.
	Smoothing float64
}

// Detector turns a stream of audio level samples into speech boundary
// events. It also carries the per-segment sticky speech flag: once any
// speech is seen the flag stays set until Reset, so trailing silence after
// real speech is distinguishable from a segment that never contained speech.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	energy      float64
	speaking    bool
	lastVoiced  time.Time
	speechEver  bool
	sampleCount int
}

func NewDetector(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.035
	}
	return &Detector{cfg: cfg}
}

// Sample feeds one audio level reading in [0,1] and returns a boundary
// event if the reading crossed the speech threshold.
func (d *Detector) Sample(level float64, now time.Time) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	if d.sampleCount == 0 || d.cfg.Smoothing <= 0 {
		d.energy = level
	} else {
		d.energy = d.cfg.Smoothing*d.energy + (1-d.cfg.Smoothing)*level
	}
	d.sampleCount++

	voiced := d.energy >= d.cfg.Threshold
	if voiced {
		d.lastVoiced = now
	}

	switch {
	case voiced && !d.speaking:
		d.speaking = true
		d.speechEver = true
		return &Event{Kind: EventSpeechStarted, At: now}
	case !voiced && d.speaking:
		d.speaking = false
		silence := time.Duration(0)
		if !d.lastVoiced.IsZero() {
			silence = now.Sub(d.lastVoiced)
		}
		return &Event{Kind: EventSpeechEnded, At: now, Silence: silence}
	default:
		return nil
	}
}

// Speaking reports whether the most recent sample was above threshold.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// SpeechEver reports the sticky per-segment speech flag.
func (d *Detector) SpeechEver() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speechEver
}

// Reset clears all per-segment state, including the sticky flag. Called
// only at segment dispatch.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.energy = 0
	d.speaking = false
	d.speechEver = false
	d.sampleCount = 0
	d.lastVoiced = time.Time{}
}
