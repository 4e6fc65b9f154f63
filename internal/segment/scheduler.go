package segment

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"earshot/internal/domain"
)

// CloseReason says why an open segment reached its boundary.
type CloseReason string

const (
	CloseSilence     CloseReason = "silence"
	CloseMaxDuration CloseReason = "max_duration"
	CloseNoSpeech    CloseReason = "no_speech" // abandoned, nothing to transcribe
	CloseExplicit    CloseReason = "explicit"
)

// Config holds the timer spans for one segment. A zero NoSpeechTimeout
// disables the abandon timer; a zero SilenceCommit disables pause closing.
type Config struct {
	MaxDuration     time.Duration
	SilenceCommit   time.Duration
	NoSpeechTimeout time.Duration
}

// Info describes the currently open segment.
type Info struct {
	ID        string
	Mode      domain.CaptureMode
	StartedAt time.Time
}

// Scheduler owns the per-segment timers: the hard maximum duration, the
// silence-after-speech timeout, and the no-speech abandon timeout. Every
// timer callback is tagged with the generation current when it was armed;
// a callback whose generation no longer matches is inert, so a stale timer
// can never close a segment it does not own.
type Scheduler struct {
	onClose func(Info, CloseReason)

	mu         sync.Mutex
	gen        uint64
	open       bool
	info       Info
	speechSeen bool

	// silenceSpan is fixed at Open so speech-end events re-arm with the
	// span of the segment that is actually open.
	silenceSpan time.Duration

	maxTimer     *time.Timer
	silenceTimer *time.Timer
	noSpeechT    *time.Timer
}

// NewScheduler creates a scheduler delivering boundary decisions to onClose.
// onClose is invoked outside the scheduler lock.
func NewScheduler(onClose func(Info, CloseReason)) *Scheduler {
	return &Scheduler{onClose: onClose}
}

// Open starts a new segment and arms its timers. Any previously open
// segment is abandoned silently; callers are expected to Close first.
func (s *Scheduler) Open(mode domain.CaptureMode, cfg Config) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimersLocked()
	s.gen++
	s.open = true
	s.speechSeen = false
	s.info = Info{ID: uuid.NewString(), Mode: mode, StartedAt: time.Now()}

	gen := s.gen
	if cfg.MaxDuration > 0 {
		s.maxTimer = time.AfterFunc(cfg.MaxDuration, func() {
			s.fire(gen, CloseMaxDuration)
		})
	}
	if cfg.NoSpeechTimeout > 0 {
		s.noSpeechT = time.AfterFunc(cfg.NoSpeechTimeout, func() {
			s.fire(gen, CloseNoSpeech)
		})
	}
	s.silenceSpan = cfg.SilenceCommit
	return s.info
}

// OnSpeechStarted records speech, permanently cancels the no-speech abandon
// timer, and disarms any running silence countdown.
func (s *Scheduler) OnSpeechStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	s.speechSeen = true
	if s.noSpeechT != nil {
		s.noSpeechT.Stop()
		s.noSpeechT = nil
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
}

// OnSpeechEnded arms (or re-arms) the silence countdown. It only runs once
// the sticky speech flag is set: trailing silence after real speech closes
// the segment, a segment of pure silence never closes this way.
func (s *Scheduler) OnSpeechEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || !s.speechSeen || s.silenceSpan <= 0 {
		return
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	gen := s.gen
	s.silenceTimer = time.AfterFunc(s.silenceSpan, func() {
		s.fire(gen, CloseSilence)
	})
}

// CloseIf tears the segment down only if the given segment is still the
// open one, so a superseded opener cannot close its successor's segment.
func (s *Scheduler) CloseIf(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.info.ID != id {
		return
	}
	s.gen++
	s.open = false
	s.stopTimersLocked()
}

// Close tears the open segment down without a boundary callback and
// invalidates all armed timers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.open = false
	s.stopTimersLocked()
}

func (s *Scheduler) fire(gen uint64, reason CloseReason) {
	s.mu.Lock()
	if gen != s.gen || !s.open {
		s.mu.Unlock()
		return
	}
	info := s.info
	s.gen++
	s.open = false
	s.stopTimersLocked()
	s.mu.Unlock()

	s.onClose(info, reason)
}

func (s *Scheduler) stopTimersLocked() {
	if s.maxTimer != nil {
		s.maxTimer.Stop()
		s.maxTimer = nil
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.noSpeechT != nil {
		s.noSpeechT.Stop()
		s.noSpeechT = nil
	}
}
