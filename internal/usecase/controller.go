package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"earshot/internal/audio"
	"earshot/internal/backend"
	"earshot/internal/domain"
	"earshot/internal/logging"
	"earshot/internal/ports"
	"earshot/internal/segment"
	"earshot/internal/transcript"
	"earshot/internal/vad"
)

var (
	ErrWrongMode       = errors.New("operation not valid in the active capture mode")
	ErrNoActiveSession = errors.New("no active capture session")
)

// TimerPolicy holds every per-mode timer span the controller uses.
type TimerPolicy struct {
	MaxContinuous   time.Duration
	MaxCommand      time.Duration
	MaxPushToTalk   time.Duration
	SilenceCommit   time.Duration
	NoSpeechTimeout time.Duration
	AutoSendDelay   time.Duration

	// StreamDrain caps how long a closed segment may wait for the
	// backend to deliver its remaining results before the session is
	// force-closed.
	StreamDrain time.Duration
}

// Config controls capture behavior.
type Config struct {
	Audio          ports.AudioConfig
	Language       string
	PromptHint     string
	ChunkSize      int
	StreamingGrace time.Duration
	Timers         TimerPolicy
}

// Controller is the single authority over what capture activity may run.
// It owns the active mode and its sub-state, serializes all session starts
// through one slot, and drives the segment scheduler, voice activity
// detector, backend adapter and transcript buffer.
//
// Every session carries a monotonically increasing generation; goroutines
// and timers capture the generation they were started under and go inert
// when it no longer matches, so nothing stale can act on a session that
// has been torn down.
type Controller struct {
	mic      *audio.Manager
	adapter  *backend.Adapter
	detector *vad.Detector
	trigger  *vad.TriggerMatcher
	rewriter ports.Rewriter
	events   ports.EventSink
	cfg      Config

	scheduler *segment.Scheduler
	autoSend  *segment.AutoSender
	buffer    *transcript.Buffer

	gen atomic.Uint64

	mu       sync.Mutex
	baseCtx  context.Context
	mode     domain.CaptureMode
	phase    domain.TriggerPhase
	busy     bool
	disabled bool
	retried  bool
	sess     *captureSession
}

func NewController(
	mic *audio.Manager,
	adapter *backend.Adapter,
	detector *vad.Detector,
	trigger *vad.TriggerMatcher,
	rewriter ports.Rewriter,
	events ports.EventSink,
	cfg Config,
) *Controller {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	c := &Controller{
		mic:      mic,
		adapter:  adapter,
		detector: detector,
		trigger:  trigger,
		rewriter: rewriter,
		events:   events,
		cfg:      cfg,
		buffer:   transcript.NewBuffer(),
	}
	c.scheduler = segment.NewScheduler(c.onSegmentClosed)
	c.autoSend = segment.NewAutoSender(cfg.Timers.AutoSendDelay, c.autoCommit)
	c.mode = domain.ModePushToTalk
	return c
}

// SetMode switches capture modes, tearing down whatever activity is in
// progress (any open segment is discarded untranscribed) before entering
// the new mode.
func (c *Controller) SetMode(ctx context.Context, mode domain.CaptureMode) {
	c.mu.Lock()
	c.baseCtx = ctx
	prev := c.detachLocked()
	c.mode = mode
	c.phase = ""
	c.disabled = false
	c.retried = false
	if mode == domain.ModeVoiceActivated {
		c.phase = domain.PhaseAwaitingTrigger
	}
	c.mu.Unlock()

	c.scheduler.Close()
	c.autoSend.Cancel()
	c.discardSession(prev)
	c.buffer.Discard()
	c.detector.Reset()

	c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonModeChanged)
	logging.Infow("capture mode set", "mode", mode)

	switch mode {
	case domain.ModeContinuous:
		c.maybeStartCapture(sessionContinuous)
	case domain.ModeVoiceActivated:
		c.maybeStartCapture(sessionTrigger)
	}
}

// OnUpstreamBusy gates capture on the downstream consumer's availability.
// A trigger listener running while the upstream is busy is suspended, never
// left running; it resumes when the upstream frees up.
func (c *Controller) OnUpstreamBusy(busy bool) {
	c.mu.Lock()
	c.busy = busy
	var suspended *captureSession
	if busy && c.sess != nil && c.sess.kind == sessionTrigger {
		suspended = c.detachLocked()
	}
	c.mu.Unlock()

	if suspended != nil {
		c.scheduler.Close()
		c.discardSession(suspended)
		c.detector.Reset()
		c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonUpstreamBusy)
	}

	if !busy {
		c.mu.Lock()
		mode, phase := c.mode, c.phase
		idle := c.sess == nil && !c.disabled
		c.mu.Unlock()
		if mode == domain.ModeVoiceActivated && phase == domain.PhaseAwaitingTrigger {
			if idle {
				c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonUpstreamReady)
			}
			c.maybeStartCapture(sessionTrigger)
		} else if mode == domain.ModeContinuous {
			if idle {
				c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonUpstreamReady)
			}
			c.maybeStartCapture(sessionContinuous)
		}
	}
}

// StartPushToTalk begins a push-to-talk recording. An already-running
// recording is discarded and restarted.
func (c *Controller) StartPushToTalk(ctx context.Context) error {
	c.mu.Lock()
	if c.mode != domain.ModePushToTalk {
		c.mu.Unlock()
		return ErrWrongMode
	}
	c.baseCtx = ctx
	prev := c.detachLocked()
	c.mu.Unlock()

	if prev != nil {
		c.scheduler.Close()
		c.discardSession(prev)
		c.detector.Reset()
	}

	return c.startCapture(sessionPushToTalk)
}

// StopPushToTalk ends the held recording and returns the committed text.
// An empty string with a nil error means the segment produced no speech.
func (c *Controller) StopPushToTalk(ctx context.Context) (string, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || sess.kind != sessionPushToTalk {
		return "", ErrNoActiveSession
	}

	c.scheduler.Close()
	return c.finishSegment(sess, segment.CloseExplicit)
}

// CommitPending commits accumulated continuous-mode text immediately,
// bypassing the auto-send countdown.
func (c *Controller) CommitPending() (string, bool) {
	c.autoSend.Cancel()
	return c.commitBuffer(domain.ModeContinuous)
}

// EditPending replaces the accumulated text before it is committed.
func (c *Controller) EditPending(text string) {
	c.autoSend.Cancel()
	c.buffer.Edit(text)
}

// DiscardPending drops all accumulated text. A no-op when nothing pends.
func (c *Controller) DiscardPending() {
	c.autoSend.Cancel()
	c.buffer.Discard()
}

// Pending returns the accumulated text awaiting commit.
func (c *Controller) Pending() string {
	return c.buffer.Pending()
}

// Status reports the current mode, phase and activity.
func (c *Controller) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.Status{
		Mode:       c.mode,
		Phase:      c.phase,
		Permission: c.mic.Permission(),
	}
	switch {
	case c.disabled:
		status.State = domain.CaptureStateDisabled
	case c.sess == nil:
		status.State = domain.CaptureStateIdle
	case c.sess.kind == sessionTrigger:
		status.State = domain.CaptureStateListening
		status.Active = true
	default:
		status.State = domain.CaptureStateRecording
		status.Active = true
	}
	return status
}

func (c *Controller) maybeStartCapture(kind sessionKind) {
	c.mu.Lock()
	ok := !c.disabled && !c.busy && c.sess == nil
	switch kind {
	case sessionContinuous:
		ok = ok && c.mode == domain.ModeContinuous
	case sessionTrigger:
		ok = ok && c.mode == domain.ModeVoiceActivated && c.phase == domain.PhaseAwaitingTrigger
	case sessionCommand:
		ok = ok && c.mode == domain.ModeVoiceActivated
	}
	c.mu.Unlock()

	if ok {
		_ = c.startCapture(kind)
	}
}

func (c *Controller) startCapture(kind sessionKind) error {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	gen := c.gen.Add(1)
	c.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)

	mic, err := c.mic.Acquire(sessCtx)
	if err != nil {
		cancel()
		c.reportAcquireError(err)
		return err
	}

	// Re-check under the lock before touching the scheduler: a mode
	// change or busy transition while we were blocked in Acquire bumps
	// the generation and this start must die without a trace.
	c.mu.Lock()
	if !c.installableLocked(gen, kind) {
		c.mu.Unlock()
		cancel()
		c.mic.ReleaseIf(mic)
		return nil
	}
	info := c.scheduler.Open(modeForKind(kind), c.segmentConfig(kind))
	c.mu.Unlock()
	c.detector.Reset()

	stream, err := c.adapter.Start(sessCtx, c.segmentContext(info))
	if err != nil {
		c.scheduler.CloseIf(info.ID)
		c.mic.ReleaseIf(mic)
		cancel()
		c.events.CaptureError(backendErrorCode(err), err.Error())
		return err
	}

	sess := &captureSession{
		gen:        gen,
		kind:       kind,
		cancel:     cancel,
		audio:      mic,
		stream:     stream,
		seg:        info,
		pumpDone:   make(chan struct{}),
		eventsDone: make(chan struct{}),
	}

	c.mu.Lock()
	if !c.installableLocked(gen, kind) {
		// superseded while the backend session was opening; the pump
		// and events goroutines were never started
		c.mu.Unlock()
		c.scheduler.CloseIf(info.ID)
		cancel()
		c.mic.ReleaseIf(mic)
		_ = stream.Close()
		return nil
	}
	c.sess = sess
	c.mu.Unlock()

	go c.pump(sess)
	go c.consumeEvents(sess)

	if kind == sessionTrigger {
		c.events.CaptureStateChanged(domain.CaptureStateListening, domain.ReasonTriggerListening)
	} else {
		c.events.CaptureStateChanged(domain.CaptureStateRecording, domain.ReasonRecordingStarted)
	}
	logging.Debugw("capture started", "kind", kind, "segment_id", info.ID)
	return nil
}

func (c *Controller) reportAcquireError(err error) {
	var perr *domain.PermissionError
	if errors.As(err, &perr) {
		c.events.CaptureError(perr.ErrorCode(), perr.Detail)
		if perr.Kind == domain.PermissionErrDenied {
			c.mu.Lock()
			c.disabled = true
			c.mu.Unlock()
			c.events.CaptureStateChanged(domain.CaptureStateDisabled, domain.ReasonPermissionDenied)
		}
		return
	}
	c.events.CaptureError(domain.ErrorCodeDeviceUnavailable, err.Error())
}

// onSegmentClosed receives boundary decisions from the scheduler's timers.
func (c *Controller) onSegmentClosed(info segment.Info, reason segment.CloseReason) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || sess.seg.ID != info.ID {
		return
	}
	_, _ = c.finishSegment(sess, reason)
}

// finishSegment drives one segment from boundary to dispatch: it applies
// the minimum-content gate, flushes or discards the backend stream, waits
// for remaining events, and performs the mode's commit-and-continue step.
func (c *Controller) finishSegment(sess *captureSession, reason segment.CloseReason) (string, error) {
	var committed string
	var finishErr error

	sess.finishOnce.Do(func() {
		committed, finishErr = c.finish(sess, reason)
	})
	return committed, finishErr
}

func (c *Controller) finish(sess *captureSession, reason segment.CloseReason) (string, error) {
	speechSeen := c.detector.SpeechEver()
	duration := time.Since(sess.seg.StartedAt)

	logging.Debugw("segment closed",
		"segment_id", sess.seg.ID,
		"reason", reason,
		"speech", speechSeen,
		"duration_ms", duration.Milliseconds(),
	)

	if reason == segment.CloseNoSpeech {
		// normal closure, nothing to transcribe
		c.abandonCommand(sess)
		return "", nil
	}

	forward := c.adapter.ShouldForward(speechSeen, duration, int(sess.bytesSent.Load()))

	// Stop the microphone first so the audio pump drains out.
	c.mic.ReleaseIf(sess.audio)

	var streamErr error
	if forward {
		c.events.CaptureStateChanged(domain.CaptureStateStopping, domain.ReasonTranscribing)
		c.events.ProcessingAudio(true)
		if c.cfg.StreamingGrace > 0 {
			time.Sleep(c.cfg.StreamingGrace)
		}
		_ = sess.stream.CloseSend()
		streamErr = waitForStream(sess.stream, c.cfg.Timers.StreamDrain)
		c.events.ProcessingAudio(false)
	} else {
		_ = sess.stream.Close()
	}
	sess.cancel()
	sess.wait()
	c.detector.Reset()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.gen.Add(1)
	}
	c.mu.Unlock()

	if streamErr != nil {
		// Only the failed segment's interim text is dropped. Finals
		// already accumulated by earlier clean segments stay pending
		// for the auto-send commit.
		c.buffer.DiscardPartial()
		if sess.kind == sessionContinuous && c.buffer.Pending() != "" {
			c.autoSend.Arm()
		}
		c.events.CaptureError(backendErrorCode(streamErr), streamErr.Error())
		c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonTranscriptionFail)
		c.recoverFromBackendError(sess.kind)
		return "", streamErr
	}

	c.mu.Lock()
	c.retried = false
	c.mu.Unlock()

	return c.continueAfterSegment(sess)
}

// continueAfterSegment performs the per-mode step that follows a cleanly
// dispatched (or gated-out) segment.
func (c *Controller) continueAfterSegment(sess *captureSession) (string, error) {
	switch sess.kind {
	case sessionPushToTalk:
		text, ok := c.commitBuffer(domain.ModePushToTalk)
		if ok {
			c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonSegmentCommitted)
		} else {
			c.events.CaptureStateChanged(domain.CaptureStateIdle, domain.ReasonSegmentDiscarded)
		}
		return text, nil

	case sessionCommand:
		text, ok := c.commitBuffer(domain.ModeVoiceActivated)
		reason := domain.ReasonSegmentCommitted
		if !ok {
			reason = domain.ReasonSegmentDiscarded
		}
		c.events.CaptureStateChanged(domain.CaptureStateIdle, reason)
		c.returnToTriggerListening()
		return text, nil

	case sessionTrigger:
		matched := sess.matched.Load()
		c.buffer.Discard()
		if matched {
			c.mu.Lock()
			if c.mode == domain.ModeVoiceActivated {
				c.phase = domain.PhaseCapturingUtterance
			}
			c.mu.Unlock()
			c.events.CaptureStateChanged(domain.CaptureStateRecording, domain.ReasonTriggerMatched)
			c.maybeStartCapture(sessionCommand)
		} else {
			c.returnToTriggerListening()
		}
		return "", nil

	default: // sessionContinuous
		if c.buffer.Pending() != "" {
			c.autoSend.Arm()
		}
		c.maybeStartCapture(sessionContinuous)
		return "", nil
	}
}

// abandonCommand handles the no-speech timeout during command capture:
// the segment is discarded without transcription and the trigger listener
// resumes. Reported as a status signal, not an error.
func (c *Controller) abandonCommand(sess *captureSession) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.gen.Add(1)
	}
	c.mu.Unlock()

	c.discardSession(sess)
	c.buffer.Discard()
	c.detector.Reset()
	c.events.CaptureStateChanged(domain.CaptureStateListening, domain.ReasonTimeoutAbandoned)
	c.returnToTriggerListening()
}

func (c *Controller) returnToTriggerListening() {
	c.mu.Lock()
	if c.mode == domain.ModeVoiceActivated {
		c.phase = domain.PhaseAwaitingTrigger
	}
	c.mu.Unlock()
	c.maybeStartCapture(sessionTrigger)
}

// recoverFromBackendError restarts the capture loop exactly once after a
// backend failure in the hands-free modes. Push-to-talk never retries: a
// new attempt requires a new user gesture.
func (c *Controller) recoverFromBackendError(kind sessionKind) {
	c.mu.Lock()
	mode := c.mode
	already := c.retried
	if !already {
		c.retried = true
	}
	c.mu.Unlock()

	if already || kind == sessionPushToTalk {
		return
	}

	switch mode {
	case domain.ModeContinuous:
		c.events.CaptureStateChanged(domain.CaptureStateRecording, domain.ReasonCaptureRestarted)
		c.maybeStartCapture(sessionContinuous)
	case domain.ModeVoiceActivated:
		c.events.CaptureStateChanged(domain.CaptureStateListening, domain.ReasonCaptureRestarted)
		c.returnToTriggerListening()
	}
}

// commitBuffer takes the buffered text, applies the rewriter, and emits a
// commit event. Committing an empty buffer is a no-op.
func (c *Controller) commitBuffer(mode domain.CaptureMode) (string, bool) {
	text, ok := c.buffer.Commit()
	if !ok {
		return "", false
	}

	if c.rewriter != nil {
		rewritten, err := c.rewriter.Apply(text)
		if err != nil {
			logging.Warnw("transcript rewrite failed; committing raw text", "err", err)
		} else {
			text = rewritten
		}
	}

	c.events.TranscriptCommitted(domain.CommitEvent{
		Text:    text,
		Backend: c.adapter.Kind(),
		Mode:    mode,
		IsFinal: true,
	})
	return text, true
}

// autoCommit fires when the auto-send countdown expires with text pending.
func (c *Controller) autoCommit() {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode != domain.ModeContinuous {
		return
	}
	c.commitBuffer(domain.ModeContinuous)
}

func (c *Controller) discardSession(sess *captureSession) {
	if sess == nil {
		return
	}
	sess.cancel()
	c.mic.ReleaseIf(sess.audio)
	_ = sess.stream.Close()
	sess.wait()
}

// detachLocked removes the active session from the slot and bumps the
// generation. The bump happens even with no session installed: a start
// parked in microphone acquisition holds an earlier generation and must
// come back stale. Callers must hold c.mu and must discard the returned
// session outside the lock.
func (c *Controller) detachLocked() *captureSession {
	sess := c.sess
	c.sess = nil
	c.gen.Add(1)
	return sess
}

// installableLocked reports whether a start holding the given generation
// reservation may still proceed for its kind. Callers must hold c.mu.
func (c *Controller) installableLocked(gen uint64, kind sessionKind) bool {
	if c.gen.Load() != gen || c.sess != nil || c.disabled {
		return false
	}
	switch kind {
	case sessionContinuous:
		return !c.busy && c.mode == domain.ModeContinuous
	case sessionTrigger:
		return !c.busy && c.mode == domain.ModeVoiceActivated && c.phase == domain.PhaseAwaitingTrigger
	case sessionCommand:
		return c.mode == domain.ModeVoiceActivated
	default:
		return c.mode == domain.ModePushToTalk
	}
}

func (c *Controller) isCurrent(sess *captureSession) bool {
	return c.gen.Load() == sess.gen
}

func (c *Controller) segmentConfig(kind sessionKind) segment.Config {
	t := c.cfg.Timers
	switch kind {
	case sessionContinuous:
		return segment.Config{MaxDuration: t.MaxContinuous, SilenceCommit: t.SilenceCommit}
	case sessionTrigger:
		return segment.Config{MaxDuration: t.MaxCommand, SilenceCommit: t.SilenceCommit}
	case sessionCommand:
		return segment.Config{
			MaxDuration:     t.MaxCommand,
			SilenceCommit:   t.SilenceCommit,
			NoSpeechTimeout: t.NoSpeechTimeout,
		}
	default: // push-to-talk closes on explicit release or the hard ceiling
		return segment.Config{MaxDuration: t.MaxPushToTalk}
	}
}

func (c *Controller) segmentContext(info segment.Info) ports.SegmentContext {
	return ports.SegmentContext{
		ID:           info.ID,
		Mode:         info.Mode,
		StartedAt:    info.StartedAt,
		SampleRate:   c.cfg.Audio.SampleRate,
		Channels:     c.cfg.Audio.Channels,
		LanguageHint: c.cfg.Language,
		PromptHint:   c.cfg.PromptHint,
	}
}

func modeForKind(kind sessionKind) domain.CaptureMode {
	switch kind {
	case sessionContinuous:
		return domain.ModeContinuous
	case sessionTrigger, sessionCommand:
		return domain.ModeVoiceActivated
	default:
		return domain.ModePushToTalk
	}
}

func backendErrorCode(err error) domain.ErrorCode {
	var berr *domain.BackendError
	if errors.As(err, &berr) {
		return berr.Code
	}
	var uerr *domain.UnavailableError
	if errors.As(err, &uerr) {
		return domain.ErrorCodeBackendUnavailable
	}
	return domain.ErrorCodeBackendNetwork
}

// consumeEvents drains the backend event stream for one session. Partial
// text overwrites the interim buffer; final text accumulates. During
// trigger listening, finals feed the trigger matcher instead and nothing
// reaches the consumer.
func (c *Controller) consumeEvents(sess *captureSession) {
	defer close(sess.eventsDone)

	for event := range sess.stream.Events() {
		text := strings.TrimSpace(event.Text)
		if text == "" {
			continue
		}

		if sess.kind == sessionTrigger {
			if event.Kind != domain.TranscriptKindFinal {
				continue
			}
			if token, ok := c.trigger.Match(text); ok {
				logging.Debugw("trigger matched", "token", token, "segment_id", sess.seg.ID)
				sess.matched.Store(true)
			}
			continue
		}

		switch event.Kind {
		case domain.TranscriptKindPartial:
			c.buffer.SetPartial(text)
			c.events.PartialTranscript(text)
		case domain.TranscriptKindFinal:
			c.buffer.AppendFinal(text)
		}
	}
}
