package usecase

import (
	"errors"
	"io"
	"time"

	"earshot/internal/domain"
	"earshot/internal/logging"
	"earshot/internal/ports"
	"earshot/internal/vad"
)

// pump moves audio from the microphone to the backend session for as long
// as the session lives, feeding the level of each chunk through the voice
// activity detector on the way. It exits when the mic drains (Stop) or the
// backend refuses more audio.
func (c *Controller) pump(sess *captureSession) {
	defer close(sess.pumpDone)

	buf := make([]byte, c.cfg.ChunkSize)
	for {
		n, err := sess.audio.Read(buf)
		if n > 0 {
			if ev := c.detector.Sample(sess.audio.Level(), time.Now()); ev != nil {
				c.handleVadEvent(sess, ev)
			}
			if sendErr := sess.stream.SendAudio(buf[:n]); sendErr != nil {
				if c.isCurrent(sess) {
					logging.Warnw("audio send failed", "segment_id", sess.seg.ID, "err", sendErr)
				}
				return
			}
			sess.bytesSent.Add(int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.isCurrent(sess) {
				c.events.CaptureError(domain.ErrorCodeDeviceDisconnected, err.Error())
				logging.Warnw("mic read failed", "segment_id", sess.seg.ID, "err", err)
			}
			return
		}
	}
}

// handleVadEvent reacts to a speech boundary on the pump goroutine. It
// never takes the controller mutex; the scheduler and auto-sender do their
// own locking and ignore stale generations.
func (c *Controller) handleVadEvent(sess *captureSession, ev *vad.Event) {
	if !c.isCurrent(sess) {
		return
	}
	switch ev.Kind {
	case vad.EventSpeechStarted:
		if sess.kind == sessionContinuous {
			c.autoSend.Cancel()
		}
		c.scheduler.OnSpeechStarted()
	case vad.EventSpeechEnded:
		c.scheduler.OnSpeechEnded()
	}
}

// waitForStream waits for the backend session to finish delivering results,
// force-closing it if it exceeds the allowance.
func waitForStream(session ports.BackendSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
