package usecase

import (
	"sync"
	"sync/atomic"

	"earshot/internal/audio"
	"earshot/internal/ports"
	"earshot/internal/segment"
)

// sessionKind says which of the mutually exclusive capture activities a
// session is running. The controller's single session slot enforces that
// no two of these are ever active at once.
type sessionKind string

const (
	sessionPushToTalk sessionKind = "push_to_talk"
	sessionContinuous sessionKind = "continuous"
	sessionTrigger    sessionKind = "trigger"
	sessionCommand    sessionKind = "command"
)

type captureSession struct {
	gen    uint64
	kind   sessionKind
	cancel func()

	audio  *audio.Session
	stream ports.BackendSession
	seg    segment.Info

	bytesSent atomic.Int64
	matched   atomic.Bool

	finishOnce sync.Once

	pumpDone   chan struct{}
	eventsDone chan struct{}
}

func (s *captureSession) wait() {
	<-s.pumpDone
	<-s.eventsDone
}
