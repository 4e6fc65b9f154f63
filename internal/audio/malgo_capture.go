package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"

	"earshot/internal/ports"
)

// MalgoCapture records from the default microphone via miniaudio, for hosts
// where an ffmpeg pipeline is not available. Frames are delivered as the
// same s16le byte stream the ffmpeg capture produces.
type MalgoCapture struct{}

func NewMalgoCapture() *MalgoCapture {
	return &MalgoCapture{}
}

func (c *MalgoCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	session := &malgoSession{
		mctx:   mctx,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = uint32(cfg.Channels)
	deviceCfg.SampleRate = uint32(cfg.SampleRate)

	device, err := malgo.InitDevice(mctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: session.onData,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	session.device = device

	go func() {
		<-ctx.Done()
		_ = session.Stop()
	}()

	return session, nil
}

type malgoSession struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	frames chan []byte
	done   chan struct{}

	mu       sync.Mutex
	leftover []byte

	stopOnce sync.Once
}

func (s *malgoSession) onData(_, sample []byte, _ uint32) {
	if len(sample) == 0 {
		return
	}
	frame := append([]byte(nil), sample...)
	select {
	case s.frames <- frame:
	case <-s.done:
	default:
		// drop frame rather than block the audio thread
	}
}

func (s *malgoSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case frame, ok := <-s.frames:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, frame)
		if n < len(frame) {
			s.mu.Lock()
			s.leftover = frame[n:]
			s.mu.Unlock()
		}
		return n, nil
	case <-s.done:
		return 0, io.EOF
	}
}

func (s *malgoSession) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.device != nil {
			s.device.Uninit()
			s.device = nil
		}
		if s.mctx != nil {
			if uerr := s.mctx.Uninit(); uerr != nil && !errors.Is(uerr, context.Canceled) {
				err = fmt.Errorf("uninitializing audio context: %w", uerr)
			}
			s.mctx.Free()
			s.mctx = nil
		}
	})
	return err
}

func (s *malgoSession) Close() error {
	return s.Stop()
}
