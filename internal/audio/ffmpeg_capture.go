package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"earshot/internal/ports"
)

// startupWindow is how long Start watches a fresh process for an immediate
// exit, so device problems surface as a start error instead of a
// mid-stream EOF. stopGrace is how long Stop waits after an interrupt
// before killing the process.
const (
	startupWindow = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// FFmpegCapture streams microphone PCM through an ffmpeg child process,
// reading s16le frames from its stdout.
type FFmpegCapture struct {
	command string
}

func NewFFmpegCapture(command string) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegCapture{command: command}
}

func captureArgs(cfg ports.AudioConfig) []string {
	format := cfg.InputFormat
	if format == "" {
		format = "pulse"
	}
	device := cfg.InputDevice
	if device == "" {
		device = "default"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", device,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"-",
	}
}

func (c *FFmpegCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, c.command, captureArgs(cfg)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	session := &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: make(chan error, 1),
	}
	go func() {
		session.waitErr <- cmd.Wait()
		close(session.waitErr)
	}()

	if err := session.awaitStartup(); err != nil {
		return nil, err
	}
	return session, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr chan error

	stopOnce sync.Once
	stopErr  error
}

// awaitStartup fails fast when the process dies inside the startup window,
// attaching whatever it wrote to stderr.
func (s *ffmpegSession) awaitStartup() error {
	select {
	case err := <-s.waitErr:
		detail := bytes.TrimSpace(s.stderr.Bytes())
		if err != nil {
			return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail)
		}
		return fmt.Errorf("ffmpeg exited before capture started: %s", detail)
	case <-time.After(startupWindow):
		return nil
	}
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop interrupts the capture process, escalating to a kill when it does
// not exit within the grace window. A nonzero exit status after an
// interrupt is a normal shutdown, not an error.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		s.stopErr = s.reapProcess()

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})

	return s.stopErr
}

func (s *ffmpegSession) reapProcess() error {
	select {
	case err, ok := <-s.waitErr:
		if !ok {
			return nil
		}
		return stripExitStatus(err)
	case <-time.After(stopGrace):
		if s.process != nil {
			_ = s.process.Kill()
		}
		if err, ok := <-s.waitErr; ok {
			return stripExitStatus(err)
		}
		return nil
	}
}

// stripExitStatus drops plain nonzero-exit errors and keeps everything
// else (pipe failures, signal delivery errors).
func stripExitStatus(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
