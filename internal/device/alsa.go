package device

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

func init() {
	Register("alsa", func(cfg Config) (Backend, error) {
		return &alsaBackend{
			captureDevice:  cfg.CaptureDevice,
			playbackDevice: cfg.PlaybackDevice,
			arecord:        "arecord",
			aplay:          "aplay",
		}, nil
	})
}

// alsaBackend drives the alsa-utils command line tools.
type alsaBackend struct {
	captureDevice  string
	playbackDevice string
	arecord        string
	aplay          string
}

func (b *alsaBackend) Name() string { return "alsa" }

func (b *alsaBackend) OpenCapture(f Format) (Capture, error) {
	args := append(alsaFormatArgs(f), "-t", "raw", "-q")
	if b.captureDevice != "" {
		args = append(args, "-D", b.captureDevice)
	}
	cmd := exec.Command(b.arecord, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("arecord pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start arecord: %w", err)
	}
	return &procStream{cmd: cmd, r: stdout}, nil
}

func (b *alsaBackend) OpenPlayback(f Format) (Playback, error) {
	// 100ms device buffer keeps latency low.
	args := append(alsaFormatArgs(f), "-t", "raw", "-q", "-B", "100000")
	if b.playbackDevice != "" {
		args = append(args, "-D", b.playbackDevice)
	}
	cmd := exec.Command(b.aplay, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("aplay pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start aplay: %w", err)
	}
	return &procStream{cmd: cmd, w: stdin}, nil
}

func alsaFormatArgs(f Format) []string {
	return []string{
		"-f", "S16_LE",
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
	}
}

// procStream is one end of a child process pipe.
type procStream struct {
	cmd  *exec.Cmd
	r    io.ReadCloser
	w    io.WriteCloser
	once sync.Once
}

func (s *procStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, errors.New("device: stream is write-only")
	}
	return s.r.Read(p)
}

func (s *procStream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, errors.New("device: stream is read-only")
	}
	return s.w.Write(p)
}

// Close ends the child process. aplay gets its stdin closed first so
// queued audio is not cut mid-sample.
func (s *procStream) Close() error {
	s.once.Do(func() {
		if s.w != nil {
			_ = s.w.Close()
		}
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}
