//go:build portaudio

package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/saker-ai/xiaozhi-voice/pkg/audio"
)

func init() {
	Register("portaudio", func(Config) (Backend, error) {
		return &portaudioBackend{}, nil
	})
}

// portaudioBackend opens the default input and output devices.
// Initialize and Terminate are reference counted by portaudio itself.
type portaudioBackend struct{}

func (b *portaudioBackend) Name() string { return "portaudio" }

func (b *portaudioBackend) OpenCapture(f Format) (Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("error initializing portaudio: %w", err)
	}
	s := &paStream{buf: make([]int16, f.FrameSamples*f.Channels)}
	stream, err := portaudio.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), f.FrameSamples, &s.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("error opening audio stream: %w", err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("error starting audio stream: %w", err)
	}
	return s, nil
}

func (b *portaudioBackend) OpenPlayback(f Format) (Playback, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("error initializing portaudio: %w", err)
	}
	s := &paStream{buf: make([]int16, f.FrameSamples*f.Channels)}
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), f.FrameSamples, &s.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("error opening audio stream: %w", err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("error starting audio stream: %w", err)
	}
	return s, nil
}

// paStream adapts a blocking portaudio stream to io.Reader / io.Writer.
// Reads and writes move whole device buffers; partial frames are kept
// in pending.
type paStream struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	pending []byte
	closed  bool
}

func (s *paStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("device: stream closed")
	}
	if len(s.pending) == 0 {
		if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, fmt.Errorf("error reading audio stream: %w", err)
		}
		s.pending = audio.Int16SliceToBytesInto(s.pending[:0], s.buf)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *paStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("device: stream closed")
	}
	written := len(p)
	s.pending = append(s.pending, p...)
	frameBytes := len(s.buf) * 2
	for len(s.pending) >= frameBytes {
		audio.BytesToInt16SliceInto(s.buf, s.pending[:frameBytes])
		s.pending = s.pending[frameBytes:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return 0, fmt.Errorf("error writing audio stream: %w", err)
		}
	}
	return written, nil
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := errors.Join(s.stream.Stop(), s.stream.Close())
	return errors.Join(err, portaudio.Terminate())
}
