// Package device opens PCM16 capture and playback streams on the host.
//
// Backends register themselves by name. "alsa" shells out to arecord and
// aplay and is always available; "portaudio" is compiled in with the
// portaudio build tag; "null" produces paced silence and discards output.
package device

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownBackend is returned by New for unregistered backend names.
var ErrUnknownBackend = errors.New("device: unknown backend")

// Format describes an interleaved little-endian PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
	// FrameSamples is the per-channel sample count of one read or write.
	FrameSamples int
}

// FrameBytes returns the byte length of one frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples * f.Channels * 2
}

// Capture is an open microphone stream.
type Capture interface {
	io.ReadCloser
}

// Playback is an open speaker stream.
type Playback interface {
	io.WriteCloser
}

// Backend opens capture and playback streams.
type Backend interface {
	Name() string
	OpenCapture(Format) (Capture, error)
	OpenPlayback(Format) (Playback, error)
}

// Config selects a backend and its device names.
type Config struct {
	Backend        string
	CaptureDevice  string
	PlaybackDevice string
}

// Factory builds a backend from config.
type Factory func(Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if name == "" {
		name = "alsa"
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownBackend, name, strings.Join(Backends(), ", "))
	}
	return factory(cfg)
}
