package xiaozhi

import (
	"context"
	"errors"
	"time"

	"github.com/saker-ai/xiaozhi-voice/internal/session/fsm"
	"github.com/saker-ai/xiaozhi-voice/pkg/audio"
)

var (
	// ErrNoSession is returned by operations that need an open session.
	ErrNoSession = errors.New("xiaozhi: no active session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("xiaozhi: controller closed")
	// ErrHelloTimeout is reported when the server never answers a hello.
	ErrHelloTimeout = errors.New("xiaozhi: hello not acknowledged")
)

// State mirrors the session lifecycle state.
type State = fsm.State

// AudioParams represents a audioParams.
type AudioParams struct {
	Format        string
	SampleRate    int
	Channels      int
	FrameDuration int
}

// FrameSamples returns per-channel samples in one frame.
func (p AudioParams) FrameSamples() int {
	return p.SampleRate * p.FrameDuration / 1000
}

// FrameBytes returns the PCM16 byte length of one frame.
func (p AudioParams) FrameBytes() int {
	return p.FrameSamples() * p.Channels * 2
}

// FrameInterval returns the wall-clock length of one frame.
func (p AudioParams) FrameInterval() time.Duration {
	return time.Duration(p.FrameDuration) * time.Millisecond
}

func (p AudioParams) withDefaults(fallback AudioParams) AudioParams {
	if p.Format == "" {
		p.Format = fallback.Format
	}
	if p.SampleRate <= 0 {
		p.SampleRate = fallback.SampleRate
	}
	if p.Channels <= 0 {
		p.Channels = fallback.Channels
	}
	if p.FrameDuration <= 0 {
		p.FrameDuration = fallback.FrameDuration
	}
	return p
}

var defaultAudioParams = AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60}

// Config represents a config.
type Config struct {
	ProtocolVersion int
	// AudioParams is announced in the hello request.
	AudioParams AudioParams
	ListenMode  string
	// CaptureRate is the microphone sample rate.
	CaptureRate int
	// PlaybackRate is the speaker sample rate; zero plays at the session rate.
	PlaybackRate        int
	JitterCapacity      int
	PlaybackChunkFrames int
	JoinTimeout         time.Duration
	HelloTimeout        time.Duration
	// PublishTimeout bounds control publishes made while handling an
	// inbound message.
	PublishTimeout time.Duration
	Opus           audio.OpusOptions
}

func (c Config) normalized() Config {
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = 3
	}
	c.AudioParams = c.AudioParams.withDefaults(defaultAudioParams)
	if c.ListenMode == "" {
		c.ListenMode = "manual"
	}
	if c.CaptureRate <= 0 {
		c.CaptureRate = c.AudioParams.SampleRate
	}
	if c.JitterCapacity <= 0 {
		c.JitterCapacity = audio.DefaultJitterCapacity
	}
	if c.PlaybackChunkFrames <= 0 {
		c.PlaybackChunkFrames = 1
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 2 * time.Second
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Publisher sends one control message to the server.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Callbacks represents a callbacks. Callbacks run on the controller's
// goroutine and must not call back into the controller.
type Callbacks struct {
	OnStateChange    func(from, to State)
	OnSessionStarted func(sessionID string)
	OnSessionClosed  func(sessionID string, reason string)
	OnListening      func(listening bool)
	OnTTS            func(state string, text string)
	OnASR            func(text string)
	OnEmotion        func(emotion string)
	OnError          func(err error)
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State  `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	UDPServer string `json:"udp_server,omitempty"`
	Listening bool   `json:"listening"`
	TTSState  string `json:"tts_state,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	Sequence  uint32 `json:"sequence"`
}
