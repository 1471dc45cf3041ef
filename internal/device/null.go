package device

import (
	"io"
	"sync"
	"time"
)

func init() {
	Register("null", func(Config) (Backend, error) { return nullBackend{}, nil })
}

// nullBackend captures paced silence and discards playback.
type nullBackend struct{}

func (nullBackend) Name() string { return "null" }

func (nullBackend) OpenCapture(f Format) (Capture, error) {
	return &silenceCapture{format: f, done: make(chan struct{})}, nil
}

func (nullBackend) OpenPlayback(Format) (Playback, error) {
	return discardPlayback{}, nil
}

type silenceCapture struct {
	format Format
	next   time.Time
	done   chan struct{}
	once   sync.Once
}

// Read fills p with zeros at the real-time rate of the format.
func (c *silenceCapture) Read(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.EOF
	default:
	}
	bytesPerSecond := c.format.SampleRate * c.format.Channels * 2
	if bytesPerSecond <= 0 {
		return 0, io.EOF
	}
	if c.next.IsZero() {
		c.next = time.Now()
	}
	c.next = c.next.Add(time.Duration(len(p)) * time.Second / time.Duration(bytesPerSecond))
	timer := time.NewTimer(time.Until(c.next))
	defer timer.Stop()
	select {
	case <-c.done:
		return 0, io.EOF
	case <-timer.C:
	}
	clear(p)
	return len(p), nil
}

func (c *silenceCapture) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type discardPlayback struct{}

func (discardPlayback) Write(p []byte) (int, error) { return len(p), nil }
func (discardPlayback) Close() error                { return nil }
