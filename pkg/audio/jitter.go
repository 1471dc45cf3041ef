package audio

import "sync"

// DefaultJitterCapacity is the frame count a downlink buffer holds.
const DefaultJitterCapacity = 100

// JitterBuffer is a bounded FIFO of decoded PCM frames shared by the
// receive and playback sides of a downlink. When full, a push evicts the
// oldest frame so the newest audio always survives.
type JitterBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	head   int
	size   int
}

// NewJitterBuffer returns a buffer holding up to capacity frames.
func NewJitterBuffer(capacity int) *JitterBuffer {
	if capacity <= 0 {
		capacity = DefaultJitterCapacity
	}
	return &JitterBuffer{frames: make([][]byte, capacity)}
}

// Push appends a frame and reports whether an older frame was evicted.
func (b *JitterBuffer) Push(frame []byte) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.frames)
	if b.size == capacity {
		b.frames[b.head] = nil
		b.head = (b.head + 1) % capacity
		b.size--
		evicted = true
	}
	b.frames[(b.head+b.size)%capacity] = frame
	b.size++
	return evicted
}

// Pop removes the oldest frame. ok is false when the buffer is empty.
func (b *JitterBuffer) Pop() (frame []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil, false
	}
	frame = b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % len(b.frames)
	b.size--
	return frame, true
}

// Len executes the len method.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap executes the cap method.
func (b *JitterBuffer) Cap() int {
	return len(b.frames)
}

// Reset drops every buffered frame.
func (b *JitterBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.frames)
	b.head = 0
	b.size = 0
}
