package audio

import (
	"fmt"
	"sync"

	"github.com/saker-ai/xiaozhi-voice/pkg/audio/opusx"
)

const maxOpusPacket = 4000

// OpusEncoder turns fixed-size PCM frames into opus packets.
type OpusEncoder struct {
	encoder       *opusx.Encoder
	sampleRate    int
	channels      int
	frameDuration int
	frameSize     int
	opusBuffer    []byte
	scratch       []int16
	options       opusOptionsKey
	mutex         sync.Mutex
}

// NewOpusEncoder builds an encoder for frameDurationMs frames at sampleRate.
func NewOpusEncoder(sampleRate, channels, frameDurationMs int, opts OpusOptions) (*OpusEncoder, error) {
	if sampleRate <= 0 || channels <= 0 || frameDurationMs <= 0 {
		return nil, fmt.Errorf("opus encoder: invalid params rate=%d channels=%d frame=%dms", sampleRate, channels, frameDurationMs)
	}
	enc, err := opusx.NewEncoder(sampleRate, channels, opusx.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	applyOpusEncoderOptions(enc, opts)

	return &OpusEncoder{
		encoder:       enc,
		sampleRate:    sampleRate,
		channels:      channels,
		frameDuration: frameDurationMs,
		frameSize:     sampleRate * frameDurationMs / 1000,
		opusBuffer:    make([]byte, maxOpusPacket),
		options:       opts.key(),
	}, nil
}

// Encode encodes one frame of little-endian PCM16. Short input is padded
// with silence and long input is truncated to a frame.
func (e *OpusEncoder) Encode(pcmData []byte) ([]byte, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.encoder == nil {
		return nil, fmt.Errorf("opus encode: encoder closed")
	}

	expectedSamples := e.frameSize * e.channels
	pcmSamples := BytesToInt16SliceInto(e.scratch, pcmData)
	e.scratch = pcmSamples
	if len(pcmSamples) < expectedSamples {
		origLen := len(pcmSamples)
		if cap(pcmSamples) < expectedSamples {
			tmp := make([]int16, expectedSamples)
			copy(tmp, pcmSamples)
			pcmSamples = tmp
			e.scratch = tmp
		} else {
			pcmSamples = pcmSamples[:expectedSamples]
			clear(pcmSamples[origLen:])
		}
	} else if len(pcmSamples) > expectedSamples {
		pcmSamples = pcmSamples[:expectedSamples]
	}

	n, err := e.encoder.Encode(pcmSamples, e.opusBuffer)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	result := make([]byte, n)
	copy(result, e.opusBuffer[:n])
	return result, nil
}

// Close executes the close method.
func (e *OpusEncoder) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.encoder = nil
	e.opusBuffer = nil
	e.scratch = nil
	return nil
}

// FrameSize returns samples per channel in one frame.
func (e *OpusEncoder) FrameSize() int {
	return e.frameSize
}

// FrameBytes returns the PCM16 byte length of one frame.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// BytesToInt16SliceInto fills dst with little-endian int16 samples and returns it.
func BytesToInt16SliceInto(dst []int16, data []byte) []int16 {
	needed := (len(data) + 1) / 2
	if cap(dst) < needed {
		dst = make([]int16, needed)
	} else {
		dst = dst[:needed]
	}
	for i := 0; i < needed; i++ {
		low := data[i*2]
		high := byte(0)
		if i*2+1 < len(data) {
			high = data[i*2+1]
		}
		dst[i] = int16(low) | int16(high)<<8
	}
	return dst
}
