package audio

import (
	"fmt"
	"sync"

	"github.com/saker-ai/xiaozhi-voice/pkg/audio/opusx"
)

// maxFrameMs bounds a single opus packet duration.
const maxFrameMs = 120

// OpusDecoder turns opus packets into little-endian PCM16.
type OpusDecoder struct {
	decoder    *opusx.Decoder
	sampleRate int
	channels   int
	pcm        []int16
	mutex      sync.Mutex
}

// NewOpusDecoder executes the newOpusDecoder function.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("opus decoder: invalid params rate=%d channels=%d", sampleRate, channels)
	}
	dec, err := opusx.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{
		decoder:    dec,
		sampleRate: sampleRate,
		channels:   channels,
		pcm:        make([]int16, sampleRate*maxFrameMs/1000*channels),
	}, nil
}

// Decode decodes a single packet.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.decoder == nil {
		return nil, fmt.Errorf("opus decode: decoder closed")
	}
	n, err := d.decoder.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return Int16SliceToBytesInto(nil, d.pcm[:n*d.channels]), nil
}

// Close executes the close method.
func (d *OpusDecoder) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.decoder = nil
	d.pcm = nil
	return nil
}
