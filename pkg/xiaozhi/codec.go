package xiaozhi

import (
	"fmt"
	"strings"

	"github.com/saker-ai/xiaozhi-voice/pkg/audio"
)

// FrameEncoder compresses one PCM16 frame.
type FrameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
	Close() error
}

// FrameDecoder expands one packet into PCM16.
type FrameDecoder interface {
	Decode(packet []byte) ([]byte, error)
	Close() error
}

// Codec builds encoders and decoders for a session's audio params.
type Codec interface {
	NewEncoder(AudioParams) (FrameEncoder, error)
	NewDecoder(AudioParams) (FrameDecoder, error)
}

// OpusCodec is the default Codec.
type OpusCodec struct {
	Options audio.OpusOptions
}

// NewEncoder takes an encoder from the shared pool.
func (c OpusCodec) NewEncoder(p AudioParams) (FrameEncoder, error) {
	if err := checkOpus(p); err != nil {
		return nil, err
	}
	enc, err := audio.AcquireOpusEncoder(p.SampleRate, p.Channels, p.FrameDuration, c.Options)
	if err != nil {
		return nil, err
	}
	return pooledEncoder{enc}, nil
}

func (c OpusCodec) NewDecoder(p AudioParams) (FrameDecoder, error) {
	if err := checkOpus(p); err != nil {
		return nil, err
	}
	return audio.NewOpusDecoder(p.SampleRate, p.Channels)
}

func checkOpus(p AudioParams) error {
	if p.Format != "" && !strings.EqualFold(p.Format, "opus") {
		return fmt.Errorf("xiaozhi: unsupported audio format %q", p.Format)
	}
	return nil
}

type pooledEncoder struct {
	*audio.OpusEncoder
}

func (e pooledEncoder) Close() error {
	audio.ReleaseOpusEncoder(e.OpusEncoder)
	return nil
}
