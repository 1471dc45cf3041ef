package xiaozhi

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/saker-ai/xiaozhi-voice/internal/aesctr"
	"github.com/saker-ai/xiaozhi-voice/internal/protocol"
)

// Session is the immutable record of one negotiated streaming session.
// A new hello produces a new Session; fields are never mutated in place.
type Session struct {
	ID     string
	Epoch  uint64
	Server string
	Port   int
	// AudioParams drive all frame math in both directions.
	AudioParams AudioParams
	Nonce       aesctr.Nonce
	cipher      *aesctr.Cipher
}

// Endpoint returns host:port of the udp peer.
func (s *Session) Endpoint() string {
	return net.JoinHostPort(s.Server, strconv.Itoa(s.Port))
}

func newSession(hello *protocol.Hello, requested AudioParams, epoch uint64) (*Session, error) {
	if hello.SessionID == "" {
		return nil, fmt.Errorf("%w: hello without session_id", protocol.ErrMalformed)
	}
	udp := hello.UDP
	if udp == nil {
		return nil, fmt.Errorf("%w: hello without udp block", protocol.ErrMalformed)
	}
	if udp.Server == "" || udp.Port <= 0 || udp.Port > 65535 {
		return nil, fmt.Errorf("%w: udp endpoint %q:%d", protocol.ErrMalformed, udp.Server, udp.Port)
	}
	key, err := aesctr.ParseKey(udp.Key)
	if err != nil {
		return nil, err
	}
	nonce, err := aesctr.ParseNonce(udp.Nonce)
	if err != nil {
		return nil, err
	}
	cipher, err := aesctr.NewCipher(key)
	if err != nil {
		return nil, err
	}

	var params AudioParams
	if hello.AudioParams != nil {
		params = AudioParams{
			Format:        hello.AudioParams.Format,
			SampleRate:    hello.AudioParams.SampleRate,
			Channels:      hello.AudioParams.Channels,
			FrameDuration: hello.AudioParams.FrameDuration,
		}
	}
	params = params.withDefaults(requested)
	if params.Channels != 1 {
		return nil, fmt.Errorf("%w: %d audio channels, only mono is supported", protocol.ErrMalformed, params.Channels)
	}
	if params.FrameSamples() <= 0 {
		return nil, errors.New("xiaozhi: hello audio params yield an empty frame")
	}

	return &Session{
		ID:          hello.SessionID,
		Epoch:       epoch,
		Server:      udp.Server,
		Port:        udp.Port,
		AudioParams: params,
		Nonce:       nonce,
		cipher:      cipher,
	}, nil
}
