package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed reports a payload that is not a JSON object with a type.
	ErrMalformed = errors.New("protocol: malformed control message")
	// ErrUnknownType reports a well-formed message of an unsupported type.
	ErrUnknownType = errors.New("protocol: unknown control message type")
)

// Type is the discriminator carried in every control message.
type Type string

const (
	TypeHello   Type = "hello"
	TypeListen  Type = "listen"
	TypeTTS     Type = "tts"
	TypeASR     Type = "asr"
	TypeSTT     Type = "stt"
	TypeLLM     Type = "llm"
	TypeGoodbye Type = "goodbye"
	TypeAbort   Type = "abort"
)

// ListenState is the state field of a listen message.
type ListenState string

const (
	ListenStart  ListenState = "start"
	ListenStop   ListenState = "stop"
	ListenDetect ListenState = "detect"
)

// TTSState is the state field of a tts message.
type TTSState string

const (
	TTSStart         TTSState = "start"
	TTSStop          TTSState = "stop"
	TTSSentenceStart TTSState = "sentence_start"
	TTSSentenceEnd   TTSState = "sentence_end"
)

// Message is one of Hello, Listen, TTS, ASR, LLM, Goodbye or Abort.
type Message interface {
	Kind() Type
	Session() string
	stamp()
}

// AudioParams describes one direction of the audio stream.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// UDP is the data-plane block of a hello response.
type UDP struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption,omitempty"`
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

// Hello is sent by the device to request a session and echoed back by the
// server with the session id and the udp block.
type Hello struct {
	Type        Type         `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	UDP         *UDP         `json:"udp,omitempty"`
}

// Listen starts or stops device listening.
type Listen struct {
	Type      Type        `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	State     ListenState `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Text      string      `json:"text,omitempty"`
}

// TTS reports remote speech playback progress.
type TTS struct {
	Type      Type     `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	State     TTSState `json:"state"`
	Text      string   `json:"text,omitempty"`
}

// ASR carries recognised user speech. Servers send it as "asr" or "stt".
type ASR struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// LLM carries the assistant emotion.
type LLM struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Goodbye closes a session.
type Goodbye struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// Abort interrupts remote speech.
type Abort struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (*Hello) Kind() Type   { return TypeHello }
func (*Listen) Kind() Type  { return TypeListen }
func (*TTS) Kind() Type     { return TypeTTS }
func (*ASR) Kind() Type     { return TypeASR }
func (*LLM) Kind() Type     { return TypeLLM }
func (*Goodbye) Kind() Type { return TypeGoodbye }
func (*Abort) Kind() Type   { return TypeAbort }

func (m *Hello) Session() string   { return m.SessionID }
func (m *Listen) Session() string  { return m.SessionID }
func (m *TTS) Session() string     { return m.SessionID }
func (m *ASR) Session() string     { return m.SessionID }
func (m *LLM) Session() string     { return m.SessionID }
func (m *Goodbye) Session() string { return m.SessionID }
func (m *Abort) Session() string   { return m.SessionID }

func (m *Hello) stamp()   { m.Type = TypeHello }
func (m *Listen) stamp()  { m.Type = TypeListen }
func (m *TTS) stamp()     { m.Type = TypeTTS }
func (m *LLM) stamp()     { m.Type = TypeLLM }
func (m *Goodbye) stamp() { m.Type = TypeGoodbye }
func (m *Abort) stamp()   { m.Type = TypeAbort }

func (m *ASR) stamp() {
	if m.Type != TypeSTT {
		m.Type = TypeASR
	}
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one control message. The result is always a pointer to
// one of the message structs.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var msg Message
	switch env.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeListen:
		msg = &Listen{}
	case TypeTTS:
		msg = &TTS{}
	case TypeASR, TypeSTT:
		msg = &ASR{}
	case TypeLLM:
		msg = &LLM{}
	case TypeGoodbye:
		msg = &Goodbye{}
	case TypeAbort:
		msg = &Abort{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// Encode serializes m with its type field set.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	m.stamp()
	return json.Marshal(m)
}
