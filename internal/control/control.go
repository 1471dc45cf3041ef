// Package control carries XiaoZhi JSON control messages between the device
// and the server. The server picks the transport during activation: an
// MQTT broker, a websocket endpoint, or both.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/saker-ai/xiaozhi-voice/internal/activation"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish before Connect succeeds or after Close.
var ErrNotConnected = errors.New("control: channel not connected")

// ErrPublishTimeout is returned when the broker does not acknowledge a publish in time.
var ErrPublishTimeout = errors.New("control: publish not acknowledged")

// Handler receives one inbound control message payload.
type Handler func(payload []byte)

// Channel is a bidirectional control message transport.
type Channel interface {
	// Connect establishes the channel and starts delivering inbound
	// messages to h. It returns once the first connection is up.
	Connect(ctx context.Context, h Handler) error
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Config tunes transport selection.
type Config struct {
	// Transport is auto, mqtt or websocket.
	Transport       string
	MQTTPort        int
	QoS             int
	Subscribe       bool
	WebSocketURL    string
	AccessToken     string
	ConnectTimeout  time.Duration
	ProtocolVersion int
	DeviceID        string
	ClientID        string
}

// New builds the channel selected by cfg.Transport from the activation
// result. auto prefers MQTT when the server offers both.
func New(cfg Config, result activation.Result, logger *zap.Logger) (Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))
	if transport == "" {
		transport = "auto"
	}

	wsURL := cfg.WebSocketURL
	wsToken := cfg.AccessToken
	if result.WebSocket != nil {
		if wsURL == "" {
			wsURL = result.WebSocket.URL
		}
		if wsToken == "" {
			wsToken = result.WebSocket.Token
		}
	}

	useMQTT := func() (Channel, error) {
		if result.MQTT == nil {
			return nil, errors.New("control: server offered no mqtt credentials")
		}
		m := result.MQTT
		return NewMQTTChannel(MQTTConfig{
			Endpoint:       m.Endpoint,
			Port:           cfg.MQTTPort,
			ClientID:       m.ClientID,
			Username:       m.Username,
			Password:       m.Password,
			PublishTopic:   m.PublishTopic,
			SubscribeTopic: m.SubscribeTopic,
			Subscribe:      cfg.Subscribe,
			QoS:            byte(cfg.QoS),
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger), nil
	}
	useWebSocket := func() (Channel, error) {
		if wsURL == "" {
			return nil, errors.New("control: no websocket url configured or offered")
		}
		return NewWebSocketChannel(WebSocketConfig{
			URL:             wsURL,
			AccessToken:     wsToken,
			ProtocolVersion: cfg.ProtocolVersion,
			DeviceID:        cfg.DeviceID,
			ClientID:        cfg.ClientID,
			ConnectTimeout:  cfg.ConnectTimeout,
		}, logger), nil
	}

	switch transport {
	case "mqtt":
		return useMQTT()
	case "websocket":
		return useWebSocket()
	case "auto":
		if result.MQTT != nil {
			return useMQTT()
		}
		return useWebSocket()
	default:
		return nil, fmt.Errorf("control: unsupported transport %q", cfg.Transport)
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	return min(delay*2, 30*time.Second)
}
