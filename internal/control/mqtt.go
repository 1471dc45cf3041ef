package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig represents the broker credentials and topics.
type MQTTConfig struct {
	Endpoint       string
	Port           int
	ClientID       string
	Username       string
	Password       string
	PublishTopic   string
	SubscribeTopic string
	Subscribe      bool
	QoS            byte
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
}

// MQTTChannel publishes to the device topic and receives on the client's
// private topic.
type MQTTChannel struct {
	cfg    MQTTConfig
	logger *zap.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTChannel executes the newMQTTChannel function.
func NewMQTTChannel(cfg MQTTConfig, logger *zap.Logger) *MQTTChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port <= 0 {
		cfg.Port = 8883
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTTChannel{cfg: cfg, logger: logger}
}

// Connect executes the connect method.
func (c *MQTTChannel) Connect(ctx context.Context, h Handler) error {
	broker, err := brokerURL(c.cfg.Endpoint, c.cfg.Port)
	if err != nil {
		return err
	}
	opts := c.clientOptions(broker, h)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-token.Done():
	case <-time.After(c.cfg.ConnectTimeout):
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: timeout after %s", broker, c.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", broker, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// clientOptions runs inbound handlers outside paho's router goroutine so a
// handler that publishes cannot stall acknowledgement processing.
func (c *MQTTChannel) clientOptions(broker string, h Handler) *mqtt.ClientOptions {
	tlsConfig := c.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	deliver := func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Payload())
	}

	return mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetTLSConfig(tlsConfig).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(60 * time.Second).
		SetOrderMatters(false).
		SetDefaultPublishHandler(deliver).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.logger.Info("mqtt connected", zap.String("broker", broker), zap.String("client_id", c.cfg.ClientID))
			if !c.cfg.Subscribe || !subscribable(c.cfg.SubscribeTopic) {
				return
			}
			token := client.Subscribe(c.cfg.SubscribeTopic, c.cfg.QoS, deliver)
			go func() {
				if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
					c.logger.Warn("mqtt subscribe failed", zap.String("topic", c.cfg.SubscribeTopic), zap.Error(token.Error()))
				}
			}()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("mqtt connection lost", zap.Error(err))
		})
}

// Publish sends payload to the device topic and waits for the broker
// acknowledgement at most ConnectTimeout.
func (c *MQTTChannel) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Publish(c.cfg.PublishTopic, c.cfg.QoS, false, payload)
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt publish %s: %w", c.cfg.PublishTopic, ErrPublishTimeout)
	}
}

// Close executes the close method.
func (c *MQTTChannel) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(250)
	return nil
}

// brokerURL builds ssl://host:port. An endpoint carrying its own port or
// scheme wins over the configured port.
func brokerURL(endpoint string, port int) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("mqtt: empty endpoint")
	}
	if strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	host := endpoint
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return "ssl://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func subscribable(topic string) bool {
	topic = strings.TrimSpace(topic)
	return topic != "" && topic != "null"
}
