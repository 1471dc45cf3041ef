// Package activation performs the OTA handshake that registers the device
// and hands out control channel credentials.
package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoInterface is returned by DeviceMAC when no usable NIC exists.
var ErrNoInterface = errors.New("activation: no network interface with a hardware address")

// Config describes the device identity sent to the OTA endpoint.
type Config struct {
	URL          string
	DeviceID     string
	ClientID     string
	BoardType    string
	AppName      string
	AppVersion   string
	Timeout      time.Duration
	PollInterval time.Duration
}

// MQTT holds broker credentials issued by the server.
type MQTT struct {
	Endpoint       string `json:"endpoint"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublishTopic   string `json:"publish_topic"`
	SubscribeTopic string `json:"subscribe_topic"`
}

// WebSocket holds the websocket control endpoint issued by the server.
type WebSocket struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Activation is a pending pairing code the user has to enter.
type Activation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Firmware advertises the latest firmware.
type Firmware struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Result is the OTA response.
type Result struct {
	MQTT       *MQTT       `json:"mqtt,omitempty"`
	WebSocket  *WebSocket  `json:"websocket,omitempty"`
	Activation *Activation `json:"activation,omitempty"`
	Firmware   *Firmware   `json:"firmware,omitempty"`
}

// Activated reports whether the device may open a control channel.
func (r Result) Activated() bool {
	if r.Activation != nil && r.Activation.Code != "" {
		return false
	}
	return r.MQTT != nil || r.WebSocket != nil
}

type application struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	CompileTime string `json:"compile_time"`
	IDFVersion  string `json:"idf_version"`
	ELFSHA256   string `json:"elf_sha256"`
}

type board struct {
	Type string `json:"type"`
	MAC  string `json:"mac"`
}

type identity struct {
	MACAddress          string      `json:"mac_address"`
	UUID                string      `json:"uuid"`
	ChipModelName       string      `json:"chip_model_name"`
	FlashSize           int         `json:"flash_size"`
	MinimumFreeHeapSize int         `json:"minimum_free_heap_size"`
	Application         application `json:"application"`
	Board               board       `json:"board"`
}

// Client talks to the OTA endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient executes the newClient function.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Check posts the identity document once.
func (c *Client) Check(ctx context.Context) (Result, error) {
	body, err := json.Marshal(c.identity())
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("ota request: %w", err)
	}
	req.Header.Set("Device-Id", c.cfg.DeviceID)
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("ota post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("ota read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("ota status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	c.logger.Debug("ota response", zap.ByteString("body", data))

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ota decode: %w", err)
	}
	return result, nil
}

// Await repeats Check until the device is activated or ctx ends. onCode
// is invoked whenever the server returns a pairing code. Request errors
// are logged and retried.
func (c *Client) Await(ctx context.Context, onCode func(Activation)) (Result, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, err := c.Check(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			c.logger.Warn("ota check failed", zap.Error(err))
		case result.Activated():
			c.logger.Info("device activated",
				zap.Bool("mqtt", result.MQTT != nil),
				zap.Bool("websocket", result.WebSocket != nil),
			)
			return result, nil
		case result.Activation != nil:
			c.logger.Info("activation pending", zap.String("code", result.Activation.Code))
			if onCode != nil {
				onCode(*result.Activation)
			}
		default:
			c.logger.Warn("ota response carries no control endpoint")
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) identity() identity {
	return identity{
		MACAddress:          c.cfg.DeviceID,
		UUID:                c.cfg.ClientID,
		ChipModelName:       "esp32s3",
		FlashSize:           16777216,
		MinimumFreeHeapSize: 8318916,
		Application: application{
			Name:        c.cfg.AppName,
			Version:     c.cfg.AppVersion,
			CompileTime: "Jan 22 2025T20:40:23Z",
			IDFVersion:  "v5.3.2-dirty",
			ELFSHA256:   "22986216df095587c42f8aeb06b239781c68ad8df80321e260556da7fcf5f522",
		},
		Board: board{
			Type: c.cfg.BoardType,
			MAC:  c.cfg.DeviceID,
		},
	}
}

// DeviceMAC returns the hardware address of the first up, non-loopback
// interface in aa:bb:cc:dd:ee:ff form.
func DeviceMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	return pickMAC(ifaces)
}

func pickMAC(ifaces []net.Interface) (string, error) {
	var fallback string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			return strings.ToLower(iface.HardwareAddr.String()), nil
		}
		if fallback == "" {
			fallback = strings.ToLower(iface.HardwareAddr.String())
		}
	}
	if fallback == "" {
		return "", ErrNoInterface
	}
	return fallback, nil
}
