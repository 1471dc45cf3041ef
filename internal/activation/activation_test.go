package activation

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckSendsIdentity(t *testing.T) {
	var (
		got    identity
		header http.Header
		method string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"mqtt":{"endpoint":"mqtt.example.com","client_id":"GID@@@aa","username":"u","password":"p","publish_topic":"device-server","subscribe_topic":"null"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, DeviceID: "aa:bb:cc:dd:ee:ff", ClientID: "client-1", AppName: "xiaozhi-voice", AppVersion: "0.9.9", BoardType: "raspberry-pi"}, nil)
	result, err := c.Check(context.Background())
	require.NoError(t, err)
	require.True(t, result.Activated())
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", header.Get("Device-Id"))
	require.Equal(t, "client-1", header.Get("Client-Id"))
	require.Equal(t, "device-server", result.MQTT.PublishTopic)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", got.MACAddress)
	require.Equal(t, "xiaozhi-voice", got.Application.Name)
	require.Equal(t, "raspberry-pi", got.Board.Type)
}

func TestCheckStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(Config{URL: srv.URL}, nil).Check(context.Background())
	require.Error(t, err)
}

func TestAwaitReportsCodeThenActivates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"activation":{"code":"123456","message":"enter code"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"websocket":{"url":"wss://example.com/xiaozhi/v1/","token":"t"}}`))
	}))
	defer srv.Close()

	var codes []string
	c := NewClient(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond}, nil)
	result, err := c.Await(context.Background(), func(a Activation) { codes = append(codes, a.Code) })
	require.NoError(t, err)
	require.NotNil(t, result.WebSocket)
	require.Equal(t, []string{"123456", "123456"}, codes)
}

func TestAwaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"activation":{"code":"1"}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond}, nil).Await(ctx, nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "err=%v", err)
}

func TestPickMAC(t *testing.T) {
	lo := net.Interface{Name: "lo", Flags: net.FlagLoopback | net.FlagUp, HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 0}}
	down := net.Interface{Name: "wlan0", HardwareAddr: net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0, 1}}
	up := net.Interface{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0xA8, 0x47, 0xCB, 0xEC, 0xAA, 0x01}}

	mac, err := pickMAC([]net.Interface{lo, down, up})
	require.NoError(t, err)
	require.Equal(t, "a8:47:cb:ec:aa:01", mac)

	mac, err = pickMAC([]net.Interface{lo, down})
	require.NoError(t, err)
	require.Equal(t, "de:ad:be:ef:00:01", mac)

	_, err = pickMAC([]net.Interface{lo})
	require.ErrorIs(t, err, ErrNoInterface)
}
