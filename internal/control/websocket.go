package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig represents the websocket endpoint and identity headers.
type WebSocketConfig struct {
	URL             string
	AccessToken     string
	ProtocolVersion int
	DeviceID        string
	ClientID        string
	ConnectTimeout  time.Duration
}

// WebSocketChannel carries control messages as text frames and reconnects
// with exponential backoff. Binary frames are ignored; audio travels over
// the udp association.
type WebSocketChannel struct {
	cfg    WebSocketConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWebSocketChannel executes the newWebSocketChannel function.
func NewWebSocketChannel(cfg WebSocketConfig, logger *zap.Logger) *WebSocketChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &WebSocketChannel{cfg: cfg, logger: logger}
}

// Connect dials once synchronously, then keeps the connection alive in
// the background until Close.
func (c *WebSocketChannel) Connect(ctx context.Context, h Handler) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dial(dialCtx)
	cancelDial()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.logger.Info("websocket connected", zap.String("url", c.cfg.URL))
	go c.run(runCtx, conn, h, done)
	return nil
}

func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Protocol-Version", strconv.Itoa(c.cfg.ProtocolVersion))
	headers.Set("Client-Id", c.cfg.ClientID)
	headers.Set("Device-Id", c.cfg.DeviceID)
	if c.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	return conn, nil
}

func (c *WebSocketChannel) run(ctx context.Context, conn *websocket.Conn, h Handler, done chan struct{}) {
	defer close(done)
	delay := time.Second
	for {
		err := c.readLoop(conn, h)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("websocket connection lost", zap.Error(err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
			conn, err = c.dial(dialCtx)
			cancel()
			if err == nil {
				break
			}
			c.logger.Warn("websocket reconnect failed", zap.Duration("retry_in", delay), zap.Error(err))
			delay = nextBackoff(delay)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("websocket reconnected", zap.String("url", c.cfg.URL))
		delay = time.Second
	}
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn, h Handler) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			return err
		}
		if msgType == websocket.TextMessage {
			h(data)
		}
	}
}

// Publish writes payload as one text frame.
func (c *WebSocketChannel) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close executes the close method.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
