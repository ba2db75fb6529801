package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	pkgLogger "github.com/fpt/clawlink/pkg/logger"
)

// ErrNotConnected is returned by Emit before the channel has dialed or
// after it has closed.
var ErrNotConnected = errors.New("relay channel is not connected")

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultPongWait         = 70 * time.Second
	writeWait               = 10 * time.Second
)

// FrameHandler consumes inbound frames. Called from the read goroutine.
type FrameHandler func(Frame)

// ChannelConfig configures the websocket connection to the relay server.
type ChannelConfig struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	PongWait     time.Duration
}

// WebSocketChannel is the duplex push channel to the relay server. The
// transport provides no request/response pairing; it only moves frames.
type WebSocketChannel struct {
	cfg     ChannelConfig
	onFrame FrameHandler
	logger  *pkgLogger.Logger

	mu      sync.Mutex // guards conn pointer
	writeMu sync.Mutex // serializes writes to the socket
	conn    *websocket.Conn
}

// NewWebSocketChannel creates an unconnected channel. Start dials it.
func NewWebSocketChannel(cfg ChannelConfig, onFrame FrameHandler, log *pkgLogger.Logger) *WebSocketChannel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if log == nil {
		log = pkgLogger.Default
	}
	return &WebSocketChannel{
		cfg:     cfg,
		onFrame: onFrame,
		logger:  log.WithComponent("transport"),
	}
}

// Start dials the relay and pumps inbound frames until ctx is cancelled or
// the connection fails. Blocks, adapter-style.
func (c *WebSocketChannel) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return errors.Wrapf(err, "dial relay %s", c.cfg.URL)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Info("Connected to relay", "url", c.cfg.URL)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read relay frame")
		}
		c.onFrame(frame)
	}
}

// pingLoop keeps the connection alive; the pong handler extends the read
// deadline.
func (c *WebSocketChannel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// Emit sends one JSON value on the channel.
func (c *WebSocketChannel) Emit(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Wrap(conn.WriteJSON(v), "write relay frame")
}

// Close tears down the connection, unblocking Start.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
