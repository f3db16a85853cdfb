package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the message transport under a Session.
type Conn interface {
	// Dial establishes the connection.
	Dial(ctx context.Context) error

	// Send writes one text message. Safe for concurrent use.
	Send(data []byte) error

	// Read blocks for the next message. A zero deadline waits indefinitely.
	// Only one goroutine may read at a time.
	Read(deadline time.Time) ([]byte, error)

	// Close closes the connection, sending a close frame best-effort.
	Close() error
}

// wsConn implements Conn over gorilla/websocket.
type wsConn struct {
	cfg    Config
	logger *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
}

// NewConn creates a WebSocket transport for cfg.URL.
func NewConn(cfg Config, logger *slog.Logger) Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsConn{cfg: cfg, logger: logger}
}

// Dial establishes the WebSocket connection.
func (c *wsConn) Dial(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// Send writes raw bytes to the connection.
func (c *wsConn) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Read returns the next data message.
func (c *wsConn) Read(deadline time.Time) ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	return data, err
}

// Close gracefully closes the connection.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	// WriteControl may run concurrently with WriteMessage.
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return conn.Close()
}
