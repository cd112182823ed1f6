// Package conn owns the mapping from device identity to its live websocket
// transport. It is the single source of truth for "is this device currently
// reachable".
package conn

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const writeWait = 5 * time.Second

var ErrConnClosed = errors.New("device connection closed")

// Socket is the subset of *websocket.Conn the registry needs. Tests substitute
// fakes; production code always passes the gorilla connection.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DeviceConn wraps one device's websocket with a write mutex. gorilla/websocket
// permits at most one concurrent writer, and frames for a device can originate
// from its own read loop, the admin link and timer sweeps simultaneously.
type DeviceConn struct {
	DeviceID string

	mu     sync.Mutex
	sock   Socket
	closed bool
}

func NewDeviceConn(deviceID string, sock Socket) *DeviceConn {
	return &DeviceConn{DeviceID: deviceID, sock: sock}
}

// SendJSON marshals v and writes it as a single text frame.
func (c *DeviceConn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw writes a pre-encoded frame verbatim.
func (c *DeviceConn) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears down the socket. Safe to call multiple
// times; only the first call does anything.
func (c *DeviceConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	if err := c.sock.Close(); err != nil {
		logger.Warn().Str("device", c.DeviceID).Err(err).Msg("error closing device socket")
	}
}

func (c *DeviceConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
