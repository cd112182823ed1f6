// Package admin maintains the single outbound websocket to the web admin
// backend. The link is supervised: it dials, serves until the transport fails,
// then redials after a fixed delay, forever. Consumers see the link as an
// always-present sender that is sometimes closed.
package admin

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remctl/gateway/internal"
	"github.com/remctl/gateway/wire"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrNotConnected = errors.New("admin link not connected")

const (
	writeWait   = 5 * time.Second
	dialTimeout = 10 * time.Second
)

// Dispatcher receives every well-formed frame read off the admin link. Unknown
// kinds never reach it.
type Dispatcher interface {
	DispatchUpstream(ctx context.Context, frame wire.Frame)
}

// Client is the supervised admin link.
type Client struct {
	url            string
	dispatcher     Dispatcher
	reconnectDelay time.Duration
	dialer         *websocket.Dialer

	mu   sync.Mutex
	ws   *websocket.Conn
	open bool
}

func NewClient(url string, dispatcher Dispatcher, reconnectDelay time.Duration) *Client {
	return &Client{
		url:            url,
		dispatcher:     dispatcher,
		reconnectDelay: reconnectDelay,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
	}
}

// SetDispatcher installs the frame dispatcher. The client and its dispatcher
// reference each other, so one of them has to be wired after construction; call
// this before Run.
func (c *Client) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Run dials and serves the link until ctx is cancelled. Every transport failure,
// dial errors included, is followed by one fixed reconnect delay; there is no
// backoff and no retry budget. Blocks; run on its own goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.dialAndServe(ctx); err != nil {
			logger.Warn().Str("url", c.url).Err(err).Msg("admin link down, reconnecting")
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) dialAndServe(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	logger.Info().Str("url", c.url).Msg("admin link established")

	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	err = c.readLoop(ctx, ws)

	c.mu.Lock()
	c.open = false
	c.ws = nil
	c.mu.Unlock()
	ws.Close()
	return err
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.ParseFrame(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed frame from admin link")
			continue
		}
		if frame.Kind == wire.KindUnknown {
			logger.Warn().Str("type", frame.Type).Msg("ignoring unknown frame type from admin link")
			continue
		}
		c.dispatcher.DispatchUpstream(ctx, frame)
	}
}

// IsOpen reports whether the link currently has a live transport. Inherently
// racy: the link can drop between this check and a Send, so callers must still
// handle a Send error.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send marshals v and writes it as one text frame. Returns ErrNotConnected when
// the link is down; a write failure tears the transport down so the supervisor
// redials.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		// fail the transport now rather than waiting for the read loop
		c.open = false
		c.ws.Close()
		return err
	}
	return nil
}
