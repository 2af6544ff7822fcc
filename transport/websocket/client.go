// Package websocket is a Transport over the realtime websocket endpoint.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/shared"
	gws "github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"
)

const DefaultURL = "wss://api.openai.com/v1/realtime"

type Config struct {
	URL    string
	APIKey string
	Model  string
	// Beta adds the "OpenAI-Beta: realtime=v1" header.
	Beta bool
	// Session and Tools, when set, are sent as a session.update right after
	// connecting.
	Session          *realtime.RealtimeSessionCreateRequestParam
	Tools            []map[string]any
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write. Zero disables the deadline.
	WriteTimeout time.Duration
}

// Client is a realtime Transport over a single websocket connection. Writes
// are serialised; inbound events are decoded on one read goroutine.
type Client struct {
	logger shared.LoggerAdapter
	cfg    Config
	url    *url.URL
	dialer *gws.Dialer

	mu      sync.Mutex
	conn    *gws.Conn
	eh      assistant.EventHandler
	running bool
	closed  bool

	writeMu sync.Mutex // protects writes

	done     chan struct{}
	doneOnce sync.Once
}

var _ assistant.Transport = (*Client)(nil)

func NewClient(logger shared.LoggerAdapter, cfg Config) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported websocket scheme: %q", u.Scheme)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		logger: logger.With(zap.String("component", "websocket")),
		cfg:    cfg,
		url:    u,
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		done: make(chan struct{}),
	}, nil
}

func (c *Client) RegisterEventHandler(handler assistant.EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return shared.ErrNoEventHandler
	}
	c.eh = handler
	return nil
}

// Connect dials the endpoint, sends the configured session.update and starts
// the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrSessionClosed
	}
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh == nil {
		return shared.ErrNoEventHandler
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Beta {
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	c.logger.Info("dialing realtime endpoint", zap.String("url", c.url.Redacted()))
	conn, resp, err := c.dialer.DialContext(ctx, c.url.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: %w (status %d)", c.url.Host, err, resp.StatusCode)
		}
		return fmt.Errorf("dialing %s: %w", c.url.Host, err)
	}
	c.conn = conn
	c.running = true

	if c.cfg.Session != nil || len(c.cfg.Tools) > 0 {
		session, err := assistant.SessionPayload(c.cfg.Session, c.cfg.Tools)
		if err != nil {
			c.teardown()
			return err
		}
		if err := c.write(conn, assistant.NewSessionUpdate(session)); err != nil {
			c.teardown()
			return fmt.Errorf("sending session.update: %w", err)
		}
	}

	go c.readLoop(conn)
	c.logger.Info("connected")
	return nil
}

func (c *Client) readLoop(conn *gws.Conn) {
	defer c.finish()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				c.logger.Debug("read loop finished", zap.Error(err))
			} else {
				c.logger.Error("reading from websocket", err)
			}
			return
		}
		if mt != gws.TextMessage {
			c.logger.Warn("received non-text message on websocket")
			continue
		}
		event := new(assistant.ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			c.logger.Error(
				"can not unmarshal event",
				err,
				zap.ByteString("data", data),
			)
			continue
		}
		c.eh(event)
	}
}

// Send writes one event. It is safe for concurrent callers.
func (c *Client) Send(event *assistant.ClientEvent) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return shared.ErrNotConnected
	}
	return c.write(conn, event)
}

func (c *Client) write(conn *gws.Conn, event *assistant.ClientEvent) error {
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", event.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(gws.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", event.Type, err)
	}
	return nil
}

// Close sends a normal close frame and drops the connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.finish()
		return nil
	}
	c.writeMu.Lock()
	msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "")
	werr := conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, gws.ErrCloseSent) {
		c.logger.Debug("writing close frame", zap.Error(werr))
	}
	return cerr
}

// teardown drops a half-initialised connection. c.mu must be held.
func (c *Client) teardown() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.running = false
}

func (c *Client) finish() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once the connection has ended, remotely or through Close.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
