package relay

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/hubenchang0515/todo/internal/transport"
)

// ClientConfig configures a relay transport.
type ClientConfig struct {
	// URL of the relay, e.g. "ws://localhost:8787".
	URL string

	// ID requests a specific identity. Empty lets the relay assign one.
	ID string

	// Logger for transport activity (default: no-op).
	Logger *zap.Logger
}

// Client is a transport.Transport backed by a relay server.
type Client struct {
	base   *url.URL
	want   string
	logger *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	incoming chan Frame

	mu       sync.Mutex
	id       string
	control  *websocket.Conn
	ctlErr   error
	closed   bool
	channels map[*Channel]struct{}
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a relay transport. No connection is made until
// Identity is called.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url %q: %w", cfg.URL, err)
	}
	switch base.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", base.Scheme)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:     base,
		want:     cfg.ID,
		logger:   logger.Named("relay-client"),
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan Frame, 16),
		channels: make(map[*Channel]struct{}),
	}, nil
}

// Factory returns a transport.Factory dialing the relay at rawURL.
func Factory(rawURL string, logger *zap.Logger) transport.Factory {
	return func(context.Context) (transport.Transport, error) {
		return NewClient(ClientConfig{URL: rawURL, Logger: logger})
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Identity opens the control socket and waits for the assigned identity.
func (c *Client) Identity(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", transport.ErrClosed
	}
	if c.id != "" {
		id := c.id
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	if c.want != "" {
		q.Set("id", c.want)
	}
	conn, err := dial(ctx, c.endpoint("/peer", q))
	if err != nil {
		return "", fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, err)
	}

	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		conn.CloseNow()
		return "", fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, err)
	}
	if f.Type != FrameID || f.ID == "" {
		_ = conn.Close(websocket.StatusProtocolError, "expected identity")
		return "", fmt.Errorf("%w: unexpected %q frame", transport.ErrIdentityUnavailable, f.Type)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.CloseNow()
		return "", transport.ErrClosed
	}
	c.id = f.ID
	c.control = conn
	c.mu.Unlock()

	go c.readControl(conn)

	c.logger.Info("identity assigned", zap.String("id", f.ID))
	return f.ID, nil
}

// readControl queues announcements until the control socket drops.
func (c *Client) readControl(conn *websocket.Conn) {
	var err error
	defer func() {
		c.mu.Lock()
		if c.ctlErr == nil {
			c.ctlErr = err
		}
		c.mu.Unlock()
		close(c.incoming)
	}()

	for {
		var f Frame
		if err = wsjson.Read(c.ctx, conn, &f); err != nil {
			return
		}
		if f.Type != FrameIncoming {
			c.logger.Debug("ignoring control frame", zap.String("type", string(f.Type)))
			continue
		}
		select {
		case c.incoming <- f:
		case <-c.ctx.Done():
			err = c.ctx.Err()
			return
		}
	}
}

// Connect opens a relayed channel to remote.
func (c *Client) Connect(ctx context.Context, remote string) (transport.Channel, error) {
	c.mu.Lock()
	id, closed := c.id, c.closed
	c.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	conn, err := dial(ctx, c.endpoint("/connect", url.Values{"from": {id}, "to": {remote}}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}
	if err := awaitOpen(ctx, conn); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}
	ch, err := c.track(conn, remote)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Accept waits for an announced guest and attaches to its pairing.
// Pairings that vanish before the host attaches are skipped.
func (c *Client) Accept(ctx context.Context) (transport.Channel, error) {
	for {
		var f Frame
		var ok bool
		select {
		case f, ok = <-c.incoming:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			return nil, c.controlErr()
		}

		conn, err := dial(ctx, c.endpoint("/accept", url.Values{"conn": {f.Conn}}))
		if err != nil {
			c.logger.Warn("failed to accept pairing", zap.String("from", f.From), zap.Error(err))
			continue
		}
		if err := awaitOpen(ctx, conn); err != nil {
			conn.CloseNow()
			c.logger.Warn("pairing did not open", zap.String("from", f.From), zap.Error(err))
			continue
		}
		ch, err := c.track(conn, f.From)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

func (c *Client) controlErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.id == "" {
		return fmt.Errorf("%w: no identity", transport.ErrChannel)
	}
	return fmt.Errorf("%w: relay connection lost: %v", transport.ErrChannel, c.ctlErr)
}

func awaitOpen(ctx context.Context, conn *websocket.Conn) error {
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		return err
	}
	if f.Type != FrameOpen {
		return fmt.Errorf("unexpected %q frame", f.Type)
	}
	return nil
}

func (c *Client) track(conn *websocket.Conn, remote string) (*Channel, error) {
	ch := &Channel{conn: conn, remote: remote, owner: c}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.CloseNow()
		return nil, transport.ErrClosed
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Client) untrack(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, ch)
}

// Close drops the identity and every open channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	control := c.control
	channels := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close(false)
	}
	c.cancel()
	if control != nil {
		_ = control.Close(websocket.StatusNormalClosure, "")
	} else {
		close(c.incoming)
	}
	return nil
}

// Channel is a relayed data socket.
type Channel struct {
	conn   *websocket.Conn
	remote string
	owner  *Client
	once   sync.Once
}

var _ transport.Channel = (*Channel)(nil)

// Remote returns the peer identity.
func (ch *Channel) Remote() string {
	return ch.remote
}

// Send writes payload as one binary message.
func (ch *Channel) Send(ctx context.Context, payload []byte) error {
	if err := ch.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrChannel, err)
	}
	return nil
}

// Receive reads the next binary message.
func (ch *Channel) Receive(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := ch.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %w", transport.ErrChannel, err)
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

// Close closes the data socket, with a close handshake when flush is set.
// Closing a socket the relay already closed is not an error.
func (ch *Channel) Close(flush bool) error {
	ch.once.Do(func() {
		ch.owner.untrack(ch)
		var err error
		if flush {
			err = ch.conn.Close(websocket.StatusNormalClosure, "")
		} else {
			err = ch.conn.CloseNow()
		}
		if err != nil {
			ch.owner.logger.Debug("channel close", zap.String("remote", ch.remote), zap.Error(err))
		}
	})
	return nil
}
