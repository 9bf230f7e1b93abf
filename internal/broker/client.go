package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Client errors.
var (
	// ErrBrokerDown is returned when the broker cannot be reached. Callers
	// treat it as a denial.
	ErrBrokerDown = errors.New("broker: unreachable")

	// ErrRequestTimeout is returned when the broker does not answer in time.
	ErrRequestTimeout = errors.New("broker: request timed out")
)

// DefaultRequestTimeout bounds one request, prompts included.
const DefaultRequestTimeout = 5 * time.Minute

// Client talks to one broker connection.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *slog.Logger

	// callMu keeps one request outstanding at a time.
	callMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	closed  bool
	done    chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// Dial connects to a broker's IPC endpoint, such as ws://127.0.0.1:PORT/ipc.
func Dial(ctx context.Context, url, token string, opts ...ClientOption) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerDown, err)
	}

	c := &Client{
		conn:    conn,
		timeout: DefaultRequestTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.failAll(err)
			return
		}
		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("undecodable broker message", "error", err)
			continue
		}
		resp, ok := msg.(Response)
		if !ok {
			c.logger.Warn("unexpected broker message", "id", msg.MessageID())
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown id", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// failAll marks the client closed and fails every pending request.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- Response{ID: id, lost: true}
		delete(c.pending, id)
	}
	close(c.done)
	c.logger.Debug("broker connection lost", "error", err)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// RequestAccess sends a Request and reports whether it was granted.
func (c *Client) RequestAccess(ctx context.Context, req Request) (bool, error) {
	return c.call(ctx, func(id uint64) Message {
		req.ID = id
		return req
	})
}

// CheckAccess sends a Check and reports whether a grant exists.
func (c *Client) CheckAccess(ctx context.Context, pluginPath string) (bool, error) {
	return c.call(ctx, func(id uint64) Message {
		return Check{ID: id, PluginPath: pluginPath}
	})
}

func (c *Client) call(ctx context.Context, build func(id uint64) Message) (bool, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrBrokerDown
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := build(id)
	if err := wsjson.Write(ctx, c.conn, msg.envelope()); err != nil {
		c.forget(id)
		return false, fmt.Errorf("%w: %v", ErrBrokerDown, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.lost {
			return false, ErrBrokerDown
		}
		return resp.Granted, nil
	case <-timer.C:
		c.forget(id)
		return false, ErrRequestTimeout
	case <-ctx.Done():
		c.forget(id)
		return false, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Close closes the connection. Pending requests fail.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
