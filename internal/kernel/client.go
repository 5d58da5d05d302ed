// Package kernel implements the asynchronous request/reply client for the
// kernel message protocol over one WebSocket transport.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cgpu-dev/cgpu/pkg/protocol"
)

// DefaultExecuteTimeout bounds one Execute call when no timeout is given.
const DefaultExecuteTimeout = 5 * time.Minute

// kernelInfoTimeout bounds KernelInfo; the call doubles as a cheap
// keep-alive probe, so it must fail fast.
const kernelInfoTimeout = 10 * time.Second

var (
	// ErrTimeout means no terminal reply arrived in time. The request is
	// abandoned: no interrupt is sent and a late reply goes unhandled.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed means the transport went away while a request was
	// in flight.
	ErrConnectionClosed = errors.New("connection closed")
)

// ExecuteOptions adjusts one Execute call.
type ExecuteOptions struct {
	Timeout time.Duration // 0 means DefaultExecuteTimeout
	Silent  bool
}

// Options configures a Client.
type Options struct {
	// OnError receives transport-level errors observed by the read pump.
	OnError func(error)
	// HandshakeTimeout bounds the WebSocket dial. 0 means 10s.
	HandshakeTimeout time.Duration
}

// Client turns one WebSocket connection to a kernel's channels endpoint into
// correlated async operations. Replies and streaming events are matched to
// requests by parent_header.msg_id through an explicit handler registry;
// handlers are deregistered deterministically on completion or timeout.
type Client struct {
	wsURL   string
	session string
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	queue     []*protocol.Message    // outbound messages held while disconnected
	pending   map[string]*pendingReq // msg_id → in-flight request
}

type pendingReq struct {
	handle func(*protocol.Message)
	fail   chan error
}

// NewClient builds a client for one kernel's channels endpoint:
// <proxyURL>/api/kernels/<kernelID>/channels?token=<proxyToken>.
func NewClient(proxyURL, kernelID, proxyToken string, opts Options, logger *slog.Logger) *Client {
	return &Client{
		wsURL:   channelsURL(proxyURL, kernelID, proxyToken),
		session: uuid.NewString(),
		opts:    opts,
		logger:  logger.With("component", "kernel-client", "kernel_id", kernelID),
		pending: make(map[string]*pendingReq),
	}
}

// channelsURL derives the ws/wss channels endpoint from the runtime's proxy URL.
func channelsURL(proxyURL, kernelID, token string) string {
	u := strings.TrimRight(proxyURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/kernels/" + url.PathEscape(kernelID) + "/channels?token=" + url.QueryEscape(token)
}

// Connect opens the transport, flushes any messages queued while
// disconnected in FIFO order, and starts the read pump.
func (c *Client) Connect(ctx context.Context) error {
	handshake := c.opts.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		err = fmt.Errorf("dial kernel channels: %w", err)
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	queued := c.queue
	c.queue = nil
	for _, msg := range queued {
		if err := c.writeLocked(msg); err != nil {
			c.logger.Warn("flush queued message failed", "msg_id", msg.Header.MsgID, "error", err)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("connected", "queued_flushed", len(queued))
	go c.readPump(conn)
	return nil
}

// Connected reports whether the transport is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send serializes and transmits a message, or queues it for replay on the
// next successful Connect when the transport is down.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.queue = append(c.queue, msg)
		return nil
	}
	return c.writeLocked(msg)
}

func (c *Client) writeLocked(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Execute sends an execute_request and accumulates its streaming output
// until the terminal execute_reply arrives or the timeout fires. A timeout
// abandons the request without interrupting the kernel.
func (c *Client) Execute(ctx context.Context, code string, opts ExecuteOptions) (*ExecutionResult, error) {
	msg, err := protocol.New(protocol.MsgTypeExecuteRequest, c.session, protocol.ExecuteRequestContent{
		Code:         code,
		Silent:       opts.Silent,
		StoreHistory: !opts.Silent,
		StopOnError:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultExecuteTimeout
	}

	acc := newAccumulator()
	done := make(chan struct{})
	var once sync.Once

	fail := c.register(msg.Header.MsgID, func(m *protocol.Message) {
		if acc.consume(m) {
			once.Do(func() { close(done) })
		}
	})

	if err := c.Send(msg); err != nil {
		c.deregister(msg.Header.MsgID)
		return nil, fmt.Errorf("send execute request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		c.deregister(msg.Header.MsgID)
		return acc.result(), nil
	case err := <-fail:
		c.deregister(msg.Header.MsgID)
		return nil, err
	case <-timer.C:
		c.deregister(msg.Header.MsgID)
		return nil, fmt.Errorf("execute: no reply within %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		c.deregister(msg.Header.MsgID)
		return nil, ctx.Err()
	}
}

// KernelInfo sends a kernel_info_request and waits for its reply. It is
// also used as a lightweight liveness probe.
func (c *Client) KernelInfo(ctx context.Context) (*protocol.KernelInfoReplyContent, error) {
	msg, err := protocol.New(protocol.MsgTypeKernelInfoRequest, c.session, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("build kernel_info request: %w", err)
	}

	reply := make(chan *protocol.Message, 1)
	fail := c.register(msg.Header.MsgID, func(m *protocol.Message) {
		if m.Header.MsgType == protocol.MsgTypeKernelInfoReply {
			select {
			case reply <- m:
			default:
			}
		}
	})

	if err := c.Send(msg); err != nil {
		c.deregister(msg.Header.MsgID)
		return nil, fmt.Errorf("send kernel_info request: %w", err)
	}

	timer := time.NewTimer(kernelInfoTimeout)
	defer timer.Stop()

	select {
	case m := <-reply:
		c.deregister(msg.Header.MsgID)
		var content protocol.KernelInfoReplyContent
		if err := m.DecodeContent(&content); err != nil {
			return nil, fmt.Errorf("decode kernel_info reply: %w", err)
		}
		return &content, nil
	case err := <-fail:
		c.deregister(msg.Header.MsgID)
		return nil, err
	case <-timer.C:
		c.deregister(msg.Header.MsgID)
		return nil, fmt.Errorf("kernel_info: no reply within %s: %w", kernelInfoTimeout, ErrTimeout)
	case <-ctx.Done():
		c.deregister(msg.Header.MsgID)
		return nil, ctx.Err()
	}
}

// Interrupt sends an interrupt_request. Fire-and-forget: no reply is
// awaited. It is the only cancellation primitive; timeouts never call it.
func (c *Client) Interrupt() error {
	msg, err := protocol.New(protocol.MsgTypeInterruptRequest, c.session, map[string]any{})
	if err != nil {
		return fmt.Errorf("build interrupt request: %w", err)
	}
	return c.Send(msg)
}

// Close shuts the transport, fails in-flight requests, and drops the
// disconnected-send queue. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.queue = nil
	c.failPendingLocked(ErrConnectionClosed)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// register installs a handler for events correlated to msg_id and returns a
// channel that fires if the connection fails while the request is in flight.
func (c *Client) register(msgID string, handle func(*protocol.Message)) <-chan error {
	fail := make(chan error, 1)
	c.mu.Lock()
	c.pending[msgID] = &pendingReq{handle: handle, fail: fail}
	c.mu.Unlock()
	return fail
}

func (c *Client) deregister(msgID string) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

func (c *Client) failPendingLocked(err error) {
	for id, req := range c.pending {
		select {
		case req.fail <- err:
		default:
		}
		delete(c.pending, id)
	}
}

// readPump decodes inbound frames and dispatches them to the handler
// registered for their parent msg_id. Malformed frames are logged and
// skipped; they never abort the connection.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		parentID := msg.ParentHeader.MsgID
		if parentID == "" {
			// Unsolicited event (e.g. kernel status broadcast).
			c.logger.Debug("unparented message", "msg_type", msg.Header.MsgType)
			continue
		}

		c.mu.Lock()
		req := c.pending[parentID]
		c.mu.Unlock()
		if req == nil {
			// Late reply after timeout, or someone else's traffic.
			c.logger.Debug("no handler for message", "msg_type", msg.Header.MsgType, "parent_msg_id", parentID)
			continue
		}
		req.handle(msg)
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	stale := c.conn != conn
	if !stale {
		c.conn = nil
		c.connected = false
		c.failPendingLocked(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	}
	c.mu.Unlock()

	if stale {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug("transport closed", "error", err)
		return
	}
	c.logger.Warn("transport error", "error", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
