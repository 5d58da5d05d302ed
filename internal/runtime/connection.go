package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cgpu-dev/cgpu/internal/api"
	"github.com/cgpu-dev/cgpu/internal/eventbus"
	"github.com/cgpu-dev/cgpu/internal/kernel"
	"github.com/cgpu-dev/cgpu/pkg/protocol"
)

// State is a connection's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ErrKernelNotInitialized means a kernel-scoped operation ran before
// Initialize bound a kernel id.
var ErrKernelNotInitialized = errors.New("kernel not initialized")

// connectTimeout bounds the control-plane call plus transport open during
// Initialize and each reconnect attempt.
const connectTimeout = 30 * time.Second

// ConnectionConfig tunes one connection's session binding and recovery.
type ConnectionConfig struct {
	NotebookPath         string
	KernelName           string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ExecuteTimeout       time.Duration
}

func (c *ConnectionConfig) applyDefaults() {
	if c.NotebookPath == "" {
		c.NotebookPath = "/content/notebook.ipynb"
	}
	if c.KernelName == "" {
		c.KernelName = "python3"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
}

// Connection is one session against an assigned runtime: it creates the
// remote kernel through the control plane, owns one kernel protocol client,
// and recovers from transport drops with bounded reconnection attempts.
type Connection struct {
	rt     AssignedRuntime
	api    api.Client
	cfg    ConnectionConfig
	bus    *eventbus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	kernelID string
	client   *kernel.Client
	closed   bool
}

// NewConnection builds a connection for an assigned runtime. The connection
// stays Disconnected until Initialize (called explicitly or lazily by the
// first kernel operation).
func NewConnection(rt AssignedRuntime, client api.Client, cfg ConnectionConfig, bus *eventbus.Bus, logger *slog.Logger) *Connection {
	cfg.applyDefaults()
	return &Connection{
		rt:     rt,
		api:    client,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "connection", "endpoint", rt.Endpoint),
		state:  StateDisconnected,
	}
}

// Runtime returns the assigned runtime this connection wraps.
func (c *Connection) Runtime() AssignedRuntime { return c.rt }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// KernelID returns the bound kernel id, empty before Initialize succeeds.
func (c *Connection) KernelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelID
}

// Initialize creates the remote kernel session and opens the protocol
// client. On failure the connection lands in Failed and the error is
// returned.
func (c *Connection) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("connection is shut down")
	case c.state == StateConnected:
		c.mu.Unlock()
		return nil
	case c.state == StateConnecting || c.state == StateReconnecting:
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := c.api.CreateSession(ctx, c.cfg.NotebookPath, c.cfg.KernelName, c.rt.Proxy.URL, c.rt.Proxy.Token)
	if err != nil {
		c.fail()
		return fmt.Errorf("create session: %w", err)
	}

	kc := kernel.NewClient(c.rt.Proxy.URL, session.Kernel.ID, c.rt.Proxy.Token,
		kernel.Options{OnError: c.onTransportError}, c.logger)
	if err := kc.Connect(ctx); err != nil {
		c.fail()
		return fmt.Errorf("open kernel channels: %w", err)
	}

	c.mu.Lock()
	c.kernelID = session.Kernel.ID
	c.client = kc
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected", "kernel_id", session.Kernel.ID, "accelerator", c.rt.Accelerator)
	c.bus.Publish(eventbus.Event{Type: eventbus.ConnectionConnected, Endpoint: c.rt.Endpoint})
	return nil
}

// Execute runs code on the remote kernel, initializing lazily when still
// Disconnected.
func (c *Connection) Execute(ctx context.Context, code string, opts kernel.ExecuteOptions) (*kernel.ExecutionResult, error) {
	kc, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = c.cfg.ExecuteTimeout
	}
	return kc.Execute(ctx, code, opts)
}

// Interrupt asks the kernel to interrupt the running execution.
func (c *Connection) Interrupt(ctx context.Context) error {
	kc, err := c.ensureClient(ctx)
	if err != nil {
		return err
	}
	return kc.Interrupt()
}

// KernelInfo probes the kernel over the protocol channel.
func (c *Connection) KernelInfo(ctx context.Context) (*protocol.KernelInfoReplyContent, error) {
	kc, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	return kc.KernelInfo(ctx)
}

// Status polls the kernel's execution state through the control plane.
func (c *Connection) Status(ctx context.Context) (string, error) {
	c.mu.Lock()
	kernelID := c.kernelID
	c.mu.Unlock()
	if kernelID == "" {
		return "", ErrKernelNotInitialized
	}
	k, err := c.api.GetKernel(ctx, kernelID, c.rt.Proxy.URL, c.rt.Proxy.Token)
	if err != nil {
		return "", fmt.Errorf("poll kernel state: %w", err)
	}
	return k.ExecutionState, nil
}

// Shutdown closes the transport and forces the connection to Disconnected.
// When deleteKernel is set the remote kernel is deleted as well; deletion
// errors are swallowed. Safe to call from any state, idempotent.
func (c *Connection) Shutdown(ctx context.Context, deleteKernel bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	kc := c.client
	c.client = nil
	kernelID := c.kernelID
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if kc != nil {
		if err := kc.Close(); err != nil {
			c.logger.Debug("close kernel client", "error", err)
		}
	}
	if deleteKernel && kernelID != "" {
		if err := c.api.DeleteKernel(ctx, kernelID, c.rt.Proxy.URL, c.rt.Proxy.Token); err != nil {
			c.logger.Warn("delete kernel failed", "kernel_id", kernelID, "error", err)
		}
	}

	c.bus.Publish(eventbus.Event{Type: eventbus.ConnectionDisconnected, Endpoint: c.rt.Endpoint})
	return nil
}

func (c *Connection) ensureClient(ctx context.Context) (*kernel.Client, error) {
	c.mu.Lock()
	state := c.state
	kc := c.client
	c.mu.Unlock()

	switch state {
	case StateDisconnected:
		if err := c.Initialize(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		kc = c.client
		c.mu.Unlock()
	case StateFailed:
		return nil, fmt.Errorf("connection has failed; shut it down and acquire a new one")
	}
	if kc == nil {
		return nil, fmt.Errorf("no kernel client (state %s)", state)
	}
	return kc, nil
}

func (c *Connection) fail() {
	c.mu.Lock()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
}

// setStateLocked transitions the state and publishes the change. Callers
// hold c.mu.
func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.bus.Publish(eventbus.Event{Type: eventbus.ConnectionState, Endpoint: c.rt.Endpoint, State: string(s)})
}

// onTransportError is invoked by the kernel client's read pump on transport
// failures. A drop while Connected starts the reconnect loop.
func (c *Connection) onTransportError(err error) {
	c.mu.Lock()
	if c.closed || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReconnecting)
	kc := c.client
	c.mu.Unlock()

	c.logger.Warn("transport dropped, reconnecting", "error", err)
	go c.reconnectLoop(kc)
}

// reconnectLoop retries the transport with exponential backoff and ±20%
// jitter, up to MaxReconnectAttempts. Exhaustion lands the connection in
// Failed for the pool's health sweep to reap.
func (c *Connection) reconnectLoop(kc *kernel.Client) {
	delay := c.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.bus.Publish(eventbus.Event{Type: eventbus.ConnectionReconnecting, Endpoint: c.rt.Endpoint, Attempt: attempt})
		c.logger.Info("reconnect attempt", "attempt", attempt, "max", c.cfg.MaxReconnectAttempts, "delay", delay)

		time.Sleep(jitter(delay))
		delay *= 2

		c.mu.Lock()
		stopped := c.closed || c.state != StateReconnecting
		c.mu.Unlock()
		if stopped {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := kc.Connect(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				kc.Close()
				return
			}
			c.setStateLocked(StateConnected)
			c.mu.Unlock()
			c.logger.Info("reconnected", "attempt", attempt)
			c.bus.Publish(eventbus.Event{Type: eventbus.ConnectionConnected, Endpoint: c.rt.Endpoint})
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}

	c.logger.Error("reconnect attempts exhausted")
	c.fail()
}

// jitter spreads a delay by ±20% so retries from multiple connections don't
// align.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
