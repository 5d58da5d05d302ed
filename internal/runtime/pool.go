package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cgpu-dev/cgpu/internal/api"
	"github.com/cgpu-dev/cgpu/internal/eventbus"
	"github.com/cgpu-dev/cgpu/internal/tier"
)

// ErrPoolAtCapacity means the tier's concurrent-connection ceiling is
// reached and no pooled connection exists for the requested endpoint.
var ErrPoolAtCapacity = errors.New("connection pool at capacity")

// PoolConfig tunes the pool's sweeps and the connections it constructs.
type PoolConfig struct {
	Tier                string
	KeepAliveInterval   time.Duration // default 60s
	HealthCheckInterval time.Duration // default 30s
	Connection          ConnectionConfig
}

func (c *PoolConfig) applyDefaults() {
	if c.Tier == "" {
		c.Tier = tier.Free
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 60 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Total   int
	ByState map[State]int
	Limit   int
	Tier    string
}

// Pool is the process-wide registry of connections keyed by runtime
// endpoint. It enforces the tier's capacity ceiling and runs periodic
// keep-alive and health-check sweeps while any connection is pooled. It is
// an explicitly constructed dependency: one instance per process, owned by
// startup code.
type Pool struct {
	api    api.Client
	cfg    PoolConfig
	bus    *eventbus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	conns      map[string]*Connection
	tierName   string
	stopSweeps chan struct{}
}

// NewPool builds an empty pool.
func NewPool(client api.Client, cfg PoolConfig, bus *eventbus.Bus, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		api:      client,
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With("component", "pool"),
		conns:    make(map[string]*Connection),
		tierName: cfg.Tier,
	}
}

// GetOrCreate returns the pooled connection for the runtime's endpoint,
// replacing an unhealthy entry, or creates and initializes a new one within
// the tier limit. Reuse of an already-pooled endpoint never counts against
// the limit.
func (p *Pool) GetOrCreate(ctx context.Context, rt AssignedRuntime) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.conns[rt.Endpoint]; ok {
		if healthy(existing.State()) {
			return existing, nil
		}
		p.logger.Info("replacing unhealthy connection", "endpoint", rt.Endpoint, "state", existing.State())
		delete(p.conns, rt.Endpoint)
		if err := existing.Shutdown(ctx, false); err != nil {
			p.logger.Warn("close unhealthy connection", "endpoint", rt.Endpoint, "error", err)
		}
	}

	limit := tier.GetLimits(p.tierName).MaxConnections
	if len(p.conns) >= limit {
		return nil, fmt.Errorf("%w: tier %q allows %d concurrent connection(s)", ErrPoolAtCapacity, p.tierName, limit)
	}

	conn := NewConnection(rt, p.api, p.cfg.Connection, p.bus, p.logger)
	if err := conn.Initialize(ctx); err != nil {
		return nil, err
	}

	p.conns[rt.Endpoint] = conn
	p.startSweepsLocked()
	p.logger.Info("connection pooled", "endpoint", rt.Endpoint, "pooled", len(p.conns), "limit", limit)
	return conn, nil
}

// Get returns the pooled connection for an endpoint, if any.
func (p *Pool) Get(endpoint string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[endpoint]
	return conn, ok
}

// CloseConnection shuts down and removes one pooled connection.
func (p *Pool) CloseConnection(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	conn, ok := p.conns[endpoint]
	if ok {
		delete(p.conns, endpoint)
		if len(p.conns) == 0 {
			p.stopSweepsLocked()
		}
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pooled connection for endpoint %q", endpoint)
	}
	return conn.Shutdown(ctx, false)
}

// CloseAll shuts down every pooled connection, waiting for all attempts
// regardless of individual failures, and reports the first error.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Connection)
	p.stopSweepsLocked()
	p.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			return c.Shutdown(ctx, false)
		})
	}
	return g.Wait()
}

// Stats returns connection counts by state and the active tier limit.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:   len(p.conns),
		ByState: make(map[State]int),
		Limit:   tier.GetLimits(p.tierName).MaxConnections,
		Tier:    p.tierName,
	}
	for _, c := range p.conns {
		stats.ByState[c.State()]++
	}
	return stats
}

// SetTier changes the subscription tier. Only future capacity checks are
// affected; existing connections stay pooled.
func (p *Pool) SetTier(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tierName = name
}

func healthy(s State) bool {
	return s == StateConnected || s == StateReconnecting || s == StateConnecting
}

// startSweepsLocked starts the keep-alive and health-check tickers on first
// registration. Callers hold p.mu.
func (p *Pool) startSweepsLocked() {
	if p.stopSweeps != nil {
		return
	}
	p.stopSweeps = make(chan struct{})
	go p.sweepLoop(p.stopSweeps)
}

// stopSweepsLocked stops the sweep goroutine. Callers hold p.mu.
func (p *Pool) stopSweepsLocked() {
	if p.stopSweeps != nil {
		close(p.stopSweeps)
		p.stopSweeps = nil
	}
}

func (p *Pool) sweepLoop(stop <-chan struct{}) {
	keepAlive := time.NewTicker(p.cfg.KeepAliveInterval)
	health := time.NewTicker(p.cfg.HealthCheckInterval)
	defer keepAlive.Stop()
	defer health.Stop()

	for {
		select {
		case <-keepAlive.C:
			p.keepAliveSweep()
		case <-health.C:
			p.healthSweep()
		case <-stop:
			return
		}
	}
}

// keepAliveSweep probes every connected entry with a kernel_info request and
// pings the control plane so the assignment is not reclaimed as idle.
// Failures are logged; the sweep never removes a connection.
func (p *Pool) keepAliveSweep() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		if c.State() != StateConnected {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if _, err := c.KernelInfo(ctx); err != nil {
			p.logger.Warn("keep-alive probe failed", "endpoint", c.Runtime().Endpoint, "error", err)
		}
		if err := p.api.SendKeepAlive(ctx, c.Runtime().Endpoint); err != nil {
			p.logger.Warn("control-plane keep-alive failed", "endpoint", c.Runtime().Endpoint, "error", err)
		}
		cancel()
	}
}

// healthSweep reaps entries that landed in Failed; removing the last entry
// stops the sweeps.
func (p *Pool) healthSweep() {
	p.mu.Lock()
	var failed []*Connection
	for endpoint, c := range p.conns {
		if c.State() == StateFailed {
			failed = append(failed, c)
			delete(p.conns, endpoint)
		}
	}
	if len(p.conns) == 0 && len(failed) > 0 {
		p.stopSweepsLocked()
	}
	p.mu.Unlock()

	for _, c := range failed {
		endpoint := c.Runtime().Endpoint
		p.logger.Info("removing failed connection", "endpoint", endpoint)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := c.Shutdown(ctx, false); err != nil {
			p.logger.Warn("close failed connection", "endpoint", endpoint, "error", err)
		}
		cancel()
		p.bus.Publish(eventbus.Event{Type: eventbus.PoolEvicted, Endpoint: endpoint})
	}
}
