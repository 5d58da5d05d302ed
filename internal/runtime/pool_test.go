package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgpu-dev/cgpu/internal/api"
	"github.com/cgpu-dev/cgpu/internal/eventbus"
	"github.com/cgpu-dev/cgpu/internal/tier"
)

func poolRuntime(proxyURL, endpoint string) AssignedRuntime {
	return AssignedRuntime{
		Label:       "rt-" + endpoint,
		Accelerator: "T4",
		Endpoint:    endpoint,
		Proxy:       api.Proxy{URL: proxyURL, Token: "tok"},
	}
}

func TestPoolEnforcesTierLimit(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Free}, bus, testLogger())
	defer p.CloseAll(context.Background())

	_, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)

	_, err = p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-2"))
	require.ErrorIs(t, err, ErrPoolAtCapacity)
	assert.Contains(t, err.Error(), "free")
}

func TestPoolReusesExistingEndpoint(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Free}, bus, testLogger())
	defer p.CloseAll(context.Background())

	first, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)

	// Same endpoint comes back as the same connection, even at the limit.
	second, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, p.Stats().Total)
}

func TestPoolReplacesUnhealthyConnection(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Free}, bus, testLogger())
	defer p.CloseAll(context.Background())

	first, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(context.Background(), false))

	second, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateConnected, second.State())
}

func TestPoolCloseConnection(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Free}, bus, testLogger())

	_, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)

	require.NoError(t, p.CloseConnection(context.Background(), "ep-1"))
	_, ok := p.Get("ep-1")
	assert.False(t, ok)

	err = p.CloseConnection(context.Background(), "ep-1")
	require.ErrorContains(t, err, "no pooled connection")
}

func TestPoolCloseAll(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Pro}, bus, testLogger())

	conns := make([]*Connection, 0, 3)
	for _, ep := range []string{"ep-1", "ep-2", "ep-3"} {
		c, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, ep))
		require.NoError(t, err)
		conns = append(conns, c)
	}

	require.NoError(t, p.CloseAll(context.Background()))
	assert.Equal(t, 0, p.Stats().Total)
	for _, c := range conns {
		assert.Equal(t, StateDisconnected, c.State())
	}
}

func TestPoolStats(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Pro}, bus, testLogger())
	defer p.CloseAll(context.Background())

	_, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 5, stats.Limit)
	assert.Equal(t, tier.Pro, stats.Tier)
	assert.Equal(t, 1, stats.ByState[StateConnected])
}

func TestPoolSetTierAffectsFutureChecks(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Free}, bus, testLogger())
	defer p.CloseAll(context.Background())

	_, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-2"))
	require.ErrorIs(t, err, ErrPoolAtCapacity)

	p.SetTier(tier.Pro)
	_, err = p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-2"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().Total)
}

func TestPoolKeepAliveSweep(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	fake := newKernelAPI()
	bus := eventbus.New()
	defer bus.Close()

	p := NewPool(fake, PoolConfig{Tier: tier.Free}, bus, testLogger())
	defer p.CloseAll(context.Background())

	_, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)

	p.keepAliveSweep()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"ep-1"}, fake.keepAliveCalls)
}

func TestPoolHealthSweepReapsFailed(t *testing.T) {
	t.Parallel()

	proxy := newFakeProxy(t)
	bus := eventbus.New()
	defer bus.Close()
	evicted := bus.Subscribe(eventbus.PoolEvicted)

	p := NewPool(newKernelAPI(), PoolConfig{Tier: tier.Free}, bus, testLogger())
	defer p.CloseAll(context.Background())

	c, err := p.GetOrCreate(context.Background(), poolRuntime(proxy.srv.URL, "ep-1"))
	require.NoError(t, err)

	c.fail()
	p.healthSweep()

	assert.Equal(t, 0, p.Stats().Total)
	select {
	case ev := <-evicted:
		assert.Equal(t, "ep-1", ev.Endpoint)
	case <-time.After(time.Second):
		t.Fatal("no eviction event published")
	}
}
