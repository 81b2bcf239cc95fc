package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plumesky/session-agent/internal/client"
	"github.com/plumesky/session-agent/internal/metrics"
	"github.com/plumesky/session-agent/internal/store"
	"github.com/plumesky/session-agent/pkg/lru"
)

// PersistFor binds a persistence callback to one account ID.
type PersistFor func(accountID string) PersistFunc

// Pool caches at most capacity client instances, one per account.
type Pool struct {
	capacity   int
	inactivity time.Duration
	timeout    time.Duration
	factory    client.Factory
	persistFor PersistFor
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu     sync.Mutex
	cache  *lru.Cache[string, *Instance]
	closed bool
}

// New creates a pool. persistFor may be nil when refresh results are
// persisted elsewhere.
func New(capacity int, inactivity, timeout time.Duration, factory client.Factory, persistFor PersistFor, m *metrics.Metrics, logger zerolog.Logger) *Pool {
	return &Pool{
		capacity:   capacity,
		inactivity: inactivity,
		timeout:    timeout,
		factory:    factory,
		persistFor: persistFor,
		metrics:    m,
		logger:     logger.With().Str("component", "pool").Logger(),
		cache:      lru.New[string, *Instance](),
	}
}

// Get returns the account's cached instance, constructing one on demand. At
// capacity, the least recently used fifth of the pool is evicted first.
func (p *Pool) Get(ctx context.Context, acct *store.Account) *Instance {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if inst, ok := p.cache.Get(acct.ID); ok {
		p.mu.Unlock()
		inst.touch()
		return inst
	}

	if p.cache.Len() >= p.capacity {
		n := p.capacity / 5
		if n < 1 {
			n = 1
		}
		evicted := p.cache.EvictOldest(n)
		p.mu.Unlock()
		for _, inst := range evicted {
			p.logger.Info().Str("account_id", inst.AccountID()).Msg("evicting client instance under capacity pressure")
			inst.dispose(ctx, false)
		}
		if p.metrics != nil {
			p.metrics.PoolEvictionsTotal.Add(float64(len(evicted)))
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		// The lock was dropped for disposal. A concurrent Get for the same
		// account may have admitted an instance in the gap; constructing a
		// second one would orphan it with a live inactivity timer.
		if inst, ok := p.cache.Get(acct.ID); ok {
			p.mu.Unlock()
			inst.touch()
			return inst
		}
	}

	c := p.factory(acct.ServiceURL, p.timeout)
	if acct.Session != nil {
		c.ResumeSession(acct.Session.AccessJwt, acct.Session.RefreshJwt)
	}
	var persist PersistFunc
	if p.persistFor != nil {
		persist = p.persistFor(acct.ID)
	}
	inst := newInstance(acct.ID, c, persist)
	accountID := acct.ID
	inst.armInactivity(p.inactivity, func() {
		p.logger.Info().Str("account_id", accountID).Msg("evicting idle client instance")
		p.Remove(context.Background(), accountID)
	})
	p.cache.Put(acct.ID, inst)
	size := p.cache.Len()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PoolSize.Set(float64(size))
	}
	p.logger.Debug().Str("account_id", acct.ID).Int("pool_size", size).Msg("client instance created")
	return inst
}

// NewClient constructs an unpooled client for the service URL. Used for
// calls made before an account exists, like first authentication.
func (p *Pool) NewClient(serviceURL string) client.Client {
	return p.factory(serviceURL, p.timeout)
}

// Peek returns the cached instance without bumping recency.
func (p *Pool) Peek(accountID string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Peek(accountID)
}

// Remove disposes an account's instance. Removing an absent account is a
// no-op; disposal is idempotent.
func (p *Pool) Remove(ctx context.Context, accountID string) {
	p.mu.Lock()
	inst, ok := p.cache.Peek(accountID)
	if ok {
		p.cache.Delete(accountID)
	}
	size := p.cache.Len()
	p.mu.Unlock()

	if !ok {
		return
	}
	inst.dispose(ctx, false)
	if p.metrics != nil {
		p.metrics.PoolSize.Set(float64(size))
	}
}

// RemoveAll disposes every instance. Used on shutdown and full sign-out.
func (p *Pool) RemoveAll(ctx context.Context) {
	p.mu.Lock()
	instances := p.cache.Clear()
	p.mu.Unlock()

	for _, inst := range instances {
		inst.dispose(ctx, false)
	}
	if p.metrics != nil {
		p.metrics.PoolSize.Set(0)
	}
}

// Shutdown disposes everything and refuses further Gets.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.RemoveAll(ctx)
}

// Len returns the number of live instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// AccountIDs returns the pooled account IDs, most recently used first.
func (p *Pool) AccountIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Keys()
}
