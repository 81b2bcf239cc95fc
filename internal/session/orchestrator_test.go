package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumesky/session-agent/internal/backoff"
	"github.com/plumesky/session-agent/internal/client"
	serrors "github.com/plumesky/session-agent/internal/errors"
	"github.com/plumesky/session-agent/internal/event"
	"github.com/plumesky/session-agent/internal/pool"
	"github.com/plumesky/session-agent/internal/scheduler"
	"github.com/plumesky/session-agent/internal/store"
	"github.com/plumesky/session-agent/internal/token"
	"github.com/plumesky/session-agent/pkg/kvstore"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

// gateClient wraps a Fake so a test can hold RefreshSession open.
type gateClient struct {
	*client.Fake
	gate chan struct{}
}

func (g *gateClient) RefreshSession(ctx context.Context) (client.SessionInfo, error) {
	if g.gate != nil {
		<-g.gate
	}
	return g.Fake.RefreshSession(ctx)
}

type fixture struct {
	gw    *store.Gateway
	sched *scheduler.Scheduler
	pl    *pool.Pool
	bus   *event.Bus
	orch  *Orchestrator

	mu        sync.Mutex
	clients   []*gateClient
	gate      chan struct{}
	next      client.SessionInfo
	createErr error
	events    []event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bus: event.NewBus(zerolog.Nop())}

	f.gw = store.NewGateway(kvstore.NewMemoryStore(), time.Second, nil, zerolog.Nop())
	f.sched = scheduler.New(300*time.Second, 3600*time.Second, zerolog.Nop())

	factory := func(serviceURL string, timeout time.Duration) client.Client {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := &gateClient{Fake: &client.Fake{Next: f.next, CreateErr: f.createErr}, gate: f.gate}
		f.clients = append(f.clients, c)
		return c
	}
	persistFor := func(accountID string) pool.PersistFunc {
		return func(ctx context.Context, sess store.Session) error {
			return f.gw.AtomicSessionUpdate(ctx, accountID, sess)
		}
	}
	f.pl = pool.New(10, time.Hour, time.Second, factory, persistFor, nil, zerolog.Nop())

	policy, err := backoff.NewPolicy(backoff.Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   0,
		Jitter:       backoff.JitterNone,
	})
	require.NoError(t, err)

	f.orch = New(Config{
		RefreshTimeout: 2 * time.Second,
		MaxFailures:    3,
		AccessBuffer:   300 * time.Second,
		RefreshBuffer:  3600 * time.Second,
	}, f.gw, f.sched, f.pl, policy, f.bus, nil, zerolog.Nop())

	f.bus.Subscribe(func(e event.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})

	t.Cleanup(func() {
		f.orch.Shutdown()
		f.sched.Shutdown()
		f.pl.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) lastClient(t *testing.T) *gateClient {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.clients)
	return f.clients[len(f.clients)-1]
}

func (f *fixture) eventCount(eventType, accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == eventType && e.AccountID == accountID {
			n++
		}
	}
	return n
}

// seedAccount stores an account whose tokens expire at the given offsets.
func (f *fixture) seedAccount(t *testing.T, id string, accessTTL, refreshTTL time.Duration) *store.Account {
	t.Helper()
	acct := &store.Account{
		ID:         id,
		DID:        id,
		Handle:     "alice.test",
		ServiceURL: "https://bsky.social",
		AuthType:   store.AuthTypeAppPassword,
		Session: &store.Session{
			AccessJwt:  mintToken(t, time.Now().Add(accessTTL)),
			RefreshJwt: mintToken(t, time.Now().Add(refreshTTL)),
			Handle:     "alice.test",
			DID:        id,
			Active:     true,
		},
		Active: true,
	}
	require.NoError(t, f.gw.Save(context.Background(), acct))
	return acct
}

// freshInfo scripts the fake's next refresh result with valid tokens.
func (f *fixture) scriptRefresh(t *testing.T, c *gateClient, did string) client.SessionInfo {
	t.Helper()
	info := client.SessionInfo{
		AccessJwt:  mintToken(t, time.Now().Add(time.Hour)),
		RefreshJwt: mintToken(t, time.Now().Add(90*24*time.Hour)),
		Handle:     "alice.test",
		DID:        did,
		Active:     true,
	}
	c.Fake.Next = info
	return info
}

func TestHydrate_ClassifiesAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:good", time.Hour, 90*24*time.Hour)
	f.seedAccount(t, "did:plc:stale", 200*time.Second, 90*24*time.Hour)
	noSession := &store.Account{ID: "did:plc:empty", DID: "did:plc:empty", ServiceURL: "https://bsky.social", Active: true}
	require.NoError(t, f.gw.Save(ctx, noSession))

	require.NoError(t, f.orch.Hydrate(ctx))

	status, ok := f.orch.Status("did:plc:good")
	require.True(t, ok)
	assert.Equal(t, StateValid, status.State)
	assert.False(t, status.AccessExpiresAt.IsZero())

	// Access token inside the 300s buffer: refresh is due immediately,
	// so the state settles at NeedsRefresh or has already refreshed.
	status, ok = f.orch.Status("did:plc:stale")
	require.True(t, ok)
	assert.NotEqual(t, StateInvalid, status.State)

	status, ok = f.orch.Status("did:plc:empty")
	require.True(t, ok)
	assert.Equal(t, StateInvalid, status.State)
}

func TestProactiveRefresh_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))

	// Warm the instance so the refresh result can be scripted.
	acct, err := f.gw.GetByID(ctx, "did:plc:a")
	require.NoError(t, err)
	f.pl.Get(ctx, acct)
	info := f.scriptRefresh(t, f.lastClient(t), "did:plc:a")

	require.NoError(t, f.orch.ProactiveRefresh(ctx, "did:plc:a"))

	// The new pair was committed through the gateway.
	acct, err = f.gw.GetByID(ctx, "did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, info.AccessJwt, acct.Session.AccessJwt)
	assert.Equal(t, info.RefreshJwt, acct.Session.RefreshJwt)

	status, _ := f.orch.Status("did:plc:a")
	assert.Equal(t, StateValid, status.State)
	assert.Zero(t, status.Failures)

	// The scheduler now tracks the rotated access token.
	ti, ok := f.sched.Info("did:plc:a", token.KindAccess)
	require.True(t, ok)
	assert.Equal(t, info.AccessJwt, ti.Raw)

	assert.Equal(t, 1, f.eventCount(event.TypeRefreshStarted, "did:plc:a"))
	assert.Equal(t, 1, f.eventCount(event.TypeSessionRefreshed, "did:plc:a"))
	assert.Equal(t, 1, f.eventCount(event.TypeRefreshCompleted, "did:plc:a"))
}

func TestProactiveRefresh_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	err := f.orch.ProactiveRefresh(context.Background(), "did:plc:nobody")
	assert.ErrorIs(t, err, serrors.ErrAccountNotFound)
}

func TestProactiveRefresh_Reentrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))

	// Construct the instance with the gate armed so the first refresh
	// blocks until released.
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
	acct, err := f.gw.GetByID(ctx, "did:plc:a")
	require.NoError(t, err)
	f.pl.Get(ctx, acct)
	c := f.lastClient(t)
	f.scriptRefresh(t, c, "did:plc:a")

	results := make(chan error, 2)
	go func() { results <- f.orch.ProactiveRefresh(ctx, "did:plc:a") }()

	// Wait for the first caller to hold the in-flight slot, then send the
	// second one in behind it.
	require.Eventually(t, func() bool {
		st, _ := f.orch.Status("did:plc:a")
		return st.State == StateRefreshInProgress
	}, time.Second, 5*time.Millisecond)
	go func() { results <- f.orch.ProactiveRefresh(ctx, "did:plc:a") }()
	time.Sleep(50 * time.Millisecond)
	close(c.gate)

	require.NoError(t, <-results)
	require.NoError(t, <-results)

	refreshCalls, _ := c.Fake.Calls()
	assert.Equal(t, 1, refreshCalls, "both callers must share one refresh")
	assert.Equal(t, 1, f.eventCount(event.TypeSessionRefreshed, "did:plc:a"))
}

func TestProactiveRefresh_ExpiresAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))

	acct, err := f.gw.GetByID(ctx, "did:plc:a")
	require.NoError(t, err)
	f.pl.Get(ctx, acct)
	c := f.lastClient(t)
	c.Fake.RefreshErr = serrors.NewAuthError("did:plc:a", "ExpiredToken", nil)

	for i := 0; i < 3; i++ {
		err := f.orch.ProactiveRefresh(ctx, "did:plc:a")
		assert.Error(t, err)

		status, _ := f.orch.Status("did:plc:a")
		if i < 2 {
			assert.Equal(t, StateNeedsRefresh, status.State)
			assert.Equal(t, i+1, status.Failures)
		}
	}

	status, _ := f.orch.Status("did:plc:a")
	assert.Equal(t, StateInvalid, status.State)
	assert.Equal(t, 3, status.Failures)
	assert.Equal(t, 1, f.eventCount(event.TypeSessionExpired, "did:plc:a"),
		"three consecutive failures emit exactly one expiry event")

	// A fourth failure stays invalid without a second expiry event.
	assert.Error(t, f.orch.ProactiveRefresh(ctx, "did:plc:a"))
	assert.Equal(t, 1, f.eventCount(event.TypeSessionExpired, "did:plc:a"))
	assert.Equal(t, 4, f.eventCount(event.TypeSessionError, "did:plc:a"))
}

func TestProactiveRefresh_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))

	acct, err := f.gw.GetByID(ctx, "did:plc:a")
	require.NoError(t, err)
	f.pl.Get(ctx, acct)
	c := f.lastClient(t)

	c.Fake.RefreshErr = serrors.NewAuthError("did:plc:a", "ExpiredToken", nil)
	require.Error(t, f.orch.ProactiveRefresh(ctx, "did:plc:a"))
	require.Error(t, f.orch.ProactiveRefresh(ctx, "did:plc:a"))

	c.Fake.SetErrors(nil, nil)
	f.scriptRefresh(t, c, "did:plc:a")
	require.NoError(t, f.orch.ProactiveRefresh(ctx, "did:plc:a"))

	status, _ := f.orch.Status("did:plc:a")
	assert.Equal(t, StateValid, status.State)
	assert.Zero(t, status.Failures)
	assert.Zero(t, f.eventCount(event.TypeSessionExpired, "did:plc:a"))
}

func TestNotifyExpired_ForcesInvalidOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))

	f.orch.NotifyExpired("did:plc:a")
	f.orch.NotifyExpired("did:plc:a")

	status, _ := f.orch.Status("did:plc:a")
	assert.Equal(t, StateInvalid, status.State)
	assert.Equal(t, 1, f.eventCount(event.TypeSessionExpired, "did:plc:a"))

	// Its schedules are gone.
	_, ok := f.sched.Info("did:plc:a", token.KindAccess)
	assert.False(t, ok)
}

func TestValidateAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:good", time.Hour, 90*24*time.Hour)
	staleAcct := f.seedAccount(t, "did:plc:stale", time.Hour, 90*24*time.Hour)
	noSession := &store.Account{ID: "did:plc:empty", DID: "did:plc:empty", ServiceURL: "https://bsky.social", Active: true}
	require.NoError(t, f.gw.Save(ctx, noSession))

	require.NoError(t, f.orch.Hydrate(ctx))

	// Age the stale account's access token after hydration so no refresh
	// fires before the validation pass observes it.
	staleAcct.Session.AccessJwt = mintToken(t, time.Now().Add(100*time.Second))
	require.NoError(t, f.gw.Save(ctx, staleAcct))

	decisions := f.orch.ValidateAllSessions(ctx)
	assert.Equal(t, DecisionNone, decisions["did:plc:good"])
	assert.Equal(t, DecisionRefresh, decisions["did:plc:stale"])
	assert.Equal(t, DecisionReauth, decisions["did:plc:empty"])

	// One deleted account never aborts the others.
	require.NoError(t, f.gw.Delete(ctx, "did:plc:good"))
	decisions = f.orch.ValidateAllSessions(ctx)
	assert.Equal(t, DecisionReauth, decisions["did:plc:good"])
	assert.Equal(t, DecisionRefresh, decisions["did:plc:stale"])
}

func TestRefreshAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:ok", time.Hour, 90*24*time.Hour)
	noSession := &store.Account{ID: "did:plc:empty", DID: "did:plc:empty", ServiceURL: "https://bsky.social", Active: true}
	require.NoError(t, f.gw.Save(ctx, noSession))
	require.NoError(t, f.orch.Hydrate(ctx))

	acct, err := f.gw.GetByID(ctx, "did:plc:ok")
	require.NoError(t, err)
	f.pl.Get(ctx, acct)
	f.scriptRefresh(t, f.lastClient(t), "did:plc:ok")

	results := f.orch.RefreshAll(ctx)
	assert.NoError(t, results["did:plc:ok"])
	assert.ErrorIs(t, results["did:plc:empty"], serrors.ErrSessionInvalidated)
}

func TestScheduledRefresh_FiresForDueToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Access token expiring within the 300s buffer: the schedule armed at
	// registration fires with near-zero delay.
	f.mu.Lock()
	f.gate = make(chan struct{})
	close(f.gate) // pass-through; gate only needs to exist before the factory runs
	f.mu.Unlock()

	acct := f.seedAccount(t, "did:plc:a", 200*time.Second, 90*24*time.Hour)
	f.pl.Get(ctx, acct)
	f.scriptRefresh(t, f.lastClient(t), "did:plc:a")

	state := f.orch.Register(acct)
	assert.Equal(t, StateNeedsRefresh, state)

	assert.Eventually(t, func() bool {
		st, ok := f.orch.Status("did:plc:a")
		return ok && st.State == StateValid
	}, 2*time.Second, 10*time.Millisecond, "due token must trigger an automatic refresh")

	refreshCalls, _ := f.lastClient(t).Fake.Calls()
	assert.GreaterOrEqual(t, refreshCalls, 1)
}

func TestLogin_CreatesAndRegistersAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mu.Lock()
	f.next = client.SessionInfo{
		AccessJwt:  mintToken(t, time.Now().Add(time.Hour)),
		RefreshJwt: mintToken(t, time.Now().Add(90*24*time.Hour)),
		Handle:     "alice.test",
		DID:        "did:plc:new",
		Active:     true,
	}
	f.mu.Unlock()

	acct, err := f.orch.Login(ctx, "https://bsky.social", "alice.test", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:new", acct.ID)
	assert.Equal(t, store.AuthTypeAppPassword, acct.AuthType)

	// The account is persisted with its minted session.
	stored, err := f.gw.GetByID(ctx, "did:plc:new")
	require.NoError(t, err)
	require.NotNil(t, stored.Session)
	assert.True(t, stored.Active)
	assert.Equal(t, "alice.test", stored.Handle)

	// And under lifecycle management with both tokens scheduled.
	status, ok := f.orch.Status("did:plc:new")
	require.True(t, ok)
	assert.Equal(t, StateValid, status.State)
	_, ok = f.sched.Info("did:plc:new", token.KindAccess)
	assert.True(t, ok)
	_, ok = f.sched.Info("did:plc:new", token.KindRefresh)
	assert.True(t, ok)

	assert.Equal(t, 1, f.eventCount(event.TypeAccountAdded, "did:plc:new"))
}

func TestLogin_RejectedCredentials(t *testing.T) {
	f := newFixture(t)

	f.mu.Lock()
	f.createErr = serrors.NewAuthError("", "AuthenticationRequired", nil)
	f.mu.Unlock()

	_, err := f.orch.Login(context.Background(), "https://bsky.social", "alice.test", "wrong")
	assert.True(t, serrors.IsAuth(err))
	assert.Empty(t, f.orch.AccountIDs(), "a failed login must register nothing")
}

func TestLogin_AfterShutdown(t *testing.T) {
	f := newFixture(t)
	f.orch.Shutdown()
	_, err := f.orch.Login(context.Background(), "https://bsky.social", "alice.test", "app-pass")
	assert.ErrorIs(t, err, serrors.ErrShutdown)
}

func TestUnregister_DropsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))
	f.pl.Get(ctx, acct)

	f.orch.Unregister(ctx, "did:plc:a")

	_, ok := f.orch.Status("did:plc:a")
	assert.False(t, ok)
	_, ok = f.sched.Info("did:plc:a", token.KindAccess)
	assert.False(t, ok)
	assert.Equal(t, 0, f.pl.Len())
}

func TestShutdown_RefusesNewRefreshes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "did:plc:a", time.Hour, 90*24*time.Hour)
	require.NoError(t, f.orch.Hydrate(ctx))

	f.orch.Shutdown()
	assert.ErrorIs(t, f.orch.ProactiveRefresh(ctx, "did:plc:a"), serrors.ErrShutdown)
	f.orch.Shutdown() // idempotent
}
