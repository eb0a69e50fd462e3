package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/session/mocks"
	"moff.io/wallet-gateway/internal/session/sessiontest"
	"moff.io/wallet-gateway/internal/timeout"
	"moff.io/wallet-gateway/internal/walletconnect"
	"moff.io/wallet-gateway/pkg/errors"
)

const testAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

type responder func(ctx context.Context, p walletconnect.RequestParams) (json.RawMessage, error)

type fakeClient struct {
	mu          sync.Mutex
	events      chan walletconnect.Event
	closed      bool
	uri         string
	connectErr  error
	connected   *walletconnect.ConnectParams
	requests    []walletconnect.RequestParams
	respond     responder
	disconnects int
	state       walletconnect.RestoreState
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events: make(chan walletconnect.Event, 16),
		uri:    "wc:8a5e5bdc-a0e4-4702-ba63-8f1a5655744f@1?bridge=https%3A%2F%2Fbridge.example.org&key=41791102999c339c844880b23950704cc43aa840f3739e365323cda4dfa89e7a",
		state:  walletconnect.RestoreState{"key": "00ff"},
	}
}

func (c *fakeClient) Connect(_ context.Context, params walletconnect.ConnectParams) (*walletconnect.Pairing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = &params
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return &walletconnect.Pairing{URI: c.uri, Topic: "handshake"}, nil
}

func (c *fakeClient) Request(ctx context.Context, p walletconnect.RequestParams) (json.RawMessage, error) {
	c.mu.Lock()
	c.requests = append(c.requests, p)
	respond := c.respond
	c.mu.Unlock()
	if respond == nil {
		return nil, errors.New("no responder")
	}
	return respond(ctx, p)
}

func (c *fakeClient) Disconnect(_ context.Context, _ walletconnect.DisconnectParams) error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeClient) Events() <-chan walletconnect.Event {
	return c.events
}

func (c *fakeClient) RestoreState() walletconnect.RestoreState {
	return c.state
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) push(e walletconnect.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- e
	}
}

func (c *fakeClient) setResponder(r responder) {
	c.mu.Lock()
	c.respond = r
	c.mu.Unlock()
}

func (c *fakeClient) sent() []walletconnect.RequestParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]walletconnect.RequestParams(nil), c.requests...)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	clients    []*fakeClient
	dialErr    error
	restoreErr error
	prepare    func(c *fakeClient)
	restored   []string
}

func (d *fakeDialer) Dial(_ context.Context, _ walletconnect.Options) (walletconnect.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeClient()
	if d.prepare != nil {
		d.prepare(c)
	}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) Restore(_ context.Context, _ walletconnect.Options, topic string, state walletconnect.RestoreState) (walletconnect.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.restoreErr != nil {
		return nil, d.restoreErr
	}
	c := newFakeClient()
	c.state = state
	d.clients = append(d.clients, c)
	d.restored = append(d.restored, topic)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recorder struct {
	ch chan Event
}

func record(g *Gateway) *recorder {
	r := &recorder{ch: make(chan Event, 256)}
	g.On(func(e Event) { r.ch <- e })
	return r
}

func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind() == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %v event", kind)
			return nil
		}
	}
}

type testEnv struct {
	g      *Gateway
	dialer *fakeDialer
	store  session.Store
	clock  *fakeClock
}

func newEnv(t *testing.T, store session.Store, tweak ...func(*Config)) *testEnv {
	t.Helper()
	if store == nil {
		store = session.NewMemoryStore()
	}
	cfg := Config{ProjectID: "test-project"}
	for _, fn := range tweak {
		fn(&cfg)
	}
	env := &testEnv{dialer: &fakeDialer{}, store: store, clock: &fakeClock{t: time.Now()}}
	g, err := New(cfg, Deps{Dialer: env.dialer, Store: store, Clock: env.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Destroy(context.Background()) })
	env.g = g
	return env
}

func namespacesFor(address string) map[string]walletconnect.Namespace {
	return map[string]walletconnect.Namespace{
		"eip155": {
			Chains:   []string{"eip155:1"},
			Accounts: []string{"eip155:1:" + address},
			Methods:  DefaultMethods,
			Events:   DefaultEvents,
		},
	}
}

// connectApproved runs a handshake for userID and approves it with address.
func (env *testEnv) connectApproved(t *testing.T, userID, address string) *fakeClient {
	t.Helper()
	ctx := context.Background()
	res := env.g.Connect(ctx, ConnectRequest{UserID: userID, ChainID: 1})
	require.True(t, res.Success, res.Error)
	c := env.dialer.last()
	c.push(walletconnect.SessionConnect{
		Topic:      "topic-" + userID,
		Namespaces: namespacesFor(address),
		Peer:       walletconnect.Metadata{Name: "MetaMask"},
	})
	w := env.g.WaitForConnection(ctx, userID)
	require.True(t, w.Success, w.Error)
	require.Eventually(t, func() bool {
		s, err := env.store.Get(ctx, userID)
		return err == nil && s != nil && s.IsActive
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestNew_Misconfiguration(t *testing.T) {
	store := session.NewMemoryStore()
	_, err := New(Config{}, Deps{Dialer: &fakeDialer{}, Store: store})
	assert.Error(t, err)
	_, err = New(Config{ProjectID: "p"}, Deps{Store: store})
	assert.Error(t, err)
	_, err = New(Config{ProjectID: "p"}, Deps{Dialer: &fakeDialer{}})
	assert.Error(t, err)
}

func TestConnect_Fresh(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	res := env.g.Connect(ctx, ConnectRequest{UserID: "u1", ChainID: 1})
	require.True(t, res.Success, res.Error)
	assert.True(t, strings.HasPrefix(res.URI, "wc:"))
	assert.GreaterOrEqual(t, len(res.DeepLinks), 1)
	assert.Equal(t, 30*time.Second, res.Timeout)
	assert.Equal(t, int64(30000), res.TimeoutMs)
	assert.True(t, strings.HasPrefix(res.QRCode, "data:image/png;base64,"))
	require.NotNil(t, res.Progress)
	assert.Equal(t, 0, res.Progress.Percent())
	assert.False(t, res.Connected())

	assert.True(t, env.g.Tracker().Pending(connectionKey("u1")))
	stored, err := env.store.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive)
	assert.False(t, env.g.IsConnected("u1"))

	params := env.dialer.last().connected
	require.NotNil(t, params)
	ns := params.RequiredNamespaces["eip155"]
	assert.Equal(t, []string{"eip155:1"}, ns.Chains)
	assert.Equal(t, DefaultMethods, ns.Methods)
	assert.Equal(t, DefaultEvents, ns.Events)
}

func TestConnect_DefaultsChainAndKeepsRequestedMethods(t *testing.T) {
	env := newEnv(t, nil, func(c *Config) { c.DefaultChainID = 137 })
	res := env.g.Connect(context.Background(), ConnectRequest{UserID: "u1", Methods: []string{"personal_sign"}})
	require.True(t, res.Success, res.Error)
	ns := env.dialer.last().connected.RequiredNamespaces["eip155"]
	assert.Equal(t, []string{"eip155:137"}, ns.Chains)
	assert.Equal(t, []string{"personal_sign"}, ns.Methods)
	assert.Equal(t, 137, res.Session.ChainID)
}

func TestConnect_IdempotentWhilePending(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	first := env.g.Connect(ctx, ConnectRequest{UserID: "u1", ChainID: 1})
	second := env.g.Connect(ctx, ConnectRequest{UserID: "u1", ChainID: 1})
	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.URI, second.URI)
	assert.Equal(t, 1, env.dialer.dials())
	assert.Equal(t, 1, env.g.Registry().Len())
}

func TestConnect_ConcurrentCallersShareHandshake(t *testing.T) {
	env := newEnv(t, nil)
	var wg sync.WaitGroup
	uris := make([]string, 8)
	for i := range uris {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := env.g.Connect(context.Background(), ConnectRequest{UserID: "u1"})
			uris[i] = res.URI
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, env.dialer.dials())
	for _, uri := range uris {
		assert.Equal(t, uris[0], uri)
	}
}

func TestConnect_Approval(t *testing.T) {
	env := newEnv(t, nil)
	events := record(env.g)
	ctx := context.Background()

	env.connectApproved(t, "u1", testAddress)
	ev := events.waitFor(t, KindConnected).(Connected)
	assert.Equal(t, "topic-u1", ev.Topic)
	assert.Equal(t, testAddress, ev.Address)
	assert.Equal(t, 1, ev.ChainID)
	assert.Equal(t, "MetaMask", ev.Peer)

	assert.True(t, env.g.IsConnected("u1"))
	assert.False(t, env.g.Tracker().Pending(connectionKey("u1")))
	addr, ok := env.g.Address("u1")
	assert.True(t, ok)
	assert.Equal(t, testAddress, addr)

	stored, err := env.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "topic-u1", stored.Topic)
	require.NotNil(t, stored.Payload)
	assert.Equal(t, []string{"eip155:1:" + testAddress}, stored.Payload.Accounts)
	assert.Equal(t, "00ff", stored.Payload.RestoreState["key"])

	// a valid session short-circuits without a second handshake
	again := env.g.Connect(ctx, ConnectRequest{UserID: "u1"})
	require.True(t, again.Success)
	assert.True(t, again.Connected())
	assert.Equal(t, "topic-u1", again.Session.Topic)
	assert.Empty(t, again.URI)
	assert.Equal(t, 1, env.dialer.dials())
}

func TestConnect_Rejected(t *testing.T) {
	env := newEnv(t, nil)
	events := record(env.g)
	ctx := context.Background()

	require.True(t, env.g.Connect(ctx, ConnectRequest{UserID: "u1"}).Success)
	h, ok := env.g.registry.get("u1")
	require.True(t, ok)
	c := env.dialer.last()
	c.push(walletconnect.SessionReject{Reason: "user rejected"})

	<-h.settled
	assert.True(t, errors.Is(h.outcome(), ErrRejected))
	ev := events.waitFor(t, KindConnectionRejected).(ConnectionRejected)
	assert.Equal(t, "user rejected", ev.Reason)

	assert.Equal(t, 0, env.g.Registry().Len())
	stored, err := env.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.True(t, c.isClosed())

	// a late Connect for the same user starts over
	require.True(t, env.g.Connect(ctx, ConnectRequest{UserID: "u1"}).Success)
	assert.Equal(t, 2, env.dialer.dials())
}

func TestConnect_Timeout(t *testing.T) {
	env := newEnv(t, nil, func(c *Config) {
		c.Timeouts = map[timeout.Kind]time.Duration{timeout.KindConnection: 50 * time.Millisecond}
	})
	events := record(env.g)
	ctx := context.Background()

	res := env.g.Connect(ctx, ConnectRequest{UserID: "u1"})
	require.True(t, res.Success)
	assert.Equal(t, 50*time.Millisecond, res.Timeout)

	ev := events.waitFor(t, KindConnectionTimeout).(ConnectionTimeout)
	assert.Equal(t, 50*time.Millisecond, ev.Timeout)
	assert.Equal(t, int64(50), ev.TimeoutMs)
	w := env.g.WaitForConnection(ctx, "u1")
	assert.False(t, w.Success)

	assert.Equal(t, 0, env.g.Registry().Len())
	stored, _ := env.store.Get(ctx, "u1")
	assert.Nil(t, stored)
	assert.True(t, env.dialer.last().isClosed())

	// an approval after the deadline is ignored
	env.dialer.last().push(walletconnect.SessionConnect{Topic: "late"})
	assert.False(t, env.g.IsConnected("u1"))
}

func TestConnect_WaitForConnectionTimesOutWithDeadline(t *testing.T) {
	env := newEnv(t, nil, func(c *Config) {
		c.Timeouts = map[timeout.Kind]time.Duration{timeout.KindConnection: 150 * time.Millisecond}
	})
	require.True(t, env.g.Connect(context.Background(), ConnectRequest{UserID: "u1"}).Success)
	res := env.g.WaitForConnection(context.Background(), "u1")
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrTimeout))
}

func TestWaitForConnection(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	w := env.g.WaitForConnection(ctx, "ghost")
	assert.False(t, w.Success)
	assert.True(t, errors.Is(w.Err, ErrNotFound))

	env.connectApproved(t, "u1", testAddress)
	w = env.g.WaitForConnection(ctx, "u1")
	require.True(t, w.Success, w.Error)
	require.NotNil(t, w.Session)
	assert.Equal(t, "topic-u1", w.Session.Topic)
	assert.True(t, w.Connected())

	addr, found := env.g.Address("u1")
	assert.True(t, found)
	assert.True(t, strings.EqualFold(testAddress, addr))
	s, found := env.g.Session("u1")
	assert.True(t, found)
	assert.Equal(t, "topic-u1", s.Topic)
}

func TestConnectResult_TimeoutInMilliseconds(t *testing.T) {
	res := ConnectResult{Result: succeeded(), Timeout: 30 * time.Second, TimeoutMs: 30000}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timeoutMs":30000`)
	assert.NotContains(t, string(data), "30000000000")

	data, err = json.Marshal(ConnectionTimeout{UserID: "u1", Timeout: time.Second, TimeoutMs: 1000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1","timeoutMs":1000}`, string(data))
}

func TestConnect_InvalidURI(t *testing.T) {
	env := newEnv(t, nil)
	env.dialer.prepare = func(c *fakeClient) { c.uri = "" }
	ctx := context.Background()

	res := env.g.Connect(ctx, ConnectRequest{UserID: "u1"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrInvalidURI))
	assert.Empty(t, res.QRCode)
	assert.Empty(t, res.DeepLinks)
	assert.Equal(t, 0, env.g.Registry().Len())
	stored, _ := env.store.Get(ctx, "u1")
	assert.Nil(t, stored)
	assert.True(t, env.dialer.last().isClosed())
	assert.False(t, env.g.Tracker().Pending(connectionKey("u1")))
}

func TestConnect_TransportFailures(t *testing.T) {
	env := newEnv(t, nil)
	env.dialer.dialErr = errors.New("relay unreachable")
	res := env.g.Connect(context.Background(), ConnectRequest{UserID: "u1"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrTransport))
	assert.Contains(t, res.Error, "relay unreachable")
	assert.Equal(t, 0, env.g.Registry().Len())

	env.dialer.dialErr = nil
	env.dialer.prepare = func(c *fakeClient) { c.connectErr = errors.New("invalid project id") }
	res = env.g.Connect(context.Background(), ConnectRequest{UserID: "u1"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrTransport))
	assert.Equal(t, 0, env.g.Registry().Len())
}

func TestConnect_RequiresUserID(t *testing.T) {
	env := newEnv(t, nil)
	res := env.g.Connect(context.Background(), ConnectRequest{UserID: "  "})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrInvalidInput))
	assert.Equal(t, 0, env.dialer.dials())
}

func TestConnect_PersistenceFailure(t *testing.T) {
	st := &mocks.MockStore{}
	st.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))
	st.On("Delete", mock.Anything, "u1").Return(nil)
	st.On("Close").Return(nil)
	env := newEnv(t, st)

	res := env.g.Connect(context.Background(), ConnectRequest{UserID: "u1"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrPersistence))
	assert.Equal(t, 0, env.g.Registry().Len())
	assert.True(t, env.dialer.last().isClosed())

	require.NoError(t, env.g.Destroy(context.Background()))
	st.AssertExpectations(t)
}

func TestApproval_PersistenceFailureIsReported(t *testing.T) {
	st := &mocks.MockStore{}
	st.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	st.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	st.On("Delete", mock.Anything, "u1").Return(nil).Maybe()
	st.On("Close").Return(nil)
	env := newEnv(t, st)
	events := record(env.g)
	ctx := context.Background()

	require.True(t, env.g.Connect(ctx, ConnectRequest{UserID: "u1"}).Success)
	env.dialer.last().push(walletconnect.SessionConnect{Topic: "t1", Namespaces: namespacesFor(testAddress)})

	ev := events.waitFor(t, KindError).(Error)
	assert.Equal(t, "approve", ev.Op)
	assert.Contains(t, ev.Err, "disk full")
	// the live session is still usable
	assert.True(t, env.g.IsConnected("u1"))
}

func TestDisconnect_UnknownUser(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.store.Save(ctx, sessiontest.NewActive("other", time.Now())))

	res := env.g.Disconnect(ctx, "ghost")
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrNotFound))

	list, err := env.store.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 0, env.g.Registry().Len())
}

func TestDisconnect_Active(t *testing.T) {
	env := newEnv(t, nil)
	events := record(env.g)
	ctx := context.Background()
	c := env.connectApproved(t, "u1", testAddress)

	res := env.g.Disconnect(ctx, "u1")
	require.True(t, res.Success, res.Error)
	ev := events.waitFor(t, KindDisconnected).(Disconnected)
	assert.Equal(t, walletconnect.ReasonUserDisconnected.Message, ev.Reason)
	assert.Equal(t, "topic-u1", ev.Topic)

	assert.Equal(t, 1, c.disconnects)
	assert.True(t, c.isClosed())
	assert.False(t, env.g.IsConnected("u1"))
	stored, _ := env.store.Get(ctx, "u1")
	assert.Nil(t, stored)
}

func TestDisconnect_Pending(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	require.True(t, env.g.Connect(ctx, ConnectRequest{UserID: "u1"}).Success)

	res := env.g.Disconnect(ctx, "u1")
	require.True(t, res.Success)
	assert.False(t, env.g.Tracker().Pending(connectionKey("u1")))
	w := env.g.WaitForConnection(ctx, "u1")
	assert.False(t, w.Success)
	stored, _ := env.store.Get(ctx, "u1")
	assert.Nil(t, stored)
}

func TestWalletDeletesSession(t *testing.T) {
	env := newEnv(t, nil)
	events := record(env.g)
	ctx := context.Background()
	c := env.connectApproved(t, "u1", testAddress)

	c.push(walletconnect.SessionDelete{Topic: "topic-u1", Reason: walletconnect.Reason{Message: "wallet closed"}})
	ev := events.waitFor(t, KindDisconnected).(Disconnected)
	assert.Equal(t, "wallet closed", ev.Reason)
	assert.False(t, env.g.IsConnected("u1"))
	require.Eventually(t, func() bool {
		s, _ := env.store.Get(ctx, "u1")
		return s == nil
	}, time.Second, 5*time.Millisecond)
}

func TestTransportClosedKeepsRecordForRestore(t *testing.T) {
	env := newEnv(t, nil)
	events := record(env.g)
	c := env.connectApproved(t, "u1", testAddress)

	_ = c.Close()
	ev := events.waitFor(t, KindDisconnected).(Disconnected)
	assert.Equal(t, "transport closed", ev.Reason)
	assert.Equal(t, 0, env.g.Registry().Len())
	stored, err := env.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsActive)
}

func TestIsConnected_ExpiresWithAge(t *testing.T) {
	env := newEnv(t, nil)
	start := time.Now()
	env.clock.Set(start)
	env.connectApproved(t, "u1", testAddress)
	assert.True(t, env.g.IsConnected("u1"))

	env.clock.Set(start.Add(session.DefaultMaxAge + time.Millisecond))
	assert.False(t, env.g.IsConnected("u1"))
	_, ok := env.g.Address("u1")
	assert.False(t, ok)
	st := env.g.Stats(context.Background())
	assert.Equal(t, 1, st.Expired)
}

func TestSweepExpired(t *testing.T) {
	env := newEnv(t, nil)
	events := record(env.g)
	ctx := context.Background()

	// approved 25h ago on the gateway clock, which is also the stored LastActivity
	env.clock.Set(time.Now().Add(-25 * time.Hour))
	c := env.connectApproved(t, "u1", testAddress)
	require.NoError(t, env.store.Save(ctx, sessiontest.NewActive("fresh", time.Now().Add(-time.Millisecond))))
	require.NoError(t, env.store.Save(ctx, sessiontest.NewActive("old", time.Now().Add(-30*time.Hour))))
	env.clock.Set(time.Now())

	n, err := env.g.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	ev := events.waitFor(t, KindDisconnected).(Disconnected)
	assert.Equal(t, "session expired", ev.Reason)
	assert.True(t, c.isClosed())
	assert.Equal(t, 0, env.g.Registry().Len())

	list, err := env.store.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "fresh", list.Sessions[0].UserID)
}

func TestSweeper(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.store.Save(ctx, sessiontest.NewActive("old", time.Now().Add(-30*time.Hour))))

	s := NewSweeper(env.g, 10*time.Millisecond)
	s.Start(ctx)
	defer s.Stop()
	require.Eventually(t, func() bool {
		old, _ := env.store.Get(ctx, "old")
		return old == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	s := NewSweeper(nil, time.Second)
	s.Stop()
}

func TestInit_RestoresValidSessions(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Save(ctx, sessiontest.NewActive("u1", now)))
	require.NoError(t, store.Save(ctx, sessiontest.NewActive("expired", now.Add(-30*time.Hour))))
	noState := sessiontest.NewActive("nostate", now)
	noState.Payload.RestoreState = nil
	require.NoError(t, store.Save(ctx, noState))
	pending := session.New("pending", 1, now)
	require.NoError(t, store.Save(ctx, pending))

	env := newEnv(t, store)
	n, err := env.g.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"topic-u1"}, env.dialer.restored)
	assert.True(t, env.g.IsConnected("u1"))
	assert.Equal(t, []string{"u1"}, env.g.Registry().UserIDs())

	list, err := store.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "u1", list.Sessions[0].UserID)

	// second Init is a no-op
	n, err = env.g.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the restored client keeps delivering events for its user
	events := record(env.g)
	env.dialer.last().push(walletconnect.SessionDelete{Topic: "topic-u1"})
	events.waitFor(t, KindDisconnected)
	assert.False(t, env.g.IsConnected("u1"))
}

func TestInit_DropsUnrestorableSessions(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sessiontest.NewActive("u1", time.Now())))

	env := newEnv(t, store)
	env.dialer.restoreErr = errors.New("bridge gone")
	n, err := env.g.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	stored, _ := store.Get(ctx, "u1")
	assert.Nil(t, stored)
}

func TestInit_ListFailure(t *testing.T) {
	st := &mocks.MockStore{}
	st.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	st.On("Close").Return(nil)
	env := newEnv(t, st)
	_, err := env.g.Init(context.Background())
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestDestroy_KeepsSessions(t *testing.T) {
	env := newEnv(t, nil, func(c *Config) { c.KeepSessionsOnDestroy = true })
	ctx := context.Background()
	active := env.connectApproved(t, "u1", testAddress)
	require.True(t, env.g.Connect(ctx, ConnectRequest{UserID: "u2"}).Success)
	pending := env.dialer.last()

	require.NoError(t, env.g.Destroy(ctx))
	assert.Equal(t, 0, env.g.Tracker().Len())
	assert.Equal(t, 0, env.g.Registry().Len())
	assert.True(t, active.isClosed())
	assert.True(t, pending.isClosed())

	list, err := env.store.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "u1", list.Sessions[0].UserID)

	res := env.g.Connect(ctx, ConnectRequest{UserID: "u3"})
	assert.True(t, errors.Is(res.Err, ErrDestroyed))
	assert.NoError(t, env.g.Destroy(ctx))
}

func TestDestroy_DisconnectsSessions(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	active := env.connectApproved(t, "u1", testAddress)
	events := record(env.g)

	require.NoError(t, env.g.Destroy(ctx))
	assert.True(t, active.isClosed())
	active.mu.Lock()
	assert.Equal(t, 1, active.disconnects)
	active.mu.Unlock()

	ev := events.waitFor(t, KindDisconnected).(Disconnected)
	assert.Equal(t, "u1", ev.UserID)
	list, err := env.store.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Sessions)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	env := newEnv(t, nil)
	env.g.On(func(Event) { panic("boom") })
	events := record(env.g)

	env.connectApproved(t, "u1", testAddress)
	events.waitFor(t, KindConnected)
	assert.True(t, env.g.IsConnected("u1"))
}

func TestUnsubscribe(t *testing.T) {
	env := newEnv(t, nil)
	var mu sync.Mutex
	calls := 0
	off := env.g.On(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	off()
	off()
	env.g.emitter.emit(Connected{UserID: "u1"})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestStats(t *testing.T) {
	env := newEnv(t, nil)
	env.connectApproved(t, "u1", testAddress)
	require.True(t, env.g.Connect(context.Background(), ConnectRequest{UserID: "u2"}).Success)

	st := env.g.Stats(context.Background())
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.PendingTimeouts)
	assert.True(t, st.Store.Connected)
	assert.Equal(t, 2, st.Store.RecordCount)

	sessions := env.g.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "u1", sessions[0].UserID)
}
