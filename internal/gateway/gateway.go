// Package gateway keeps one wallet connection per user id: it opens
// handshakes, tracks their approval, restores approved sessions after a
// restart and routes wallet operations through them.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"

	"moff.io/wallet-gateway/internal/abi"
	"moff.io/wallet-gateway/internal/deeplink"
	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/timeout"
	"moff.io/wallet-gateway/internal/walletconnect"
	"moff.io/wallet-gateway/pkg/bridge"
	"moff.io/wallet-gateway/pkg/concurrent"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

type Gateway struct {
	cfg      Config
	dialer   walletconnect.Dialer
	store    session.Store
	codec    *abi.Codec
	registry *Registry
	tracker  *timeout.Tracker
	emitter  *emitter
	qr       QRPublisher
	now      func() time.Time

	opSeq       atomic.Uint64
	initialized atomic.Bool
	destroyed   atomic.Bool
}

// New validates the configuration. It is the only call that returns an error
// instead of a Result.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("walletconnect project id is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("protocol dialer is required")
	}
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	cfg.applyDefaults()
	g := &Gateway{
		cfg:      cfg,
		dialer:   deps.Dialer,
		store:    deps.Store,
		codec:    deps.Codec,
		registry: deps.Registry,
		tracker:  timeout.New(cfg.Timeouts),
		emitter:  newEmitter(),
		qr:       deps.QRPublisher,
		now:      deps.Clock,
	}
	if g.codec == nil {
		g.codec = abi.NewCodec()
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// On registers handler for every gateway event and returns its unsubscribe.
func (g *Gateway) On(handler Handler) func() {
	return g.emitter.on(handler)
}

func (g *Gateway) Tracker() *timeout.Tracker {
	return g.tracker
}

func (g *Gateway) Registry() *Registry {
	return g.registry
}

func (g *Gateway) options() walletconnect.Options {
	return walletconnect.Options{
		ProjectID: g.cfg.ProjectID,
		RelayURL:  g.cfg.RelayURL,
		Metadata:  g.cfg.Metadata,
	}
}

func connectionKey(userID string) string {
	return "connection-" + userID
}

func (g *Gateway) opKey(kind timeout.Kind, userID string) string {
	return fmt.Sprintf("%v-%v-%d", kind, userID, g.opSeq.Inc())
}

// Init restores persisted sessions. Invalid records and those whose client
// cannot be rebuilt are dropped; only a failure to list the store is
// returned.
func (g *Gateway) Init(ctx context.Context) (int, error) {
	if !g.initialized.CAS(false, true) {
		return 0, nil
	}
	res, err := g.store.List(ctx, session.ListOptions{})
	if err != nil {
		return 0, classify(ErrPersistence, errors.Wrap(err, "list stored sessions"))
	}
	var restored atomic.Int64
	err = concurrent.Each(ctx, g.cfg.RestoreConcurrency, res.Sessions, func(s *session.Session) {
		if g.restore(ctx, s) {
			restored.Inc()
		}
	})
	if err != nil {
		log.Warnf("gateway - restore interrupted: %v", err)
	}
	log.Infof("gateway - restored %d of %d stored sessions", restored.Load(), len(res.Sessions))
	return int(restored.Load()), nil
}

func (g *Gateway) restore(ctx context.Context, s *session.Session) bool {
	drop := func(reason string) {
		log.Warnf("gateway - drop stored session %v: %v", s.UserID, reason)
		if err := g.store.Delete(ctx, s.UserID); err != nil {
			log.Errorf("gateway - delete stored session %v: %v", s.UserID, err)
		}
	}
	if !s.Valid(g.now(), g.cfg.MaxAge) {
		drop("invalid or expired")
		return false
	}
	if s.Payload == nil || len(s.Payload.RestoreState) == 0 {
		drop("no restore state")
		return false
	}
	client, err := g.dialer.Restore(ctx, g.options(), s.Topic, s.Payload.RestoreState)
	if err != nil {
		drop(err.Error())
		return false
	}
	h := newRestoredHandle(s, client)
	replaced, err := g.registry.put(h)
	if err != nil {
		_ = client.Close()
		drop(err.Error())
		return false
	}
	if replaced != nil {
		replaced.release()
	}
	listenCtx, stop := context.WithCancel(context.Background())
	h.attach(client, stop)
	go g.listen(listenCtx, h, client)
	return true
}

// Destroy stops every timer and releases every client. Pending sessions are
// removed. Approved ones are disconnected and removed, or kept in the store for
// the next Init when KeepSessionsOnDestroy is set.
func (g *Gateway) Destroy(ctx context.Context) error {
	if !g.destroyed.CAS(false, true) {
		return nil
	}
	g.tracker.CancelAll()
	for _, h := range g.registry.drain() {
		switch {
		case h.fail(ErrDestroyed):
			if err := g.store.Delete(ctx, h.userID); err != nil {
				log.Warnf("gateway - delete pending session %v: %v", h.userID, err)
			}
		case !g.cfg.KeepSessionsOnDestroy:
			g.disconnectOnDestroy(ctx, h)
		}
		h.release()
	}
	return g.store.Close()
}

// disconnectOnDestroy ends an approved session on both sides, best effort.
func (g *Gateway) disconnectOnDestroy(ctx context.Context, h *handle) {
	s := h.snapshot()
	if client := h.protocolClient(); client != nil && s.Topic != "" {
		err := client.Disconnect(ctx, walletconnect.DisconnectParams{
			Topic:  s.Topic,
			Reason: walletconnect.ReasonUserDisconnected,
		})
		if err != nil {
			log.Warnf("gateway - notify wallet of %v disconnect: %v", h.userID, err)
		}
	}
	if err := g.store.Delete(ctx, h.userID); err != nil {
		log.Warnf("gateway - delete session %v: %v", h.userID, err)
	}
	g.emitter.emit(Disconnected{UserID: h.userID, Topic: s.Topic, Reason: "gateway destroyed"})
}

type ConnectRequest struct {
	UserID  string
	ChainID int
	Methods []string
	Events  []string
}

// Connect returns the user's valid session, the pending handshake already in
// flight, or opens a new handshake.
func (g *Gateway) Connect(ctx context.Context, req ConnectRequest) ConnectResult {
	if g.destroyed.Load() {
		return ConnectResult{Result: fail(ErrDestroyed)}
	}
	if strings.TrimSpace(req.UserID) == "" {
		return ConnectResult{Result: fail(classify(ErrInvalidInput, errors.New("user id is required")))}
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = g.cfg.DefaultChainID
	}
	now := g.now()
	fresh := newHandle(session.New(req.UserID, chainID, now))
	h, created, replaced := g.registry.acquire(fresh, func(cur *handle) bool {
		return cur.pending() || cur.valid(now, g.cfg.MaxAge)
	})
	if replaced != nil {
		log.Infof("gateway - replace stale session of %v", req.UserID)
		replaced.release()
	}
	if !created {
		return g.existing(ctx, h)
	}
	res := g.handshake(ctx, h, chainID, req)
	h.markReady(res)
	return res
}

func (g *Gateway) existing(ctx context.Context, h *handle) ConnectResult {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return ConnectResult{Result: fail(ctx.Err())}
	}
	res, pairing := h.readyResult()
	if !res.Success {
		return res
	}
	if err := h.outcome(); err != nil {
		return ConnectResult{Result: fail(err)}
	}
	s := h.snapshot()
	if s.Valid(g.now(), g.cfg.MaxAge) {
		return ConnectResult{Result: succeeded(), Session: s}
	}
	if pairing == nil {
		return ConnectResult{Result: fail(classify(ErrNotConnected, errors.New("session is no longer valid")))}
	}
	out := *pairing
	out.Session = s
	return out
}

func (g *Gateway) handshake(ctx context.Context, h *handle, chainID int, req ConnectRequest) ConnectResult {
	failed := func(err error) ConnectResult {
		g.abandon(h, err)
		log.Warnf("gateway - connect %v: %v", h.userID, err)
		return ConnectResult{Result: fail(err)}
	}

	client, err := g.dialer.Dial(ctx, g.options())
	if err != nil {
		return failed(transportErr(errors.Wrap(err, "init protocol client")))
	}
	if err := g.registry.bind(h, client); err != nil {
		_ = client.Close()
		return failed(err)
	}
	listenCtx, stop := context.WithCancel(context.Background())
	h.attach(client, stop)
	go g.listen(listenCtx, h, client)

	if err := g.store.Save(ctx, h.snapshot()); err != nil {
		return failed(classify(ErrPersistence, err))
	}

	d := g.tracker.Duration(timeout.KindConnection)
	key := connectionKey(h.userID)
	g.tracker.Start(key, timeout.KindConnection, func() {
		g.onConnectionTimeout(h, d)
	})

	pairing, err := client.Connect(ctx, walletconnect.ConnectParams{
		RequiredNamespaces: namespaces(chainID, req.Methods, req.Events),
	})
	if err != nil {
		return failed(transportErr(errors.Wrap(err, "create handshake")))
	}
	uri := ""
	if pairing != nil {
		uri = strings.TrimSpace(pairing.URI)
	}
	if uri == "" || !strings.HasPrefix(uri, bridge.Scheme) {
		return failed(classify(ErrInvalidURI, errors.Errorf("handshake returned uri %q", uri)))
	}
	png, dataURL, err := renderQR(uri)
	if err != nil {
		return failed(err)
	}
	res := ConnectResult{
		Result:    succeeded(),
		URI:       uri,
		QRCode:    dataURL,
		DeepLinks: deeplink.Generate(uri),
		Timeout:   d,
		TimeoutMs: d.Milliseconds(),
		Progress:  timeout.NewProgress(key, d),
		Session:   h.snapshot(),
	}
	if g.qr != nil {
		if url, err := g.qr.PublishQRCode(ctx, h.userID, png); err != nil {
			log.Warnf("gateway - publish qr code of %v: %v", h.userID, err)
		} else {
			res.QRCodeURL = url
		}
	}
	log.Infof("gateway - handshake opened for %v on chain %d", h.userID, chainID)
	return res
}

func namespaces(chainID int, methods, events []string) map[string]walletconnect.Namespace {
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	if len(events) == 0 {
		events = DefaultEvents
	}
	return map[string]walletconnect.Namespace{
		"eip155": {
			Chains:  []string{walletconnect.FormatChainID(chainID)},
			Methods: append([]string(nil), methods...),
			Events:  append([]string(nil), events...),
		},
	}
}

// abandon tears down a handshake that failed before approval.
func (g *Gateway) abandon(h *handle, err error) {
	if !h.fail(err) {
		return
	}
	g.tracker.Cancel(connectionKey(h.userID))
	_, _ = g.evict(h)
	h.release()
}

func (g *Gateway) onConnectionTimeout(h *handle, d time.Duration) {
	err := &timeout.TimeoutError{Key: connectionKey(h.userID), Kind: timeout.KindConnection, Duration: d}
	if !h.fail(err) {
		return
	}
	log.Infof("gateway - connection of %v timed out after %v", h.userID, d)
	_, _ = g.evict(h)
	h.release()
	g.emitter.emit(ConnectionTimeout{UserID: h.userID, Timeout: d, TimeoutMs: d.Milliseconds()})
}

// WaitForConnection blocks until the pending handshake of userID settles or
// ctx is done.
func (g *Gateway) WaitForConnection(ctx context.Context, userID string) ConnectResult {
	h, found := g.registry.get(userID)
	if !found {
		return ConnectResult{Result: fail(classify(ErrNotFound, errors.Errorf("no session for %v", userID)))}
	}
	select {
	case <-h.settled:
	case <-ctx.Done():
		return ConnectResult{Result: fail(ctx.Err())}
	}
	if err := h.outcome(); err != nil {
		return ConnectResult{Result: fail(err)}
	}
	return ConnectResult{Result: succeeded(), Session: h.snapshot()}
}

// Disconnect ends the user's session. The local record is removed even when
// the wallet cannot be notified.
func (g *Gateway) Disconnect(ctx context.Context, userID string) Result {
	h, found := g.registry.get(userID)
	if !found {
		return fail(classify(ErrNotFound, errors.Errorf("no session for %v", userID)))
	}
	s := h.snapshot()
	if client := h.protocolClient(); client != nil && s.Topic != "" {
		err := client.Disconnect(ctx, walletconnect.DisconnectParams{
			Topic:  s.Topic,
			Reason: walletconnect.ReasonUserDisconnected,
		})
		if err != nil {
			log.Warnf("gateway - notify wallet of %v disconnect: %v", userID, err)
		}
	}
	h.fail(classify(ErrNotFound, errors.New("disconnected before approval")))
	g.tracker.Cancel(connectionKey(userID))
	removed, err := g.evict(h)
	h.release()
	if removed {
		g.emitter.emit(Disconnected{UserID: userID, Topic: s.Topic, Reason: walletconnect.ReasonUserDisconnected.Message})
	}
	if err != nil {
		return fail(err)
	}
	return succeeded()
}

// IsConnected recomputes validity on every call.
func (g *Gateway) IsConnected(userID string) bool {
	h, found := g.registry.get(userID)
	if !found {
		return false
	}
	return h.valid(g.now(), g.cfg.MaxAge)
}

// Session returns a copy of the registered session.
func (g *Gateway) Session(userID string) (*session.Session, bool) {
	h, found := g.registry.get(userID)
	if !found {
		return nil, false
	}
	return h.snapshot(), true
}

func (g *Gateway) Sessions() []*session.Session {
	handles := g.registry.handles()
	out := make([]*session.Session, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	return out
}

// Address returns the primary account of a valid session.
func (g *Gateway) Address(userID string) (string, bool) {
	h, found := g.registry.get(userID)
	if !found || !h.valid(g.now(), g.cfg.MaxAge) {
		return "", false
	}
	return h.snapshot().Address, true
}

func (g *Gateway) Stats(ctx context.Context) Stats {
	now := g.now()
	st := Stats{PendingTimeouts: g.tracker.Len()}
	for _, h := range g.registry.handles() {
		st.Total++
		s := h.snapshot()
		switch s.State(now, g.cfg.MaxAge) {
		case session.StateActive:
			st.Active++
		case session.StateExpired:
			st.Expired++
		default:
			st.Pending++
		}
	}
	st.Store = g.store.Health(ctx)
	return st
}

// SweepExpired releases expired approved sessions and deletes expired store
// records. Pending handshakes are governed by their connection deadline.
func (g *Gateway) SweepExpired(ctx context.Context) (int, error) {
	now := g.now()
	released := 0
	for _, h := range g.registry.handles() {
		if h.pending() {
			continue
		}
		s := h.snapshot()
		if !s.Expired(now, g.cfg.MaxAge) {
			continue
		}
		if g.registry.remove(h) {
			h.release()
			released++
			g.emitter.emit(Disconnected{UserID: h.userID, Topic: s.Topic, Reason: "session expired"})
		}
	}
	n, err := g.store.SweepExpired(ctx, g.cfg.MaxAge)
	if err != nil {
		return 0, classify(ErrPersistence, err)
	}
	if released > 0 || n > 0 {
		log.Infof("gateway - swept %d live and %d stored expired sessions", released, n)
	}
	return n, nil
}
