package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/walletconnect"
)

// handle is the live side of one session: the record plus the protocol client
// that owns it. Exactly one client per handle.
type handle struct {
	userID string

	mu      sync.Mutex
	session *session.Session
	client  walletconnect.Client
	stop    context.CancelFunc
	// pairing artifacts of a pending handshake, replayed to repeated Connect calls
	pairing *ConnectResult

	// ready is closed once the handshake has produced a pairing or failed.
	ready    chan struct{}
	readyRes ConnectResult

	// settled is closed on approval, rejection, timeout or abandon.
	settled   chan struct{}
	isSettled bool
	settleErr error

	// serializes store writes for this user
	persistMu sync.Mutex
	closing   atomic.Bool
}

func newHandle(s *session.Session) *handle {
	return &handle{
		userID:  s.UserID,
		session: s,
		ready:   make(chan struct{}),
		settled: make(chan struct{}),
	}
}

// newRestoredHandle wraps an approved session rebuilt at startup.
func newRestoredHandle(s *session.Session, client walletconnect.Client) *handle {
	h := newHandle(s)
	h.client = client
	h.isSettled = true
	close(h.settled)
	close(h.ready)
	h.readyRes = ConnectResult{Result: succeeded()}
	return h
}

func (h *handle) snapshot() *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.Clone()
}

func (h *handle) protocolClient() walletconnect.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

func (h *handle) attach(client walletconnect.Client, stop context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.client = client
	h.stop = stop
}

func (h *handle) mutate(fn func(s *session.Session)) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.session)
	return h.session.Clone()
}

// pending reports an unsettled handshake.
func (h *handle) pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.isSettled
}

func (h *handle) valid(now time.Time, maxAge time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.Valid(now, maxAge)
}

// approve applies fn and settles successfully, unless the handshake already
// settled (timed out or abandoned).
func (h *handle) approve(fn func(s *session.Session)) (*session.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isSettled {
		return nil, false
	}
	fn(h.session)
	h.isSettled = true
	close(h.settled)
	return h.session.Clone(), true
}

// fail settles with err. False when already settled.
func (h *handle) fail(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isSettled {
		return false
	}
	h.isSettled = true
	h.settleErr = err
	close(h.settled)
	return true
}

func (h *handle) outcome() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settleErr
}

func (h *handle) markReady(res ConnectResult) {
	h.mu.Lock()
	h.readyRes = res
	if res.Success {
		h.pairing = &res
	}
	h.mu.Unlock()
	close(h.ready)
}

func (h *handle) readyResult() (ConnectResult, *ConnectResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyRes, h.pairing
}

// release stops the listener and closes the client. Safe to call twice.
func (h *handle) release() {
	if !h.closing.CAS(false, true) {
		return
	}
	h.mu.Lock()
	client, stop := h.client, h.stop
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
	if client != nil {
		_ = client.Close()
	}
}

// Registry is the authoritative in-process view: user id -> handle. It also
// indexes protocol clients so no client can be bound to two users.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*handle
	owners  map[walletconnect.Client]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*handle),
		owners:  make(map[walletconnect.Client]string),
	}
}

func (r *Registry) get(userID string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[userID]
	return h, ok
}

// acquire returns the current handle when keep accepts it, otherwise installs
// fresh and returns the handle it replaced, if any.
func (r *Registry) acquire(fresh *handle, keep func(*handle) bool) (h *handle, created bool, replaced *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[fresh.userID]; ok {
		if keep(cur) {
			return cur, false, nil
		}
		r.dropLocked(cur)
		replaced = cur
	}
	r.entries[fresh.userID] = fresh
	return fresh, true, replaced
}

// put installs h unconditionally, e.g. for restored sessions.
func (r *Registry) put(h *handle) (replaced *handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client := h.protocolClient(); client != nil {
		if owner, ok := r.owners[client]; ok && owner != h.userID {
			return nil, ErrClientShared
		}
		r.owners[client] = h.userID
	}
	if cur, ok := r.entries[h.userID]; ok && cur != h {
		r.dropLocked(cur)
		replaced = cur
	}
	r.entries[h.userID] = h
	return replaced, nil
}

// bind records client as owned by h's user.
func (r *Registry) bind(h *handle, client walletconnect.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[client]; ok && owner != h.userID {
		return ErrClientShared
	}
	r.owners[client] = h.userID
	return nil
}

// remove deletes h only if it is still the registered handle for its user.
func (r *Registry) remove(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[h.userID]
	if !ok || cur != h {
		return false
	}
	r.dropLocked(h)
	return true
}

func (r *Registry) dropLocked(h *handle) {
	delete(r.entries, h.userID)
	if client := h.protocolClient(); client != nil {
		if r.owners[client] == h.userID {
			delete(r.owners, client)
		}
	}
}

// Owner returns the user id bound to client.
func (r *Registry) Owner(client walletconnect.Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[client]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// UserIDs returns registered user ids in order.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) handles() []*handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

// drain removes and returns every handle.
func (r *Registry) drain() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	r.entries = make(map[string]*handle)
	r.owners = make(map[walletconnect.Client]string)
	return out
}
