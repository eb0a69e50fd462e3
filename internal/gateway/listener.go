package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/walletconnect"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

const persistTimeout = 10 * time.Second

// listen translates the protocol events of one client into gateway state and
// events. It is bound to h: events are never matched by topic across users.
func (g *Gateway) listen(ctx context.Context, h *handle, client walletconnect.Client) {
	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				g.onClientClosed(h)
				return
			}
			if owner, bound := g.registry.Owner(client); !bound || owner != h.userID {
				log.Debugf("gateway - drop %T from client no longer owned by %v", e, h.userID)
				continue
			}
			g.dispatch(h, client, e)
		}
	}
}

func (g *Gateway) dispatch(h *handle, client walletconnect.Client, e walletconnect.Event) {
	switch ev := e.(type) {
	case walletconnect.SessionConnect:
		g.onApproved(h, client, ev)
	case walletconnect.SessionReject:
		g.onRejected(h, ev.Reason)
	case walletconnect.SessionUpdate:
		g.onUpdated(h, ev)
	case walletconnect.SessionEvent:
		g.onSessionEvent(h, ev)
	case walletconnect.SessionDelete:
		g.onDeleted(h, ev)
	default:
		log.Debugf("gateway - ignore protocol event %T", e)
	}
}

func primaryAccount(accounts []string) (string, int) {
	for _, account := range accounts {
		chainID, address, err := walletconnect.ParseAccount(account)
		if err == nil && address != "" {
			return address, chainID
		}
	}
	return "", 0
}

func (g *Gateway) onApproved(h *handle, client walletconnect.Client, ev walletconnect.SessionConnect) {
	now := g.now()
	accounts := walletconnect.Accounts(ev.Namespaces)
	address, chainID := primaryAccount(accounts)
	state := client.RestoreState()
	s, approved := h.approve(func(s *session.Session) {
		s.Topic = ev.Topic
		if address != "" {
			s.Address = address
		}
		if chainID != 0 {
			s.ChainID = chainID
		}
		peer := ev.Peer
		p := &session.Payload{
			Accounts:     accounts,
			Namespaces:   ev.Namespaces,
			Peer:         &peer,
			RestoreState: state,
		}
		s.Payload = p.Clone()
		s.IsActive = true
		s.LastActivity = now
		s.UpdatedAt = now
	})
	if !approved {
		log.Warnf("gateway - approval for %v arrived after the handshake settled", h.userID)
		return
	}
	g.tracker.Cancel(connectionKey(h.userID))
	log.Infof("gateway - %v connected %v on chain %d", h.userID, s.Address, s.ChainID)
	g.persist(h, "approve")
	g.emitter.emit(Connected{UserID: h.userID, Topic: s.Topic, Address: s.Address, ChainID: s.ChainID, Peer: ev.Peer.Name})
}

func (g *Gateway) onRejected(h *handle, reason string) {
	if reason == "" {
		reason = "rejected"
	}
	if !h.fail(classify(ErrRejected, errors.New(reason))) {
		return
	}
	log.Infof("gateway - %v rejected connection: %v", h.userID, reason)
	g.tracker.Cancel(connectionKey(h.userID))
	_, _ = g.evict(h)
	h.release()
	g.emitter.emit(ConnectionRejected{UserID: h.userID, Reason: reason})
}

func (g *Gateway) onUpdated(h *handle, ev walletconnect.SessionUpdate) {
	if h.pending() {
		log.Debugf("gateway - ignore update for pending session of %v", h.userID)
		return
	}
	accounts := walletconnect.Accounts(ev.Namespaces)
	address, chainID := primaryAccount(accounts)
	var before int
	s := h.mutate(func(s *session.Session) {
		before = s.ChainID
		if address != "" {
			s.Address = address
		}
		if chainID != 0 {
			s.ChainID = chainID
		}
		if s.Payload == nil {
			s.Payload = &session.Payload{}
		}
		p := &session.Payload{Accounts: accounts, Namespaces: ev.Namespaces}
		p = p.Clone()
		s.Payload.Accounts = p.Accounts
		s.Payload.Namespaces = p.Namespaces
		s.UpdatedAt = g.now()
	})
	g.persist(h, "session update")
	g.emitter.emit(SessionUpdated{UserID: h.userID, Topic: s.Topic, Accounts: accounts})
	if chainID != 0 && chainID != before {
		g.emitter.emit(ChainChanged{UserID: h.userID, ChainID: chainID})
	}
}

func (g *Gateway) onSessionEvent(h *handle, ev walletconnect.SessionEvent) {
	switch ev.Name {
	case "chainChanged":
		chainID, err := parseChainData(ev.Data)
		if err != nil {
			log.Warnf("gateway - chainChanged of %v: %v", h.userID, err)
			return
		}
		h.mutate(func(s *session.Session) {
			s.ChainID = chainID
			s.UpdatedAt = g.now()
		})
		g.persist(h, "chain changed")
		g.emitter.emit(ChainChanged{UserID: h.userID, ChainID: chainID})
	case "accountsChanged":
		var accounts []string
		if err := json.Unmarshal(ev.Data, &accounts); err != nil || len(accounts) == 0 {
			log.Warnf("gateway - accountsChanged of %v: unexpected data %s", h.userID, ev.Data)
			return
		}
		_, address, err := walletconnect.ParseAccount(accounts[0])
		if err != nil {
			log.Warnf("gateway - accountsChanged of %v: %v", h.userID, err)
			return
		}
		h.mutate(func(s *session.Session) {
			s.Address = address
			s.UpdatedAt = g.now()
		})
		g.persist(h, "accounts changed")
		g.emitter.emit(AccountsChanged{UserID: h.userID, Address: address})
	default:
		log.Debugf("gateway - ignore session event %v of %v", ev.Name, h.userID)
	}
}

// parseChainData accepts 137, "137", "0x89" and "eip155:137".
func parseChainData(data json.RawMessage) (int, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, errors.Wrap(err, "decode chain id")
	}
	switch c := v.(type) {
	case float64:
		if c <= 0 || c != float64(int(c)) {
			return 0, errors.Errorf("invalid chain id %v", c)
		}
		return int(c), nil
	case string:
		if strings.HasPrefix(c, "0x") || strings.HasPrefix(c, "0X") {
			id, err := strconv.ParseInt(c[2:], 16, 64)
			if err != nil || id <= 0 {
				return 0, errors.Errorf("invalid chain id %q", c)
			}
			return int(id), nil
		}
		return walletconnect.ParseChainID(c)
	default:
		return 0, errors.Errorf("invalid chain id %s", data)
	}
}

func (g *Gateway) onDeleted(h *handle, ev walletconnect.SessionDelete) {
	reason := ev.Reason.Message
	if reason == "" {
		reason = "session deleted by wallet"
	}
	h.fail(classify(ErrNotFound, errors.New(reason)))
	g.tracker.Cancel(connectionKey(h.userID))
	s := h.snapshot()
	removed, _ := g.evict(h)
	h.release()
	if removed {
		log.Infof("gateway - %v session deleted: %v", h.userID, reason)
		g.emitter.emit(Disconnected{UserID: h.userID, Topic: s.Topic, Reason: reason})
	}
}

// onClientClosed handles a client whose event stream ended without the
// gateway releasing it, e.g. a dropped relay connection. An approved record
// stays in the store so the next Init can restore it.
func (g *Gateway) onClientClosed(h *handle) {
	if h.closing.Load() {
		return
	}
	if h.fail(classify(ErrTransport, errors.New("protocol client closed"))) {
		g.tracker.Cancel(connectionKey(h.userID))
		_, _ = g.evict(h)
		h.release()
		g.emitter.emit(Error{UserID: h.userID, Op: "connect", Err: "protocol client closed before approval"})
		return
	}
	s := h.snapshot()
	removed := g.registry.remove(h)
	h.release()
	if removed {
		log.Warnf("gateway - protocol client of %v closed", h.userID)
		g.emitter.emit(Disconnected{UserID: h.userID, Topic: s.Topic, Reason: "transport closed"})
	}
}

// evict removes h from the registry and its record from the store. Writes of
// the same user are serialized with persist.
func (g *Gateway) evict(h *handle) (bool, error) {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()
	if !g.registry.remove(h) {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.Delete(ctx, h.userID); err != nil {
		log.Errorf("gateway - delete session %v: %v", h.userID, err)
		return true, classify(ErrPersistence, err)
	}
	return true, nil
}

// persist writes the current snapshot of a still registered handle.
func (g *Gateway) persist(h *handle, op string) {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()
	if cur, ok := g.registry.get(h.userID); !ok || cur != h {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.Save(ctx, h.snapshot()); err != nil {
		log.Errorf("gateway - persist %v of %v: %v", op, h.userID, err)
		g.emitter.emit(Error{UserID: h.userID, Op: op, Err: err.Error()})
	}
}

// touch stamps LastActivity after a successful operation.
func (g *Gateway) touch(ctx context.Context, h *handle) {
	now := g.now()
	h.mutate(func(s *session.Session) {
		s.LastActivity = now
		s.UpdatedAt = now
	})
	h.persistMu.Lock()
	defer h.persistMu.Unlock()
	if cur, ok := g.registry.get(h.userID); !ok || cur != h {
		return
	}
	err := g.store.Update(ctx, h.userID, session.Touch(now))
	if errors.Is(err, session.ErrNotFound) {
		err = g.store.Save(ctx, h.snapshot())
	}
	if err != nil {
		log.Warnf("gateway - touch session %v: %v", h.userID, err)
	}
}
