// Package session defines the persisted record of one user's wallet
// connection and the Store contract every persistence backend satisfies.
package session

import (
	"time"

	"moff.io/wallet-gateway/internal/walletconnect"
)

// DefaultMaxAge bounds LastActivity age for a session to stay valid.
const DefaultMaxAge = 24 * time.Hour

type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateExpired State = "expired"
)

// Session is one user's connection lifecycle. The live protocol client is not
// part of it and is rebuilt from Payload.RestoreState after a restart.
type Session struct {
	UserID       string    `json:"userId"`
	Topic        string    `json:"topic,omitempty"`
	Address      string    `json:"address,omitempty"`
	ChainID      int       `json:"chainId"`
	Payload      *Payload  `json:"payload,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Payload is the approval bundle kept for inspection and restoration.
type Payload struct {
	Accounts     []string                           `json:"accounts,omitempty"`
	Namespaces   map[string]walletconnect.Namespace `json:"namespaces,omitempty"`
	Peer         *walletconnect.Metadata            `json:"peer,omitempty"`
	RestoreState walletconnect.RestoreState         `json:"restoreState,omitempty"`
}

// New returns a pending session stamped with now.
func New(userID string, chainID int, now time.Time) *Session {
	return &Session{
		UserID:       userID,
		ChainID:      chainID,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
}

// Valid is recomputed on every call: active flag, topic and LastActivity age.
func (s *Session) Valid(now time.Time, maxAge time.Duration) bool {
	if s == nil || !s.IsActive || s.Topic == "" {
		return false
	}
	return !s.Expired(now, maxAge)
}

func (s *Session) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastActivity) > maxAge
}

func (s *Session) State(now time.Time, maxAge time.Duration) State {
	switch {
	case s.Expired(now, maxAge):
		return StateExpired
	case s.IsActive && s.Topic != "":
		return StateActive
	default:
		return StatePending
	}
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Payload = s.Payload.Clone()
	return &cp
}

func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	cp := &Payload{
		Accounts: append([]string(nil), p.Accounts...),
	}
	if p.Namespaces != nil {
		cp.Namespaces = make(map[string]walletconnect.Namespace, len(p.Namespaces))
		for k, ns := range p.Namespaces {
			cp.Namespaces[k] = ns.Clone()
		}
	}
	if p.Peer != nil {
		peer := *p.Peer
		peer.Icons = append([]string(nil), p.Peer.Icons...)
		cp.Peer = &peer
	}
	if p.RestoreState != nil {
		cp.RestoreState = make(walletconnect.RestoreState, len(p.RestoreState))
		for k, v := range p.RestoreState {
			cp.RestoreState[k] = v
		}
	}
	return cp
}

// Update is a partial merge; nil fields are left untouched.
type Update struct {
	Topic        *string
	Address      *string
	ChainID      *int
	Payload      *Payload
	IsActive     *bool
	LastActivity *time.Time
}

// Apply merges u into s and stamps UpdatedAt.
func (u Update) Apply(s *Session, now time.Time) {
	if u.Topic != nil {
		s.Topic = *u.Topic
	}
	if u.Address != nil {
		s.Address = *u.Address
	}
	if u.ChainID != nil {
		s.ChainID = *u.ChainID
	}
	if u.Payload != nil {
		s.Payload = u.Payload.Clone()
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.LastActivity != nil {
		s.LastActivity = *u.LastActivity
	}
	s.UpdatedAt = now
}

// Touch is the Update applied after every successful operation.
func Touch(now time.Time) Update {
	return Update{LastActivity: &now}
}
