// Package timeout bounds the wall-clock duration of wallet interactions.
//
// Every awaited interaction is tracked under a unique key with a Kind whose
// duration comes from the tracker's configuration. Keys are unique: starting a
// new deadline for a key that is still pending cancels the old one first.
package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

type Kind string

const (
	KindConnection    Kind = "connection"
	KindTransaction   Kind = "transaction"
	KindSigning       Kind = "signing"
	KindContractCall  Kind = "contractCall"
	KindContractRead  Kind = "contractRead"
	KindGasEstimation Kind = "gasEstimation"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindConnection,
	KindTransaction,
	KindSigning,
	KindContractCall,
	KindContractRead,
	KindGasEstimation,
}

// DefaultDurations returns a fresh copy of the built-in durations.
func DefaultDurations() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindConnection:    30 * time.Second,
		KindTransaction:   60 * time.Second,
		KindSigning:       30 * time.Second,
		KindContractCall:  60 * time.Second,
		KindContractRead:  15 * time.Second,
		KindGasEstimation: 15 * time.Second,
	}
}

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError is the only failure the tracker produces itself.
type TimeoutError struct {
	Key      string
	Kind     Kind
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v operation %v timed out after %v", e.Kind, e.Key, e.Duration)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type entry struct {
	id       uint64
	kind     Kind
	deadline time.Time
	timer    *time.Timer
}

// Tracker owns a table of named, cancellable deadlines.
type Tracker struct {
	mu        sync.Mutex
	durations map[Kind]time.Duration
	entries   map[string]*entry
	seq       uint64
}

// New creates a tracker. Overrides replace the defaults per kind; non-positive
// values are ignored.
func New(overrides map[Kind]time.Duration) *Tracker {
	t := &Tracker{
		durations: DefaultDurations(),
		entries:   make(map[string]*entry),
	}
	t.UpdateDurations(overrides)
	return t
}

// Duration returns the configured duration for kind.
func (t *Tracker) Duration(kind Kind) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durations[kind]
}

// Durations returns a copy of the full configuration.
func (t *Tracker) Durations() map[Kind]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Kind]time.Duration, len(t.durations))
	for k, v := range t.durations {
		out[k] = v
	}
	return out
}

// UpdateDurations merges partial overrides into the configuration.
func (t *Tracker) UpdateDurations(partial map[Kind]time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range partial {
		if v > 0 {
			t.durations[k] = v
		}
	}
}

// Start arms a bare deadline for key. onExpire runs on the timer goroutine
// once the deadline is reached, unless the key is cancelled or re-armed before.
func (t *Tracker) Start(key string, kind Kind, onExpire func()) {
	t.start(key, kind, onExpire)
}

func (t *Tracker) start(key string, kind Kind, onExpire func()) (uint64, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
		delete(t.entries, key)
		log.Debugf("timeout - replaced pending deadline %v", key)
	}
	t.seq++
	id := t.seq
	d := t.durations[kind]
	e := &entry{id: id, kind: kind, deadline: time.Now().Add(d)}
	e.timer = time.AfterFunc(d, func() {
		if !t.settle(key, id) {
			return
		}
		log.Debugf("timeout - %v deadline %v reached after %v", kind, key, d)
		if onExpire != nil {
			onExpire()
		}
	})
	t.entries[key] = e
	return id, d
}

// settle removes the entry only when it is still the one identified by id.
func (t *Tracker) settle(key string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.id != id {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// Cancel clears a pending deadline. No-op when absent.
func (t *Tracker) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

// CancelAll clears every pending deadline.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

// Pending reports whether key has a live deadline.
func (t *Tracker) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Deadline returns the absolute deadline of key.
func (t *Tracker) Deadline(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of pending deadlines.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

type outcome[T any] struct {
	value T
	err   error
}

// Track races op against the deadline configured for kind.
//
// op receives a context that is cancelled when the deadline is reached or ctx
// is done; a result delivered after that is discarded. When op settles first
// the deadline is cleared immediately and its result is returned unchanged.
func Track[T any](ctx context.Context, t *Tracker, key string, kind Kind, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()

	expired := make(chan struct{})
	id, d := t.start(key, kind, func() { close(expired) })

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		t.settle(key, id)
		return r.value, r.err
	case <-expired:
		return zero, &TimeoutError{Key: key, Kind: kind, Duration: d}
	case <-ctx.Done():
		t.settle(key, id)
		return zero, ctx.Err()
	}
}
