package gateway

import (
	"moff.io/wallet-gateway/internal/timeout"
	"moff.io/wallet-gateway/pkg/errors"
)

// Failure classes. Every failed Result carries one of them in Err so callers
// can branch with errors.Is.
var (
	ErrNotConnected = errors.New("wallet not connected")
	ErrTimeout      = timeout.ErrTimeout
	ErrTransport    = errors.New("wallet transport failure")
	ErrCodec        = errors.New("abi codec failure")
	ErrPersistence  = errors.New("session persistence failure")
	ErrNotFound     = errors.New("session not found")
	ErrRejected     = errors.New("connection rejected by wallet")
	ErrInvalidURI   = errors.New("invalid pairing uri")
	ErrClientShared = errors.New("protocol client already owned by another session")
	ErrDestroyed    = errors.New("gateway destroyed")
	ErrInvalidInput = errors.New("invalid request")
)

// classified keeps the original message while matching a failure class.
type classified struct {
	class error
	err   error
}

func (e *classified) Error() string {
	return e.err.Error()
}

func (e *classified) Unwrap() error {
	return e.err
}

func (e *classified) Is(target error) bool {
	return target == e.class
}

func classify(class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// transportErr leaves timeouts and caller cancellation untouched.
func transportErr(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) || isContextErr(err) {
		return err
	}
	return classify(ErrTransport, err)
}
