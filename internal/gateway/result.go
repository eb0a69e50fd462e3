package gateway

import (
	"context"
	"time"

	"moff.io/wallet-gateway/internal/deeplink"
	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/timeout"
	"moff.io/wallet-gateway/pkg/errors"
)

// Result is the uniform outcome of every public call. Err is kept for Go
// callers and never serialized.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

func succeeded() Result {
	return Result{Success: true}
}

func fail(err error) Result {
	return Result{Error: err.Error(), Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type ConnectResult struct {
	Result
	URI       string          `json:"uri,omitempty"`
	QRCode    string          `json:"qrCode,omitempty"`
	QRCodeURL string          `json:"qrCodeUrl,omitempty"`
	DeepLinks []deeplink.Link `json:"deepLinks,omitempty"`
	// Timeout is the connection deadline armed for a pending handshake.
	Timeout   time.Duration     `json:"-"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	Progress  *timeout.Progress `json:"-"`
	Session   *session.Session  `json:"session,omitempty"`
}

// Connected reports whether the result holds an approved session.
func (r ConnectResult) Connected() bool {
	return r.Success && r.Session != nil && r.Session.IsActive
}

type TransactionResult struct {
	Result
	Hash string `json:"hash,omitempty"`
}

type SignatureResult struct {
	Result
	Signature string `json:"signature,omitempty"`
}

type ReadResult struct {
	Result
	Values []interface{} `json:"values,omitempty"`
	Raw    string        `json:"raw,omitempty"`
}

type GasResult struct {
	Result
	Gas uint64 `json:"gas,omitempty"`
}

type CodecResult struct {
	Result
	Data         string        `json:"data,omitempty"`
	FunctionName string        `json:"functionName,omitempty"`
	Args         []interface{} `json:"args,omitempty"`
}

type Stats struct {
	Total           int            `json:"total"`
	Active          int            `json:"active"`
	Pending         int            `json:"pending"`
	Expired         int            `json:"expired"`
	PendingTimeouts int            `json:"pendingTimeouts"`
	Store           session.Health `json:"store"`
}
