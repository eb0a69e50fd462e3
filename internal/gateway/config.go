package gateway

import (
	"time"

	"moff.io/wallet-gateway/internal/abi"
	"moff.io/wallet-gateway/internal/config"
	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/timeout"
	"moff.io/wallet-gateway/internal/walletconnect"
)

var (
	DefaultMethods = []string{"eth_sendTransaction", "eth_sign", "personal_sign"}
	DefaultEvents  = []string{"chainChanged", "accountsChanged"}
)

type Config struct {
	ProjectID      string
	RelayURL       string
	Metadata       walletconnect.Metadata
	DefaultChainID int
	// Timeouts override the per-kind defaults; missing kinds keep theirs.
	Timeouts           map[timeout.Kind]time.Duration
	MaxAge             time.Duration
	RestoreConcurrency int
	// KeepSessionsOnDestroy 为true时Destroy保留已批准的会话供下次Init恢复，
	// 否则通知钱包断开并删除
	KeepSessionsOnDestroy bool
}

// Deps are the collaborators a Gateway is built from. Codec, Registry,
// QRPublisher and Clock are optional.
type Deps struct {
	Dialer      walletconnect.Dialer
	Store       session.Store
	Codec       *abi.Codec
	Registry    *Registry
	QRPublisher QRPublisher
	Clock       func() time.Time
}

// NewConfig maps the process configuration onto a gateway Config.
func NewConfig(c *config.Configuration) Config {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	md := c.WalletConnect.Metadata
	return Config{
		ProjectID:      c.WalletConnect.ProjectID,
		RelayURL:       c.WalletConnect.BridgeURL,
		DefaultChainID: c.WalletConnect.DefaultChainID,
		Metadata: walletconnect.Metadata{
			Name:        md.Name,
			Description: md.Description,
			URL:         md.URL,
			Icons:       md.Icons,
		},
		Timeouts: map[timeout.Kind]time.Duration{
			timeout.KindConnection:    ms(c.Timeouts.Connection),
			timeout.KindTransaction:   ms(c.Timeouts.Transaction),
			timeout.KindSigning:       ms(c.Timeouts.Signing),
			timeout.KindContractCall:  ms(c.Timeouts.ContractCall),
			timeout.KindContractRead:  ms(c.Timeouts.ContractRead),
			timeout.KindGasEstimation: ms(c.Timeouts.GasEstimation),
		},
		MaxAge:                c.Session.MaxAge,
		RestoreConcurrency:    c.Session.RestoreConcurrency,
		KeepSessionsOnDestroy: c.Session.KeepSessionsOnDestroy,
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultChainID == 0 {
		c.DefaultChainID = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = session.DefaultMaxAge
	}
	if c.RestoreConcurrency <= 0 {
		c.RestoreConcurrency = 8
	}
}
