// Package deeplink renders a pairing uri into per-wallet links.
package deeplink

import (
	"net/url"
	"strings"
)

type Wallet struct {
	Name string
	// Universal and Native are link prefixes; the escaped uri is appended.
	Universal string
	Native    string
	Web       string
}

type Link struct {
	Wallet    string `json:"wallet"`
	Universal string `json:"universal,omitempty"`
	Native    string `json:"native,omitempty"`
	Web       string `json:"web,omitempty"`
}

var Wallets = []Wallet{
	{Name: "MetaMask", Universal: "https://metamask.app.link/wc?uri=", Native: "metamask://wc?uri=", Web: "https://metamask.io"},
	{Name: "Trust Wallet", Universal: "https://link.trustwallet.com/wc?uri=", Native: "trust://wc?uri=", Web: "https://trustwallet.com"},
	{Name: "Rainbow", Universal: "https://rnbwapp.com/wc?uri=", Native: "rainbow://wc?uri=", Web: "https://rainbow.me"},
	{Name: "Coinbase Wallet", Universal: "https://go.cb-w.com/wc?uri=", Native: "cbwallet://wc?uri=", Web: "https://www.coinbase.com/wallet"},
	{Name: "imToken", Native: "imtokenv2://wc?uri=", Web: "https://token.im"},
	{Name: "TokenPocket", Native: "tpoutside://wc?uri=", Web: "https://www.tokenpocket.pro"},
	{Name: "Zerion", Universal: "https://wallet.zerion.io/wc?uri=", Native: "zerion://wc?uri=", Web: "https://zerion.io"},
	{Name: "Ledger Live", Native: "ledgerlive://wc?uri=", Web: "https://www.ledger.com/ledger-live"},
}

// Generate returns one link set per known wallet. An empty uri yields none.
func Generate(uri string) []Link {
	if strings.TrimSpace(uri) == "" {
		return nil
	}
	escaped := url.QueryEscape(uri)
	links := make([]Link, 0, len(Wallets))
	for _, w := range Wallets {
		l := Link{Wallet: w.Name, Web: w.Web}
		if w.Universal != "" {
			l.Universal = w.Universal + escaped
		}
		if w.Native != "" {
			l.Native = w.Native + escaped
		}
		links = append(links, l)
	}
	return links
}
