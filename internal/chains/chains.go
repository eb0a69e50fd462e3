package chains

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Blockchain struct {
	ID    int    `json:"id"`
	IDHex string `json:"idHex"`
	Name  string `json:"name"`
}

// CAIP returns the CAIP-2 id, e.g. eip155:1.
func (b *Blockchain) CAIP() string {
	return CAIP(b.ID)
}

func CAIP(id int) string {
	return fmt.Sprintf("eip155:%d", id)
}

// HexID returns the 0x-prefixed chain id wallets expect in wallet_* requests.
func HexID(id int) string {
	if b, ok := Mapping[id]; ok {
		return b.IDHex
	}
	return hexutil.EncodeUint64(uint64(id))
}

var (
	Array = []*Blockchain{
		{ID: 1, IDHex: "0x1", Name: "eth"},
		{ID: 5, IDHex: "0x5", Name: "goerli"},
		{ID: 11155111, IDHex: "0xaa36a7", Name: "sepolia"},
		{ID: 10, IDHex: "0xa", Name: "optimism"},
		{ID: 56, IDHex: "0x38", Name: "bsc"},
		{ID: 97, IDHex: "0x61", Name: "bsc testnet"},
		{ID: 137, IDHex: "0x89", Name: "polygon"},
		{ID: 80001, IDHex: "0x13881", Name: "mumbai"},
		{ID: 250, IDHex: "0xfa", Name: "fantom"},
		{ID: 25, IDHex: "0x19", Name: "cronos"},
		{ID: 8453, IDHex: "0x2105", Name: "base"},
		{ID: 42161, IDHex: "0xa4b1", Name: "arbitrum"},
		{ID: 43114, IDHex: "0xa86a", Name: "avalanche"},
		{ID: 43113, IDHex: "0xa869", Name: "avalanche testnet"},
	}

	Mapping = make(map[int]*Blockchain, len(Array))
)

func init() {
	for _, b := range Array {
		Mapping[b.ID] = b
	}
}

// Name returns the known chain name or its CAIP-2 id.
func Name(id int) string {
	if b, ok := Mapping[id]; ok {
		return b.Name
	}
	return CAIP(id)
}
