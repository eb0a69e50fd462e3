package walletconnect

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("Sign in to wallet gateway")

	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	assert.True(t, VerifySignature(addr.Hex(), hexutil.Encode(sig), msg))
	assert.True(t, VerifySignature(hexutil.Encode(addr.Bytes()), hexutil.Encode(sig), msg), "lower case address")
	assert.False(t, VerifySignature(addr.Hex(), hexutil.Encode(sig), []byte("other")))
	assert.False(t, VerifySignature("0x0000000000000000000000000000000000000001", hexutil.Encode(sig), msg))
	assert.False(t, VerifySignature(addr.Hex(), "0x1234", msg))
	assert.False(t, VerifySignature("not-an-address", hexutil.Encode(sig), msg))

	sig[crypto.RecoveryIDOffset] -= 27
	assert.True(t, VerifySignature(addr.Hex(), hexutil.Encode(sig), msg), "v as 0/1")
}

func TestParseChainID(t *testing.T) {
	id, err := ParseChainID("eip155:137")
	require.NoError(t, err)
	assert.Equal(t, 137, id)

	id, err = ParseChainID("56")
	require.NoError(t, err)
	assert.Equal(t, 56, id)

	for _, bad := range []string{"", "eip155:", "cosmos:1", "eip155:-1", "eip155:x"} {
		_, err := ParseChainID(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "eip155:10", FormatChainID(10))
}

func TestParseAccount(t *testing.T) {
	chain, addr, err := ParseAccount("eip155:1:0xabc")
	require.NoError(t, err)
	assert.Equal(t, 1, chain)
	assert.Equal(t, "0xabc", addr)

	chain, addr, err = ParseAccount("0xdef")
	require.NoError(t, err)
	assert.Equal(t, 0, chain)
	assert.Equal(t, "0xdef", addr)

	_, _, err = ParseAccount("eip155:0xabc")
	assert.Error(t, err)
}

func TestAccounts(t *testing.T) {
	got := Accounts(map[string]Namespace{
		"eip155": {Accounts: []string{"eip155:1:0xa"}},
		"cosmos": {Accounts: []string{"cosmos:hub:b"}},
	})
	assert.Equal(t, []string{"cosmos:hub:b", "eip155:1:0xa"}, got)
}
