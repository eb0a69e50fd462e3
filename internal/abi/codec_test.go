package abi

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"setMeta","stateMutability":"nonpayable",
	 "inputs":[{"name":"tag","type":"bytes32"},{"name":"ids","type":"uint64[]"},
	           {"name":"note","type":"string"},{"name":"flag","type":"bool"},
	           {"name":"delta","type":"int24"},{"name":"blob","type":"bytes"}],
	 "outputs":[]}
]`

const recipient = "0x52908400098527886E0F7030069857D2E4169EE7"

func TestEncode_Transfer(t *testing.T) {
	c := NewCodec()
	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	data, err := c.Encode(erc20ABI, "transfer", common.HexToAddress(recipient), amount)
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))

	sel, err := c.Selector(erc20ABI, "transfer")
	require.NoError(t, err)
	assert.Equal(t, data[:4], sel)
}

func TestRoundTrip_TypedArgs(t *testing.T) {
	c := NewCodec()
	args := []interface{}{common.HexToAddress(recipient), big.NewInt(42)}
	data, err := c.Encode(erc20ABI, "transfer", args...)
	require.NoError(t, err)

	decoded, err := c.DecodeInput(erc20ABI, "transfer", data)
	require.NoError(t, err)
	assert.Equal(t, "transfer", decoded.FunctionName)
	assert.Equal(t, args, decoded.Args)
}

func TestRoundTrip_JSONArgsAreCoerced(t *testing.T) {
	c := NewCodec()
	data, err := c.Encode(erc20ABI, "setMeta",
		"0x"+hex.EncodeToString(make([]byte, 32)),
		[]interface{}{float64(1), "2", "0x3"},
		"hello",
		true,
		float64(-5),
		"0xdeadbeef",
	)
	require.NoError(t, err)

	decoded, err := c.DecodeInput(erc20ABI, "", data)
	require.NoError(t, err)
	assert.Equal(t, "setMeta", decoded.FunctionName)
	require.Len(t, decoded.Args, 6)
	assert.Equal(t, [32]byte{}, decoded.Args[0])
	assert.Equal(t, []uint64{1, 2, 3}, decoded.Args[1])
	assert.Equal(t, "hello", decoded.Args[2])
	assert.Equal(t, true, decoded.Args[3])
	assert.Equal(t, 0, big.NewInt(-5).Cmp(decoded.Args[4].(*big.Int)))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, decoded.Args[5])
}

func TestDecodeOutput(t *testing.T) {
	c := NewCodec()
	ret := make([]byte, 32)
	ret[31] = 18
	values, err := c.DecodeOutput(erc20ABI, "decimals", ret)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{uint8(18)}, values)

	ret = common.LeftPadBytes(big.NewInt(1234).Bytes(), 32)
	values, err = c.DecodeOutput(erc20ABI, "balanceOf", ret)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "1234", values[0].(*big.Int).String())
}

func TestEncode_Errors(t *testing.T) {
	c := NewCodec()
	cases := []struct {
		name string
		abi  string
		fn   string
		args []interface{}
	}{
		{"bad abi", `{not json`, "transfer", nil},
		{"unknown function", erc20ABI, "approve", nil},
		{"arg count", erc20ABI, "transfer", []interface{}{recipient}},
		{"bad address", erc20ABI, "transfer", []interface{}{"0x1234", "1"}},
		{"negative uint", erc20ABI, "transfer", []interface{}{recipient, "-1"}},
		{"fractional", erc20ABI, "transfer", []interface{}{recipient, 1.5}},
		{"short fixed bytes", erc20ABI, "setMeta", []interface{}{"0x01", []interface{}{}, "", false, 0, "0x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Encode(tc.abi, tc.fn, tc.args...)
			assert.Error(t, err)
		})
	}
}

func TestDecodeInput_Errors(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodeInput(erc20ABI, "", []byte{0xa9, 0x05})
	assert.Error(t, err, "short data")

	_, err = c.DecodeInput(erc20ABI, "", []byte{0, 0, 0, 0})
	assert.Error(t, err, "unknown selector")

	data, err := c.Encode(erc20ABI, "balanceOf", recipient)
	require.NoError(t, err)
	_, err = c.DecodeInput(erc20ABI, "transfer", data)
	assert.Error(t, err, "selector belongs to another function")
}

func TestParse_Caches(t *testing.T) {
	c := NewCodec()
	a, err := c.Parse(erc20ABI)
	require.NoError(t, err)
	b, err := c.Parse(erc20ABI)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
