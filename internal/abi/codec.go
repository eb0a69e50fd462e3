// Package abi encodes and decodes contract calls with go-ethereum's ABI
// implementation. Arguments may be given either as the Go types go-ethereum
// packs natively or as loosely typed json values, which are coerced per input
// type.
package abi

import (
	"strings"
	"sync"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"

	"moff.io/wallet-gateway/pkg/errors"
)

const selectorLen = 4

// Codec caches parsed ABIs keyed by their json text.
type Codec struct {
	mu     sync.RWMutex
	parsed map[string]*gethabi.ABI
}

func NewCodec() *Codec {
	return &Codec{parsed: make(map[string]*gethabi.ABI)}
}

func (c *Codec) Parse(abiJSON string) (*gethabi.ABI, error) {
	c.mu.RLock()
	parsed, ok := c.parsed[abiJSON]
	c.mu.RUnlock()
	if ok {
		return parsed, nil
	}
	a, err := gethabi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse abi")
	}
	c.mu.Lock()
	c.parsed[abiJSON] = &a
	c.mu.Unlock()
	return &a, nil
}

func (c *Codec) method(abiJSON, fn string) (*gethabi.ABI, gethabi.Method, error) {
	a, err := c.Parse(abiJSON)
	if err != nil {
		return nil, gethabi.Method{}, err
	}
	m, ok := a.Methods[fn]
	if !ok {
		return nil, gethabi.Method{}, errors.Errorf("function %v not found in abi", fn)
	}
	return a, m, nil
}

// Encode returns selector + packed arguments for fn.
func (c *Codec) Encode(abiJSON, fn string, args ...interface{}) ([]byte, error) {
	a, m, err := c.method(abiJSON, fn)
	if err != nil {
		return nil, err
	}
	coerced, err := CoerceArgs(m.Inputs, args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %v", fn)
	}
	data, err := a.Pack(fn, coerced...)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %v", fn)
	}
	return data, nil
}

// Decoded is a call's function name and its unpacked arguments.
type Decoded struct {
	FunctionName string
	Args         []interface{}
}

// DecodeInput resolves the function from the selector in data. When fn is
// non-empty the selector must belong to it.
func (c *Codec) DecodeInput(abiJSON, fn string, data []byte) (*Decoded, error) {
	a, err := c.Parse(abiJSON)
	if err != nil {
		return nil, err
	}
	if len(data) < selectorLen {
		return nil, errors.Errorf("call data too short: %d bytes", len(data))
	}
	m, err := a.MethodById(data[:selectorLen])
	if err != nil {
		return nil, errors.Wrap(err, "decode selector")
	}
	if fn != "" && m.Name != fn && m.RawName != fn {
		return nil, errors.Errorf("call data is for %v, not %v", m.Name, fn)
	}
	args, err := m.Inputs.Unpack(data[selectorLen:])
	if err != nil {
		return nil, errors.Wrapf(err, "decode %v arguments", m.Name)
	}
	return &Decoded{FunctionName: m.Name, Args: args}, nil
}

// DecodeOutput unpacks the return data of fn.
func (c *Codec) DecodeOutput(abiJSON, fn string, data []byte) ([]interface{}, error) {
	a, _, err := c.method(abiJSON, fn)
	if err != nil {
		return nil, err
	}
	values, err := a.Unpack(fn, data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %v result", fn)
	}
	return values, nil
}

// Selector returns the 4 byte function id of fn.
func (c *Codec) Selector(abiJSON, fn string) ([]byte, error) {
	_, m, err := c.method(abiJSON, fn)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.ID...), nil
}
