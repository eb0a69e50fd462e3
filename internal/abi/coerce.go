package abi

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"moff.io/wallet-gateway/pkg/errors"
)

// CoerceArgs converts json style values into the Go types inputs expect.
// Values already of the right type pass through unchanged.
func CoerceArgs(inputs gethabi.Arguments, args []interface{}) ([]interface{}, error) {
	if len(args) != len(inputs) {
		return nil, errors.Errorf("argument count mismatch: got %d for %d", len(args), len(inputs))
	}
	out := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := coerce(inputs[i].Type, arg)
		if err != nil {
			name := inputs[i].Name
			if name == "" {
				name = inputs[i].Type.String()
			}
			return nil, errors.Wrapf(err, "argument %d (%v)", i, name)
		}
		out[i] = v
	}
	return out, nil
}

func coerce(t gethabi.Type, v interface{}) (interface{}, error) {
	goType := t.GetType()
	if v != nil && reflect.TypeOf(v) == goType {
		return v, nil
	}
	switch t.T {
	case gethabi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, errors.Errorf("invalid address %v", v)
		}
		return common.HexToAddress(s), nil
	case gethabi.IntTy, gethabi.UintTy:
		n, err := toBig(v)
		if err != nil {
			return nil, err
		}
		return sizedInt(t, n)
	case gethabi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.Errorf("invalid bool %v", v)
		}
		return b, nil
	case gethabi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("invalid string %v", v)
		}
		return s, nil
	case gethabi.BytesTy:
		return toBytes(v)
	case gethabi.FixedBytesTy:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, errors.Errorf("bytes%d needs %d bytes, got %d", t.Size, t.Size, len(b))
		}
		arr := reflect.New(goType).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case gethabi.SliceTy, gethabi.ArrayTy:
		items, ok := v.([]interface{})
		if !ok {
			return nil, errors.Errorf("invalid list %v", v)
		}
		if t.T == gethabi.ArrayTy && len(items) != t.Size {
			return nil, errors.Errorf("array needs %d items, got %d", t.Size, len(items))
		}
		var out reflect.Value
		if t.T == gethabi.SliceTy {
			out = reflect.MakeSlice(goType, len(items), len(items))
		} else {
			out = reflect.New(goType).Elem()
		}
		for i, item := range items {
			elem, err := coerce(*t.Elem, item)
			if err != nil {
				return nil, errors.Wrapf(err, "item %d", i)
			}
			out.Index(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	default:
		return nil, errors.Errorf("unsupported argument type %v", t.String())
	}
}

func toBig(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case string:
		s := strings.TrimSpace(n)
		if b, ok := new(big.Int).SetString(s, 0); ok {
			return b, nil
		}
		return nil, errors.Errorf("invalid integer %q", n)
	case json.Number:
		return toBig(n.String())
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return nil, errors.Errorf("invalid integer %v", n)
		}
		b, _ := big.NewFloat(n).Int(nil)
		return b, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int8, reflect.Int16, reflect.Int32:
			return big.NewInt(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
			return new(big.Int).SetUint64(rv.Uint()), nil
		}
		return nil, errors.Errorf("invalid integer %v", v)
	}
}

var bigIntType = reflect.TypeOf(&big.Int{})

// sizedInt returns *big.Int for widths go-ethereum has no native type for and
// the exact native type otherwise, which is what go-ethereum packs.
func sizedInt(t gethabi.Type, n *big.Int) (interface{}, error) {
	if t.T == gethabi.UintTy && (n.Sign() < 0 || n.BitLen() > t.Size) {
		return nil, errors.Errorf("value %v out of range for %v", n, t.String())
	}
	if t.GetType() == bigIntType {
		return n, nil
	}
	out := reflect.New(t.GetType()).Elem()
	if t.T == gethabi.UintTy {
		if !n.IsUint64() || out.OverflowUint(n.Uint64()) {
			return nil, errors.Errorf("value %v overflows %v", n, t.String())
		}
		out.SetUint(n.Uint64())
	} else {
		if !n.IsInt64() || out.OverflowInt(n.Int64()) {
			return nil, errors.Errorf("value %v overflows %v", n, t.String())
		}
		out.SetInt(n.Int64())
	}
	return out.Interface(), nil
}

func toBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		out, err := hexutil.Decode(b)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid hex bytes %q", b)
		}
		return out, nil
	default:
		return nil, errors.Errorf("invalid bytes %v", v)
	}
}
