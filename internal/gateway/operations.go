package gateway

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"moff.io/wallet-gateway/internal/chains"
	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/timeout"
	"moff.io/wallet-gateway/internal/walletconnect"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

type TransactionRequest struct {
	To       string   `json:"to"`
	Value    *big.Int `json:"value,omitempty"`
	Data     string   `json:"data,omitempty"`
	Gas      uint64   `json:"gas,omitempty"`
	GasPrice *big.Int `json:"gasPrice,omitempty"`
}

// ContractRef identifies a contract. ChainID zero means the session's chain.
type ContractRef struct {
	Address string `json:"address"`
	ABI     string `json:"abi"`
	ChainID int    `json:"chainId,omitempty"`
}

type ContractCall struct {
	ContractRef
	Function string        `json:"function"`
	Args     []interface{} `json:"args,omitempty"`
	Value    *big.Int      `json:"value,omitempty"`
}

// active is the precondition of every wallet operation. It never touches the
// network.
func (g *Gateway) active(userID string) (*handle, *session.Session, error) {
	h, found := g.registry.get(userID)
	if !found || !h.valid(g.now(), g.cfg.MaxAge) || h.protocolClient() == nil {
		return nil, nil, classify(ErrNotConnected, errors.Errorf("wallet of %v is not connected", userID))
	}
	return h, h.snapshot(), nil
}

// request sends one JSON-RPC call through the session, bounded by kind's
// deadline.
func (g *Gateway) request(ctx context.Context, h *handle, s *session.Session, chainID int, kind timeout.Kind, method string, params ...interface{}) (json.RawMessage, error) {
	if chainID == 0 {
		chainID = s.ChainID
	}
	client := h.protocolClient()
	raw, err := timeout.Track(ctx, g.tracker, g.opKey(kind, h.userID), kind, func(ctx context.Context) (json.RawMessage, error) {
		return client.Request(ctx, walletconnect.RequestParams{
			Topic:   s.Topic,
			ChainID: walletconnect.FormatChainID(chainID),
			Method:  method,
			Params:  params,
		})
	})
	if err != nil {
		return nil, transportErr(errors.Wrap(err, method))
	}
	return raw, nil
}

func (g *Gateway) requestString(ctx context.Context, h *handle, s *session.Session, chainID int, kind timeout.Kind, method string, params ...interface{}) (string, error) {
	raw, err := g.request(ctx, h, s, chainID, kind, method, params...)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil || out == "" {
		return "", classify(ErrTransport, errors.Errorf("%v returned unexpected result %s", method, raw))
	}
	return out, nil
}

// failed logs the failure and reports it to listeners. Missing sessions are
// the caller's problem and not reported.
func (g *Gateway) failed(userID, op string, err error) Result {
	if !errors.Is(err, ErrNotConnected) {
		log.Warnf("gateway - %v of %v: %v", op, userID, err)
		g.emitter.emit(Error{UserID: userID, Op: op, Err: err.Error()})
	}
	return fail(err)
}

func invalid(format string, args ...interface{}) error {
	return classify(ErrInvalidInput, errors.Errorf(format, args...))
}

func txObject(from, to string, data []byte, value *big.Int, gas uint64, gasPrice *big.Int) (map[string]string, error) {
	if !common.IsHexAddress(to) {
		return nil, invalid("invalid destination address %q", to)
	}
	if value != nil && value.Sign() < 0 {
		return nil, invalid("negative value %v", value)
	}
	tx := map[string]string{
		"from": from,
		"to":   common.HexToAddress(to).Hex(),
	}
	if len(data) > 0 {
		tx["data"] = hexutil.Encode(data)
	}
	if value != nil {
		tx["value"] = hexutil.EncodeBig(value)
	}
	if gas > 0 {
		tx["gas"] = hexutil.EncodeUint64(gas)
	}
	if gasPrice != nil {
		tx["gasPrice"] = hexutil.EncodeBig(gasPrice)
	}
	return tx, nil
}

func (g *Gateway) SendTransaction(ctx context.Context, userID string, req TransactionRequest) TransactionResult {
	const op = "sendTransaction"
	h, s, err := g.active(userID)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	var data []byte
	if strings.TrimSpace(req.Data) != "" {
		if data, err = hexutil.Decode(req.Data); err != nil {
			return TransactionResult{Result: g.failed(userID, op, invalid("invalid transaction data: %v", err))}
		}
	}
	tx, err := txObject(s.Address, req.To, data, req.Value, req.Gas, req.GasPrice)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	hash, err := g.requestString(ctx, h, s, 0, timeout.KindTransaction, "eth_sendTransaction", tx)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	g.touch(ctx, h)
	g.emitter.emit(TransactionSent{UserID: userID, Hash: hash})
	return TransactionResult{Result: succeeded(), Hash: hash}
}

// SignMessage asks for a personal_sign (EIP-191) signature over message.
func (g *Gateway) SignMessage(ctx context.Context, userID, message string) SignatureResult {
	const op = "signMessage"
	h, s, err := g.active(userID)
	if err != nil {
		return SignatureResult{Result: g.failed(userID, op, err)}
	}
	sig, err := g.requestString(ctx, h, s, 0, timeout.KindSigning, "personal_sign", hexutil.Encode([]byte(message)), s.Address)
	if err != nil {
		return SignatureResult{Result: g.failed(userID, op, err)}
	}
	g.touch(ctx, h)
	g.emitter.emit(MessageSigned{UserID: userID, Signature: sig})
	return SignatureResult{Result: succeeded(), Signature: sig}
}

// VerifyMessage checks a SignMessage signature without a session.
func VerifyMessage(address, message, signature string) bool {
	return walletconnect.VerifySignature(address, signature, []byte(message))
}

// SignTypedData hashes data locally first so malformed typed data never
// reaches the wallet.
func (g *Gateway) SignTypedData(ctx context.Context, userID string, data apitypes.TypedData) SignatureResult {
	const op = "signTypedData"
	h, s, err := g.active(userID)
	if err != nil {
		return SignatureResult{Result: g.failed(userID, op, err)}
	}
	if _, err := data.HashStruct("EIP712Domain", data.Domain.Map()); err != nil {
		return SignatureResult{Result: g.failed(userID, op, invalid("invalid typed data domain: %v", err))}
	}
	if _, err := data.HashStruct(data.PrimaryType, data.Message); err != nil {
		return SignatureResult{Result: g.failed(userID, op, invalid("invalid typed data message: %v", err))}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return SignatureResult{Result: g.failed(userID, op, invalid("marshal typed data: %v", err))}
	}
	sig, err := g.requestString(ctx, h, s, 0, timeout.KindSigning, "eth_signTypedData_v4", s.Address, string(payload))
	if err != nil {
		return SignatureResult{Result: g.failed(userID, op, err)}
	}
	g.touch(ctx, h)
	g.emitter.emit(TypedDataSigned{UserID: userID, PrimaryType: data.PrimaryType, Signature: sig})
	return SignatureResult{Result: succeeded(), Signature: sig}
}

func (g *Gateway) encodeCall(call ContractCall) ([]byte, error) {
	if !common.IsHexAddress(call.Address) {
		return nil, invalid("invalid contract address %q", call.Address)
	}
	data, err := g.codec.Encode(call.ABI, call.Function, call.Args...)
	if err != nil {
		return nil, classify(ErrCodec, err)
	}
	return data, nil
}

// ReadContract runs eth_call through the wallet and decodes the outputs.
func (g *Gateway) ReadContract(ctx context.Context, userID string, call ContractCall) ReadResult {
	const op = "readContract"
	h, s, err := g.active(userID)
	if err != nil {
		return ReadResult{Result: g.failed(userID, op, err)}
	}
	data, err := g.encodeCall(call)
	if err != nil {
		return ReadResult{Result: g.failed(userID, op, err)}
	}
	tx, err := txObject(s.Address, call.Address, data, nil, 0, nil)
	if err != nil {
		return ReadResult{Result: g.failed(userID, op, err)}
	}
	raw, err := g.requestString(ctx, h, s, call.ChainID, timeout.KindContractRead, "eth_call", tx, "latest")
	if err != nil {
		return ReadResult{Result: g.failed(userID, op, err)}
	}
	out, err := hexutil.Decode(raw)
	if err != nil {
		return ReadResult{Result: g.failed(userID, op, classify(ErrCodec, errors.Wrap(err, "eth_call result")))}
	}
	values, err := g.codec.DecodeOutput(call.ABI, call.Function, out)
	if err != nil {
		return ReadResult{Result: g.failed(userID, op, classify(ErrCodec, err))}
	}
	g.touch(ctx, h)
	g.emitter.emit(ContractRead{UserID: userID, Contract: call.Address, Function: call.Function})
	return ReadResult{Result: succeeded(), Values: values, Raw: raw}
}

// CallContract submits a state-changing call as a transaction.
func (g *Gateway) CallContract(ctx context.Context, userID string, call ContractCall) TransactionResult {
	const op = "callContract"
	h, s, err := g.active(userID)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	data, err := g.encodeCall(call)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	tx, err := txObject(s.Address, call.Address, data, call.Value, 0, nil)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	hash, err := g.requestString(ctx, h, s, call.ChainID, timeout.KindContractCall, "eth_sendTransaction", tx)
	if err != nil {
		return TransactionResult{Result: g.failed(userID, op, err)}
	}
	g.touch(ctx, h)
	g.emitter.emit(ContractCalled{UserID: userID, Contract: call.Address, Function: call.Function, Hash: hash})
	return TransactionResult{Result: succeeded(), Hash: hash}
}

// EstimateGas distinguishes a timed out estimation from a failed one in the
// error message.
func (g *Gateway) EstimateGas(ctx context.Context, userID string, call ContractCall) GasResult {
	const op = "estimateGas"
	h, s, err := g.active(userID)
	if err != nil {
		return GasResult{Result: g.failed(userID, op, err)}
	}
	data, err := g.encodeCall(call)
	if err != nil {
		return GasResult{Result: g.failed(userID, op, errors.Wrap(err, "gas estimation failed"))}
	}
	tx, err := txObject(s.Address, call.Address, data, call.Value, 0, nil)
	if err != nil {
		return GasResult{Result: g.failed(userID, op, errors.Wrap(err, "gas estimation failed"))}
	}
	raw, err := g.requestString(ctx, h, s, call.ChainID, timeout.KindGasEstimation, "eth_estimateGas", tx)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			err = errors.Wrapf(err, "gas estimation timed out after %v", g.tracker.Duration(timeout.KindGasEstimation))
		} else {
			err = errors.Wrap(err, "gas estimation failed")
		}
		return GasResult{Result: g.failed(userID, op, err)}
	}
	gas, err := hexutil.DecodeUint64(raw)
	if err != nil {
		return GasResult{Result: g.failed(userID, op, classify(ErrTransport, errors.Wrapf(err, "gas estimation failed: bad result %q", raw)))}
	}
	g.touch(ctx, h)
	g.emitter.emit(GasEstimated{UserID: userID, Contract: call.Address, Function: call.Function, Gas: gas})
	return GasResult{Result: succeeded(), Gas: gas}
}

// EncodeFunction is a pure codec call; no session is needed.
func (g *Gateway) EncodeFunction(ref ContractRef, fn string, args ...interface{}) CodecResult {
	data, err := g.codec.Encode(ref.ABI, fn, args...)
	if err != nil {
		return CodecResult{Result: fail(classify(ErrCodec, err))}
	}
	return CodecResult{Result: succeeded(), Data: hexutil.Encode(data), FunctionName: fn}
}

// DecodeFunction decodes call data. fn is optional; when set the selector
// must match it.
func (g *Gateway) DecodeFunction(ref ContractRef, fn, data string) CodecResult {
	raw, err := hexutil.Decode(data)
	if err != nil {
		return CodecResult{Result: fail(classify(ErrCodec, errors.Wrap(err, "decode call data")))}
	}
	decoded, err := g.codec.DecodeInput(ref.ABI, fn, raw)
	if err != nil {
		return CodecResult{Result: fail(classify(ErrCodec, err))}
	}
	return CodecResult{Result: succeeded(), Data: data, FunctionName: decoded.FunctionName, Args: decoded.Args}
}

// SwitchChain asks the wallet to move the session to chainID.
func (g *Gateway) SwitchChain(ctx context.Context, userID string, chainID int) Result {
	const op = "switchChain"
	if chainID <= 0 {
		return g.failed(userID, op, invalid("invalid chain id %d", chainID))
	}
	h, s, err := g.active(userID)
	if err != nil {
		return g.failed(userID, op, err)
	}
	if s.ChainID == chainID {
		return succeeded()
	}
	param := map[string]string{"chainId": chains.HexID(chainID)}
	if _, err := g.request(ctx, h, s, 0, timeout.KindSigning, "wallet_switchEthereumChain", param); err != nil {
		return g.failed(userID, op, err)
	}
	now := g.now()
	h.mutate(func(s *session.Session) {
		s.ChainID = chainID
		s.LastActivity = now
		s.UpdatedAt = now
	})
	g.persist(h, op)
	g.emitter.emit(ChainChanged{UserID: userID, ChainID: chainID})
	return succeeded()
}
