// Package rpc models the wallet JSON-RPC calls that need user approval as a
// closed set of request types.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Method string

const (
	MethodSendTransaction Method = "eth_sendTransaction"
	MethodPersonalSign    Method = "personal_sign"
	MethodSignTypedDataV4 Method = "eth_signTypedData_v4"
)

// Request is implemented only by the types in this package. Consumers switch on
// the concrete type and treat anything else as unsupported.
type Request interface {
	Method() Method
	Params() []any
	isRequest()
}

// Transaction is the single parameter of eth_sendTransaction.
type Transaction struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

type SendTransaction struct {
	Tx Transaction
}

func (SendTransaction) Method() Method  { return MethodSendTransaction }
func (r SendTransaction) Params() []any { return []any{r.Tx} }
func (SendTransaction) isRequest()      {}

type PersonalSign struct {
	Message hexutil.Bytes
	Address common.Address
}

func (PersonalSign) Method() Method  { return MethodPersonalSign }
func (r PersonalSign) Params() []any { return []any{r.Message, r.Address} }
func (PersonalSign) isRequest()      {}

// SignTypedDataV4 keeps the EIP-712 payload as compact JSON; it travels as a string.
type SignTypedDataV4 struct {
	Address   common.Address
	TypedData json.RawMessage
}

func (SignTypedDataV4) Method() Method  { return MethodSignTypedDataV4 }
func (r SignTypedDataV4) Params() []any { return []any{r.Address, string(r.TypedData)} }
func (SignTypedDataV4) isRequest()      {}

type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported method %q", e.Method)
}

func (e *UnsupportedMethodError) ErrorCode() string { return "unsupported_method" }

type InvalidParamsError struct {
	Method Method
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params for %s: %s", e.Method, e.Reason)
}

func (e *InvalidParamsError) ErrorCode() string { return "invalid_params" }

// Parse builds the typed request for method from its positional JSON params.
func Parse(method string, params json.RawMessage) (Request, error) {
	var args []json.RawMessage
	if trimmed := bytes.TrimSpace(params); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, &InvalidParamsError{Method: Method(method), Reason: "params must be an array"}
		}
	}

	switch m := Method(method); m {
	case MethodSendTransaction:
		if len(args) < 1 {
			return nil, &InvalidParamsError{Method: m, Reason: "missing transaction"}
		}
		var tx Transaction
		if err := json.Unmarshal(args[0], &tx); err != nil {
			return nil, &InvalidParamsError{Method: m, Reason: err.Error()}
		}
		return SendTransaction{Tx: tx}, nil

	case MethodPersonalSign:
		if len(args) < 2 {
			return nil, &InvalidParamsError{Method: m, Reason: "want [message, address]"}
		}
		var message string
		if err := json.Unmarshal(args[0], &message); err != nil {
			return nil, &InvalidParamsError{Method: m, Reason: "message must be a string"}
		}
		var addr common.Address
		if err := json.Unmarshal(args[1], &addr); err != nil {
			return nil, &InvalidParamsError{Method: m, Reason: err.Error()}
		}
		return PersonalSign{Message: messageBytes(message), Address: addr}, nil

	case MethodSignTypedDataV4:
		if len(args) < 2 {
			return nil, &InvalidParamsError{Method: m, Reason: "want [address, typedData]"}
		}
		var addr common.Address
		if err := json.Unmarshal(args[0], &addr); err != nil {
			return nil, &InvalidParamsError{Method: m, Reason: err.Error()}
		}
		data, err := typedData(args[1])
		if err != nil {
			return nil, &InvalidParamsError{Method: m, Reason: err.Error()}
		}
		return SignTypedDataV4{Address: addr, TypedData: data}, nil
	}
	return nil, &UnsupportedMethodError{Method: method}
}

// Account returns the address that must sign req.
func Account(req Request) (common.Address, error) {
	switch r := req.(type) {
	case SendTransaction:
		return r.Tx.From, nil
	case PersonalSign:
		return r.Address, nil
	case SignTypedDataV4:
		return r.Address, nil
	case nil:
		return common.Address{}, &UnsupportedMethodError{}
	default:
		return common.Address{}, &UnsupportedMethodError{Method: string(req.Method())}
	}
}

// Pages pass personal_sign messages either hex encoded or as plain text.
func messageBytes(message string) hexutil.Bytes {
	if strings.HasPrefix(message, "0x") || strings.HasPrefix(message, "0X") {
		if b, err := hexutil.Decode(message); err == nil {
			return b
		}
	}
	return hexutil.Bytes(message)
}

func typedData(raw json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return nil, fmt.Errorf("typed data is not json: %w", err)
	}
	if out.Len() == 0 || out.Bytes()[0] != '{' {
		return nil, fmt.Errorf("typed data must be an object")
	}
	return out.Bytes(), nil
}
