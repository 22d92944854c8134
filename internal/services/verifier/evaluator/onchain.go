package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tidwall/gjson"

	"github.com/louisbranch/questgate/internal/platform/timeouts"
)

// OnChainConfig describes a read-only contract call.
//
// Function is a human-readable signature such as
// "function balanceOf(address) view returns (uint256)". Args are templated
// like partner URLs and default to a single {{account}}. The success rule sees
// {"result": <first output>, "outputs": [...]} and defaults to "result is
// truthy".
type OnChainConfig struct {
	RPCURL   string   `json:"rpcUrl,omitempty" yaml:"rpcUrl,omitempty"`
	Contract string   `json:"contract" yaml:"contract"`
	Function string   `json:"function" yaml:"function"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Success  *Rule    `json:"success,omitempty" yaml:"success,omitempty"`
}

// Caller is the slice of an Ethereum client the on-chain strategy needs.
// *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OnChain checks a claim with an eth_call.
type OnChain struct {
	upstream string
	contract common.Address
	parsed   abi.ABI
	method   string
	args     []string
	rule     Rule
	caller   Caller
}

// NewOnChain validates cfg and builds the strategy on caller.
func NewOnChain(cfg OnChainConfig, caller Caller) (*OnChain, error) {
	if caller == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	parsed, method, err := ParseFunction(cfg.Function)
	if err != nil {
		return nil, err
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"{{account}}"}
	}
	if want := len(parsed.Methods[method].Inputs); len(args) != want {
		return nil, fmt.Errorf("function %s takes %d arguments, %d configured", method, want, len(args))
	}
	rule := Truthy("result")
	if cfg.Success != nil {
		rule = *cfg.Success
	}
	return &OnChain{
		upstream: rpcUpstream(cfg.RPCURL),
		contract: common.HexToAddress(cfg.Contract),
		parsed:   parsed,
		method:   method,
		args:     args,
		rule:     rule,
		caller:   caller,
	}, nil
}

// Upstream identifies the RPC node by host.
func (o *OnChain) Upstream() string {
	return o.upstream
}

// Check packs the call, runs it bounded by timeouts.ChainCall and applies the
// success rule to the decoded outputs.
func (o *OnChain) Check(ctx context.Context, account, questID string) (Verdict, error) {
	vars := templateVars{account: account, questID: questID, secrets: func(string) (string, bool) { return "", false }}
	method := o.parsed.Methods[o.method]
	values := make([]any, len(o.args))
	for i, raw := range o.args {
		value, err := convertArg(method.Inputs[i].Type, vars.expand(raw))
		if err != nil {
			return Verdict{}, &MalformedError{Reason: fmt.Sprintf("argument %d: %v", i, err)}
		}
		values[i] = value
	}
	data, err := o.parsed.Pack(o.method, values...)
	if err != nil {
		return Verdict{}, &MalformedError{Reason: fmt.Sprintf("pack call: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.ChainCall)
	defer cancel()
	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, nil)
	if err != nil {
		return Verdict{}, classifyRPCError(err)
	}

	outputs, err := o.parsed.Unpack(o.method, out)
	if err != nil {
		return Verdict{}, &MalformedError{Reason: fmt.Sprintf("unpack result: %v", err)}
	}
	doc, err := outputDocument(outputs)
	if err != nil {
		return Verdict{}, &MalformedError{Reason: err.Error()}
	}
	parsedDoc := gjson.ParseBytes(doc)
	payload := map[string]any{"wallet": account}
	if result := parsedDoc.Get("result"); result.Exists() {
		payload["result"] = result.Value()
	}
	return Verdict{Completed: o.rule.Match(parsedDoc), Payload: payload}, nil
}

func classifyRPCError(err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &StatusError{Status: httpErr.StatusCode}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &RejectedError{Reason: rpcErr.Error()}
	}
	return fmt.Errorf("eth_call: %w", err)
}

func rpcUpstream(rpcURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rpcURL))
	if err != nil || parsed.Host == "" {
		return "rpc:default"
	}
	return "rpc:" + parsed.Host
}

var functionPattern = regexp.MustCompile(`^\s*function\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)\s*([a-z\s]*?)\s*(?:returns\s*\(([^)]*)\))?\s*;?\s*$`)

type abiArgument struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type abiEntry struct {
	Type            string        `json:"type"`
	Name            string        `json:"name"`
	StateMutability string        `json:"stateMutability"`
	Inputs          []abiArgument `json:"inputs"`
	Outputs         []abiArgument `json:"outputs"`
}

// ParseFunction turns a human-readable function signature into an ABI with a
// single method and returns the method name.
func ParseFunction(signature string) (abi.ABI, string, error) {
	match := functionPattern.FindStringSubmatch(signature)
	if match == nil {
		return abi.ABI{}, "", fmt.Errorf("unsupported function signature %q", signature)
	}
	inputs, err := parseParams(match[2])
	if err != nil {
		return abi.ABI{}, "", fmt.Errorf("inputs: %w", err)
	}
	outputs, err := parseParams(match[4])
	if err != nil {
		return abi.ABI{}, "", fmt.Errorf("outputs: %w", err)
	}
	mutability := "view"
	for _, modifier := range strings.Fields(match[3]) {
		if modifier == "pure" || modifier == "view" {
			mutability = modifier
		}
	}

	entry := abiEntry{Type: "function", Name: match[1], StateMutability: mutability, Inputs: inputs, Outputs: outputs}
	encoded, err := json.Marshal([]abiEntry{entry})
	if err != nil {
		return abi.ABI{}, "", fmt.Errorf("encode abi: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(encoded)))
	if err != nil {
		return abi.ABI{}, "", fmt.Errorf("parse abi: %w", err)
	}
	return parsed, match[1], nil
}

func parseParams(list string) ([]abiArgument, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return []abiArgument{}, nil
	}
	var args []abiArgument
	for _, part := range strings.Split(list, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty parameter in %q", list)
		}
		arg := abiArgument{Type: fields[0]}
		for _, field := range fields[1:] {
			if field == "memory" || field == "calldata" || field == "indexed" {
				continue
			}
			arg.Name = field
		}
		args = append(args, arg)
	}
	return args, nil
}

// convertArg parses a templated string into the Go value abi.Pack expects
// for typ.
func convertArg(typ abi.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		return common.HexToAddress(raw), nil
	case abi.BoolTy:
		return strconv.ParseBool(raw)
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return hexutil.Decode(raw)
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		goType := typ.GetType()
		if goType == reflect.TypeOf(&big.Int{}) {
			return n, nil
		}
		value := reflect.New(goType).Elem()
		if typ.T == abi.UintTy {
			if n.Sign() < 0 || n.BitLen() > typ.Size {
				return nil, fmt.Errorf("%s out of range for %s", raw, typ.String())
			}
			value.SetUint(n.Uint64())
		} else {
			if n.BitLen() >= typ.Size {
				return nil, fmt.Errorf("%s out of range for %s", raw, typ.String())
			}
			value.SetInt(n.Int64())
		}
		return value.Interface(), nil
	case abi.FixedBytesTy:
		decoded, err := hexutil.Decode(raw)
		if err != nil {
			return nil, err
		}
		if len(decoded) != typ.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", typ.Size, len(decoded))
		}
		value := reflect.New(typ.GetType()).Elem()
		reflect.Copy(value, reflect.ValueOf(decoded))
		return value.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported argument type %s", typ.String())
}

// outputDocument renders decoded outputs as the JSON document success rules
// run against.
func outputDocument(outputs []any) ([]byte, error) {
	rendered := make([]any, len(outputs))
	for i, out := range outputs {
		rendered[i] = jsonValue(reflect.ValueOf(out))
	}
	doc := map[string]any{"outputs": rendered}
	if len(rendered) > 0 {
		doc["result"] = rendered[0]
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return encoded, nil
}

func jsonValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch value := v.Interface().(type) {
	case *big.Int:
		if value.IsInt64() {
			return value.Int64()
		}
		return value.String()
	case common.Address:
		return strings.ToLower(value.Hex())
	case []byte:
		return hexutil.Encode(value)
	case bool, string:
		return value
	}
	switch v.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(buf), v)
			return hexutil.Encode(buf)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = jsonValue(v.Index(i))
		}
		return out
	}
	return fmt.Sprint(v.Interface())
}
