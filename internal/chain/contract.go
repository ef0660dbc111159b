package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"}
]`

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error
)

// MustParseABI parses a JSON ABI at package init.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}

// Contract binds an ABI to an address for read-only calls.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
	caller  Caller
}

// NewContract builds a call helper.
func NewContract(address common.Address, parsed abi.ABI, caller Caller) *Contract {
	return &Contract{Address: address, ABI: parsed, caller: caller}
}

// Call packs args, performs eth_call at the latest block and unpacks the outputs.
func (c *Contract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	return c.CallFrom(ctx, common.Address{}, method, args...)
}

// CallFrom is Call with an explicit sender, used to simulate state-changing methods.
func (c *Contract) CallFrom(ctx context.Context, from common.Address, method string, args ...any) ([]any, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.Address
	resp, err := c.caller.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, Classify(err))
	}
	values, err := c.ABI.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrMalformed, method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", ErrMalformed, method)
	}
	return values, nil
}

// Pack encodes calldata for a transaction.
func (c *Contract) Pack(method string, args ...any) ([]byte, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// ERC20Decimals reads decimals() from a token.
func ERC20Decimals(ctx context.Context, caller Caller, token common.Address) (uint8, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	if erc20ABIErr != nil {
		return 0, fmt.Errorf("parse erc20 abi: %w", erc20ABIErr)
	}
	values, err := NewContract(token, erc20ABI, caller).Call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return AsUint8(values[0])
}

// AsAddress converts an unpacked ABI value to an address.
func AsAddress(value any) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("%w: unsupported address type %T", ErrMalformed, value)
	}
}

// AsBigInt converts an unpacked ABI integer to a fresh *big.Int.
func AsBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("%w: nil integer", ErrMalformed)
		}
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("%w: unsupported int type %T", ErrMalformed, value)
	}
}

// AsUint8 converts an unpacked ABI value to uint8.
func AsUint8(value any) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if v == nil || !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("%w: uint8 overflow", ErrMalformed)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("%w: unsupported uint8 type %T", ErrMalformed, value)
	}
}
