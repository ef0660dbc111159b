package peg

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"collateral-keeper/internal/chain"
)

const erc4626ABIJSON = `[
  {"inputs":[],"name":"asset","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const cTokenABIJSON = `[
  {"inputs":[],"name":"underlying","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"exchangeRateStored","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	erc4626ABI = chain.MustParseABI(erc4626ABIJSON)
	cTokenABI  = chain.MustParseABI(cTokenABIJSON)
)

// Kinds of pool proxies understood by NewSource.
const (
	KindERC4626 = "erc4626"
	KindCToken  = "ctoken"
)

// Decimals pairs the wrapped token's decimals with its reference asset's.
type Decimals struct {
	Token uint8
	Ref   uint8
}

// NewSource builds the rate source for the given pool kind, loading token metadata.
func NewSource(ctx context.Context, kind string, pool common.Address, caller chain.Caller) (RateSource, Decimals, error) {
	switch kind {
	case KindERC4626, "":
		src := &ERC4626Source{contract: chain.NewContract(pool, erc4626ABI, caller)}
		dec, err := src.load(ctx, caller)
		return src, dec, err
	case KindCToken:
		src := &CTokenSource{contract: chain.NewContract(pool, cTokenABI, caller)}
		dec, err := src.load(ctx, caller)
		return src, dec, err
	default:
		return nil, Decimals{}, fmt.Errorf("unknown pool kind %q", kind)
	}
}

// ERC4626Source values one share via convertToAssets.
type ERC4626Source struct {
	contract *chain.Contract
	dec      Decimals
	unit     *big.Int
}

func (s *ERC4626Source) load(ctx context.Context, caller chain.Caller) (Decimals, error) {
	values, err := s.contract.Call(ctx, "decimals")
	if err != nil {
		return Decimals{}, fmt.Errorf("vault decimals: %w", err)
	}
	tokenDec, err := chain.AsUint8(values[0])
	if err != nil {
		return Decimals{}, fmt.Errorf("vault decimals: %w", err)
	}
	values, err = s.contract.Call(ctx, "asset")
	if err != nil {
		return Decimals{}, fmt.Errorf("vault asset: %w", err)
	}
	asset, err := chain.AsAddress(values[0])
	if err != nil {
		return Decimals{}, fmt.Errorf("vault asset: %w", err)
	}
	refDec, err := chain.ERC20Decimals(ctx, caller, asset)
	if err != nil {
		return Decimals{}, fmt.Errorf("asset decimals: %w", err)
	}
	s.dec = Decimals{Token: tokenDec, Ref: refDec}
	s.unit = pow10(int(tokenDec))
	return s.dec, nil
}

// Name identifies the source.
func (s *ERC4626Source) Name() string {
	return KindERC4626 + ":" + s.contract.Address.Hex()
}

// RefPerTok returns assets per whole share.
func (s *ERC4626Source) RefPerTok(ctx context.Context) (decimal.Decimal, error) {
	values, err := s.contract.Call(ctx, "convertToAssets", s.unit)
	if err != nil {
		return decimal.Decimal{}, err
	}
	assets, err := chain.AsBigInt(values[0])
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(assets, -int32(s.dec.Ref)), nil
}

// CTokenSource values a Compound-style token via exchangeRateStored, which is
// scaled by 10^(18 − tokenDecimals + refDecimals).
type CTokenSource struct {
	contract *chain.Contract
	dec      Decimals
}

func (s *CTokenSource) load(ctx context.Context, caller chain.Caller) (Decimals, error) {
	values, err := s.contract.Call(ctx, "decimals")
	if err != nil {
		return Decimals{}, fmt.Errorf("ctoken decimals: %w", err)
	}
	tokenDec, err := chain.AsUint8(values[0])
	if err != nil {
		return Decimals{}, fmt.Errorf("ctoken decimals: %w", err)
	}
	values, err = s.contract.Call(ctx, "underlying")
	if err != nil {
		return Decimals{}, fmt.Errorf("ctoken underlying: %w", err)
	}
	underlying, err := chain.AsAddress(values[0])
	if err != nil {
		return Decimals{}, fmt.Errorf("ctoken underlying: %w", err)
	}
	refDec, err := chain.ERC20Decimals(ctx, caller, underlying)
	if err != nil {
		return Decimals{}, fmt.Errorf("underlying decimals: %w", err)
	}
	s.dec = Decimals{Token: tokenDec, Ref: refDec}
	return s.dec, nil
}

// Name identifies the source.
func (s *CTokenSource) Name() string {
	return KindCToken + ":" + s.contract.Address.Hex()
}

// RefPerTok rescales the stored exchange rate to whole units.
func (s *CTokenSource) RefPerTok(ctx context.Context) (decimal.Decimal, error) {
	values, err := s.contract.Call(ctx, "exchangeRateStored")
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, err := chain.AsBigInt(values[0])
	if err != nil {
		return decimal.Decimal{}, err
	}
	exp := int32(s.dec.Token) - 18 - int32(s.dec.Ref)
	return decimal.NewFromBigInt(rate, exp), nil
}

// StaticSource is a settable rate for simulation and tests.
type StaticSource struct {
	mu   sync.Mutex
	name string
	rate decimal.Decimal
	err  error
}

// NewStaticSource starts at rate.
func NewStaticSource(name string, rate decimal.Decimal) *StaticSource {
	return &StaticSource{name: name, rate: rate}
}

// Set replaces the rate and clears any failure.
func (s *StaticSource) Set(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
	s.err = nil
}

// Fail makes reads return err until Set is called.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Name identifies the source.
func (s *StaticSource) Name() string {
	return s.name
}

// RefPerTok returns the configured rate.
func (s *StaticSource) RefPerTok(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return s.rate, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

var (
	_ RateSource = (*ERC4626Source)(nil)
	_ RateSource = (*CTokenSource)(nil)
	_ RateSource = (*StaticSource)(nil)
)
