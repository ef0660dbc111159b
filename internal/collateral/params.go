package collateral

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrConfig marks a construction-time configuration failure.
var ErrConfig = errors.New("collateral: invalid configuration")

// Params are the construction parameters of a collateral plugin.
type Params struct {
	FallbackPrice     decimal.Decimal
	PriceFeed         common.Address
	ERC20             common.Address
	ERC20Decimals     uint8
	MaxTradeVolume    decimal.Decimal
	OracleTimeout     time.Duration
	TargetName        string
	TargetPerRef      decimal.Decimal
	PricePerTarget    decimal.Decimal
	DefaultThreshold  decimal.Decimal
	DelayUntilDefault time.Duration
	PoolProxy         common.Address
	RewardsProxy      common.Address
	AutoCompoundProxy common.Address
}

// Validate checks every parameter eagerly.
func (p Params) Validate() error {
	var problems []error
	zero := common.Address{}

	if !p.DefaultThreshold.IsPositive() {
		problems = append(problems, errors.New("default threshold must be greater than zero"))
	}
	if p.RewardsProxy == zero {
		problems = append(problems, errors.New("rewards proxy address is required"))
	}
	if p.AutoCompoundProxy == zero {
		problems = append(problems, errors.New("auto-compound proxy address is required"))
	}
	if p.PriceFeed == zero {
		problems = append(problems, errors.New("price feed address is required"))
	}
	if p.ERC20 == zero {
		problems = append(problems, errors.New("erc20 address is required"))
	}
	if p.PoolProxy == zero {
		problems = append(problems, errors.New("pool proxy address is required"))
	}
	if p.OracleTimeout <= 0 {
		problems = append(problems, errors.New("oracle timeout must be greater than zero"))
	}
	if p.TargetName == "" {
		problems = append(problems, errors.New("target name is required"))
	}
	if p.FallbackPrice.IsNegative() {
		problems = append(problems, errors.New("fallback price cannot be negative"))
	}
	if !p.MaxTradeVolume.IsPositive() {
		problems = append(problems, errors.New("max trade volume must be greater than zero"))
	}
	if p.DelayUntilDefault < 0 {
		problems = append(problems, errors.New("delay until default cannot be negative"))
	}
	if p.TargetPerRef.IsNegative() || p.PricePerTarget.IsNegative() {
		problems = append(problems, errors.New("peg ratios cannot be negative"))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(problems...))
	}
	return nil
}
