package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"collateral-keeper/internal/chain"
)

const aggregatorABIJSON = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var aggregatorABI = chain.MustParseABI(aggregatorABIJSON)

// ChainlinkFeed reads an AggregatorV3 proxy.
type ChainlinkFeed struct {
	contract *chain.Contract

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlinkFeed binds an aggregator proxy address.
func NewChainlinkFeed(address common.Address, caller chain.Caller) *ChainlinkFeed {
	return &ChainlinkFeed{contract: chain.NewContract(address, aggregatorABI, caller)}
}

// Source identifies the feed by address.
func (f *ChainlinkFeed) Source() string {
	return f.contract.Address.Hex()
}

// LatestRound calls latestRoundData and attaches the feed decimals.
func (f *ChainlinkFeed) LatestRound(ctx context.Context) (Round, error) {
	decimals, err := f.feedDecimals(ctx)
	if err != nil {
		return Round{}, err
	}

	values, err := f.contract.Call(ctx, "latestRoundData")
	if err != nil {
		return Round{}, err
	}
	if len(values) != 5 {
		return Round{}, fmt.Errorf("%w: latestRoundData returned %d values", chain.ErrMalformed, len(values))
	}

	roundID, err := chain.AsBigInt(values[0])
	if err != nil {
		return Round{}, fmt.Errorf("roundId: %w", err)
	}
	answer, err := chain.AsBigInt(values[1])
	if err != nil {
		return Round{}, fmt.Errorf("answer: %w", err)
	}
	updatedAt, err := chain.AsBigInt(values[3])
	if err != nil {
		return Round{}, fmt.Errorf("updatedAt: %w", err)
	}
	answeredIn, err := chain.AsBigInt(values[4])
	if err != nil {
		return Round{}, fmt.Errorf("answeredInRound: %w", err)
	}
	if !updatedAt.IsInt64() {
		return Round{}, fmt.Errorf("%w: updatedAt overflows int64", chain.ErrMalformed)
	}

	round := Round{
		RoundID:         roundID,
		Answer:          answer,
		Decimals:        decimals,
		AnsweredInRound: answeredIn,
	}
	if ts := updatedAt.Int64(); ts > 0 {
		round.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return round, nil
}

func (f *ChainlinkFeed) feedDecimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decimals != nil {
		return *f.decimals, nil
	}
	values, err := f.contract.Call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, err := chain.AsUint8(values[0])
	if err != nil {
		return 0, err
	}
	f.decimals = &d
	return d, nil
}

// StaticFeed returns a fixed answer. Used by the simulator and tests.
type StaticFeed struct {
	mu        sync.Mutex
	name      string
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
	err       error
}

// NewStaticFeed builds a feed answering answer·10^-decimals updated at updatedAt.
func NewStaticFeed(name string, answer *big.Int, decimals uint8, updatedAt time.Time) *StaticFeed {
	return &StaticFeed{name: name, answer: answer, decimals: decimals, updatedAt: updatedAt}
}

// Set replaces the answer and its timestamp.
func (f *StaticFeed) Set(answer *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = answer
	f.updatedAt = updatedAt
	f.err = nil
}

// Fail makes every subsequent read return err until Set is called.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = errors.New("static feed failure")
	}
	f.err = err
}

// Source returns the configured name.
func (f *StaticFeed) Source() string {
	return f.name
}

// LatestRound returns the configured answer.
func (f *StaticFeed) LatestRound(ctx context.Context) (Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Round{}, f.err
	}
	var answer *big.Int
	if f.answer != nil {
		answer = new(big.Int).Set(f.answer)
	}
	return Round{RoundID: big.NewInt(1), Answer: answer, Decimals: f.decimals, UpdatedAt: f.updatedAt, AnsweredInRound: big.NewInt(1)}, nil
}

var (
	_ Feed = (*ChainlinkFeed)(nil)
	_ Feed = (*StaticFeed)(nil)
)
