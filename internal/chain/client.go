package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	// ErrReverted marks a call that reached the contract and was rejected by it.
	ErrReverted = errors.New("chain: execution reverted")
	// ErrMalformed marks a response that could not be decoded against the ABI.
	ErrMalformed = errors.New("chain: malformed response")
	// ErrUnavailable marks a transport failure; nothing is known about the contract state.
	ErrUnavailable = errors.New("chain: rpc unavailable")
)

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Options parameterise the RPC client.
type Options struct {
	RPCURL          string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	ReceiptPoll     time.Duration
	// ReceiptTimeout bounds the wait for a mined transaction.
	ReceiptTimeout  time.Duration
}

// Client wraps go-ethereum RPC behind a circuit breaker and a per-call timeout.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	rpc     *rpc.Client
	eth     *ethclient.Client
	breaker *gobreaker.CircuitBreaker

	chainMu sync.Mutex
	chainID *big.Int
}

// Dial connects to the configured JSON-RPC endpoint.
func Dial(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	rpcClient, err := rpc.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newClient(rpcClient, opts, logger), nil
}

func newClient(rpcClient *rpc.Client, opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 5 * time.Minute
	}

	log := logger.With().Str("component", "chain").Logger()
	failures := opts.BreakerFailures
	settings := gobreaker.Settings{
		Name:    "ethereum-rpc",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A revert is an answer from the node, not a transport failure.
		IsSuccessful: func(err error) bool {
			return err == nil || IsRevert(err) || errors.Is(err, ethereum.NotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("rpc circuit breaker state changed")
		},
	}

	return &Client{
		opts:    opts,
		logger:  log,
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// CallContract performs an eth_call and classifies the failure.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		return c.eth.CallContract(ctx, msg, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// ChainID returns the chain id, cached after the first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	out, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		return c.eth.ChainID(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.chainID = out.(*big.Int)
	return new(big.Int).Set(c.chainID), nil
}

// HeaderByNumber returns the block header; nil selects the latest block.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	out, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		return c.eth.HeaderByNumber(ctx, number)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Header), nil
}

func (c *Client) execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})
	if err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// Classify maps a raw RPC error onto ErrReverted or ErrUnavailable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrReverted) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMalformed) {
		return err
	}
	if errors.Is(err, ethereum.NotFound) {
		return err
	}
	if IsRevert(err) {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsRevert reports whether err carries an EVM revert rather than a transport failure.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
