package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sender submits a signed contract transaction and waits for its receipt.
type Sender interface {
	From() common.Address
	SendAndWait(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// Signer sends EIP-1559 transactions from a single keeper key.
type Signer struct {
	client *Client
	key    *ecdsa.PrivateKey
	from   common.Address
}

// NewSigner parses a hex-encoded private key.
func NewSigner(client *Client, hexKey string) (*Signer, error) {
	if client == nil {
		return nil, errors.New("chain client is nil")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse keeper private key: %w", err)
	}
	return &Signer{client: client, key: key, from: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// From returns the keeper address.
func (s *Signer) From() common.Address {
	return s.from
}

// SendAndWait signs, broadcasts and waits for the transaction to be mined.
// A mined transaction with a failed status is reported as ErrReverted.
func (s *Signer) SendAndWait(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	c := s.client
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	out, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		return c.eth.PendingNonceAt(ctx, s.from)
	})
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	nonce := out.(uint64)

	out, err = c.execute(ctx, func(ctx context.Context) (any, error) {
		return c.eth.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	tip := out.(*big.Int)

	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	out, err = c.execute(ctx, func(ctx context.Context) (any, error) {
		return c.eth.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas := out.(uint64) * 12 / 10

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if _, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, c.eth.SendTransaction(ctx, signed)
	}); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	c.logger.Info().Str("tx", signed.Hash().Hex()).Str("to", to.Hex()).Uint64("nonce", nonce).Msg("transaction submitted")

	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: transaction %s failed in block %s", ErrReverted, signed.Hash().Hex(), receipt.BlockNumber)
	}
	return receipt, nil
}

// waitMined polls until the receipt appears or ReceiptTimeout elapses.
func (s *Signer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c := s.client
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		out, err := c.execute(ctx, func(ctx context.Context) (any, error) {
			return c.eth.TransactionReceipt(ctx, hash)
		})
		if err == nil {
			return out.(*types.Receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ Sender = (*Signer)(nil)
