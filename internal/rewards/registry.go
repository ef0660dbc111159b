package rewards

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"collateral-keeper/internal/chain"
)

const registryABIJSON = `[
  {"inputs":[{"internalType":"address","name":"pool","type":"address"}],"name":"latestProgramId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"programId","type":"uint256"}],"name":"rewardToken","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"programId","type":"uint256"},{"internalType":"address","name":"recipient","type":"address"}],"name":"claim","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

var registryABI = chain.MustParseABI(registryABIJSON)

// Registry is the on-chain rewards proxy. Claims are simulated first to learn
// the amount and then sent as a single transaction from the keeper key.
type Registry struct {
	contract *chain.Contract
	sender   chain.Sender
}

// NewRegistry binds the rewards proxy. sender may be nil for read-only use.
func NewRegistry(address common.Address, caller chain.Caller, sender chain.Sender) *Registry {
	return &Registry{contract: chain.NewContract(address, registryABI, caller), sender: sender}
}

// LatestProgramID reads the pool's newest program id.
func (r *Registry) LatestProgramID(ctx context.Context, pool common.Address) (*big.Int, error) {
	values, err := r.contract.Call(ctx, "latestProgramId", pool)
	if err != nil {
		return nil, err
	}
	return chain.AsBigInt(values[0])
}

// RewardToken reads the token a program pays out in.
func (r *Registry) RewardToken(ctx context.Context, programID *big.Int) (common.Address, error) {
	values, err := r.contract.Call(ctx, "rewardToken", programID)
	if err != nil {
		return common.Address{}, err
	}
	return chain.AsAddress(values[0])
}

// Claim simulates and then executes claim(programId, recipient).
func (r *Registry) Claim(ctx context.Context, programID *big.Int, recipient common.Address) (*big.Int, error) {
	if r.sender == nil {
		return nil, fmt.Errorf("no keeper key configured to send claims")
	}
	values, err := r.contract.CallFrom(ctx, r.sender.From(), "claim", programID, recipient)
	if err != nil {
		return nil, fmt.Errorf("simulate claim: %w", err)
	}
	amount, err := chain.AsBigInt(values[0])
	if err != nil {
		return nil, err
	}

	data, err := r.contract.Pack("claim", programID, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := r.sender.SendAndWait(ctx, r.contract.Address, data); err != nil {
		return nil, fmt.Errorf("send claim: %w", err)
	}
	return amount, nil
}

var _ Program = (*Registry)(nil)
