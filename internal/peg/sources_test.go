package peg

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	poolAddr  = common.HexToAddress("0x4444444444444444444444444444444444444444")
	assetAddr = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

// poolStub answers the pool proxy and the reference asset's decimals().
type poolStub struct {
	parsed   abi.ABI
	tokenDec uint8
	refDec   uint8
	rate     *big.Int
	seenArg  *big.Int
}

func (p *poolStub) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, err := p.parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if *msg.To == assetAddr {
		return method.Outputs.Pack(p.refDec)
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(p.tokenDec)
	case "asset", "underlying":
		return method.Outputs.Pack(assetAddr)
	case "convertToAssets":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		p.seenArg = args[0].(*big.Int)
		return method.Outputs.Pack(p.rate)
	case "exchangeRateStored":
		return method.Outputs.Pack(p.rate)
	}
	return nil, fmt.Errorf("unexpected method %s", method.Name)
}

func TestERC4626SourceScalesToReferenceUnits(t *testing.T) {
	// 1 share (18 decimals) converts to 1.05 units of a 6-decimal asset.
	stub := &poolStub{parsed: erc4626ABI, tokenDec: 18, refDec: 6, rate: big.NewInt(1_050_000)}
	src, dec, err := NewSource(context.Background(), KindERC4626, poolAddr, stub)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if dec.Token != 18 || dec.Ref != 6 {
		t.Fatalf("unexpected decimals %+v", dec)
	}

	rate, err := src.RefPerTok(context.Background())
	if err != nil {
		t.Fatalf("refPerTok: %v", err)
	}
	if !rate.Equal(d("1.05")) {
		t.Fatalf("expected 1.05, got %s", rate)
	}
	if stub.seenArg.Cmp(pow10(18)) != 0 {
		t.Fatalf("convertToAssets should be asked for one whole share, got %s", stub.seenArg)
	}
}

func TestCTokenSourceRescalesMantissa(t *testing.T) {
	// cUSDC style: 8 decimal token over a 6 decimal asset, mantissa scaled by 1e16.
	mantissa, _ := new(big.Int).SetString("220000000000000", 10)
	stub := &poolStub{parsed: cTokenABI, tokenDec: 8, refDec: 6, rate: mantissa}
	src, _, err := NewSource(context.Background(), KindCToken, poolAddr, stub)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	rate, err := src.RefPerTok(context.Background())
	if err != nil {
		t.Fatalf("refPerTok: %v", err)
	}
	if !rate.Equal(d("0.022")) {
		t.Fatalf("expected 0.022, got %s", rate)
	}
}

func TestNewSourceUnknownKind(t *testing.T) {
	if _, _, err := NewSource(context.Background(), "curve", poolAddr, &poolStub{}); err == nil {
		t.Fatal("unknown pool kind should fail")
	}
}
