package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"premarket-router/pkg/types"
)

func TestFanOutRoutesSameChainAndBridgeSeparately(t *testing.T) {
	targets := []DepositTarget{
		{Venue: types.VenuePolymarket, ChainID: 137, Amount: "1000000", ToAddress: common.HexToAddress("0x1")},
		{Venue: types.VenueLimitless, ChainID: 8453, Amount: "2000000", ToAddress: common.HexToAddress("0x2")},
	}

	sameChainCalls := 0
	bridgeCalls := 0
	sameChain := func(ctx context.Context, target DepositTarget) (string, error) {
		sameChainCalls++
		return "0xsame", nil
	}
	bridge := func(ctx context.Context, target DepositTarget) (string, error) {
		bridgeCalls++
		return "0xbridge", nil
	}

	results := FanOut(context.Background(), 137, targets, sameChain, bridge)

	if sameChainCalls != 1 || bridgeCalls != 1 {
		t.Fatalf("expected 1 same-chain and 1 bridge call, got %d/%d", sameChainCalls, bridgeCalls)
	}
	if results[0].TransferHash != "0xsame" {
		t.Fatalf("expected same-chain result for home-chain target, got %+v", results[0])
	}
	if results[1].BridgeHash != "0xbridge" {
		t.Fatalf("expected bridge result for cross-chain target, got %+v", results[1])
	}
}

func TestFanOutCapturesPerTargetErrorsIndependently(t *testing.T) {
	targets := []DepositTarget{
		{Venue: types.VenuePolymarket, ChainID: 137},
		{Venue: types.VenueOpinion, ChainID: 56},
	}
	sameChain := func(ctx context.Context, target DepositTarget) (string, error) {
		return "", errors.New("rpc down")
	}
	bridge := func(ctx context.Context, target DepositTarget) (string, error) {
		return "0xbridge", nil
	}

	results := FanOut(context.Background(), 137, targets, sameChain, bridge)

	if results[0].Err == nil {
		t.Fatalf("expected the same-chain target to report its own error")
	}
	if results[1].Err != nil {
		t.Fatalf("expected the bridge target to succeed independently of the failing same-chain target, got %v", results[1].Err)
	}
	if err := FirstError(results); err == nil {
		t.Fatalf("expected FirstError to surface the same-chain failure")
	}
}
