package relay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"premarket-router/pkg/types"
)

// DepositTarget is one venue-fill's share of a route that needs funds
// relayed onto its chain before the venue order can be placed.
type DepositTarget struct {
	Venue     types.VenueID
	ChainID   int64
	Amount    string // raw token units, decimal string
	ToAddress common.Address
}

// DepositResult is what fanning a single target out produced: either a
// same-chain transfer hash or a bridge submission hash, never both.
type DepositResult struct {
	Venue        types.VenueID
	TransferHash string
	BridgeHash   string
	Err          error
}

// SameChainTransferer moves funds already on the home chain directly to a
// venue's holding address, skipping the bridge entirely.
type SameChainTransferer func(ctx context.Context, target DepositTarget) (string, error)

// BridgeDispatcher quotes and submits a bridge leg for one target.
type BridgeDispatcher func(ctx context.Context, target DepositTarget) (string, error)

// FanOut relays funds to every target concurrently, routing same-chain
// targets through sameChain and cross-chain targets through bridge. It
// mirrors the router's multi-venue relay step: a buy spanning three venues
// on three different chains needs three independent on-chain submissions,
// and none should block the others.
//
// One target's failure does not cancel the others — every target gets an
// attempt, and the caller inspects each DepositResult.Err independently
// (an order's sub-orders fail and retry independently too).
func FanOut(ctx context.Context, homeChainID int64, targets []DepositTarget, sameChain SameChainTransferer, bridge BridgeDispatcher) []DepositResult {
	results := make([]DepositResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if target.ChainID == homeChainID {
				hash, err := sameChain(gctx, target)
				results[i] = DepositResult{Venue: target.Venue, TransferHash: hash, Err: err}
				return nil
			}
			hash, err := bridge(gctx, target)
			results[i] = DepositResult{Venue: target.Venue, BridgeHash: hash, Err: err}
			return nil
		})
	}

	// g.Wait() only ever returns non-nil if one of the goroutines above
	// returned a non-nil error, which none do — per-target failures are
	// captured in results, not propagated, so every target gets a result.
	_ = g.Wait()
	return results
}

// FirstError returns the first non-nil error across a FanOut result set, or
// nil if every target relayed successfully.
func FirstError(results []DepositResult) error {
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%s: %w", r.Venue, r.Err)
		}
	}
	return nil
}
