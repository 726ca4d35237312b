// Package venue defines the uniform adapter interface every trading venue
// implements, plus the EIP-712 signing helper shared by all three concrete
// adapters (internal/venue/polymarket, internal/venue/limitless,
// internal/venue/opinion).
//
// Each venue sits behind exactly one of three custody models
// (pkg/types.CustodyModel): a direct EOA, an EOA acting through a proxy
// wallet, or a smart-contract wallet fronted by a separate gas-paying EOA.
// The adapter hides which model a given venue uses from every caller above
// this package — callers only ever see Adapter.
package venue

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"premarket-router/pkg/types"
)

// Sentinel errors every adapter returns for conditions callers branch on.
var (
	// ErrOrderKilled means the venue rejected a FOK order outright (no
	// counterparty at that price/size). The state machine treats this as
	// immediately terminal — it does not count against the trade retry
	// budget the way a transport error does.
	ErrOrderKilled = errors.New("venue: order killed (FOK not matched)")

	// ErrNoLiquidity means the venue returned an empty book for the
	// requested side.
	ErrNoLiquidity = errors.New("venue: no liquidity")

	// ErrUnsupportedOutcome means the venue does not carry the requested
	// event/outcome at all.
	ErrUnsupportedOutcome = errors.New("venue: outcome not supported")
)

// ApprovalStatus reports whether the relayer's operator address is cleared
// to move a user's stablecoin and shares on a given venue.
type ApprovalStatus struct {
	StablecoinAllowance *big.Int
	SharesApproved      bool
}

// PlaceOrderRequest is everything an adapter needs to submit one FOK order.
type PlaceOrderRequest struct {
	Outcome types.OutcomeRef
	Side    types.Side
	Price   decimal.Decimal // price per share, 0 < price < 1
	Size    decimal.Decimal // shares (sell) or USDC notional at Price (buy)
}

// PlaceOrderResult is what a venue returns immediately after a FOK submission.
type PlaceOrderResult struct {
	VenueOrderID string
	Matched      bool // true if filled immediately; false means killed
	FilledSize   decimal.Decimal
	FilledPrice  decimal.Decimal
}

// VenueOrderStatus is the result of polling a previously placed order.
type VenueOrderStatus struct {
	VenueOrderID    string
	Matched         bool
	OriginalAmount  *big.Int
	FilledAmount    *big.Int
	RemainingAmount *big.Int
}

// Adapter is the uniform interface every venue implements. It is the only
// surface the pooling/routing and order-state-machine layers depend on;
// venue-specific identifiers, custody quirks, and signing schemes never
// leak past it.
type Adapter interface {
	Venue() types.VenueID
	ChainID() int64
	Decimals() int
	// StablecoinAddress is this venue's quote-stablecoin contract address on
	// its own chain, needed by the relay to quote and approve a bridge leg
	// targeting this venue.
	StablecoinAddress() string

	FetchBook(ctx context.Context, outcome types.OutcomeRef) (types.OrderBook, error)
	BestOffer(ctx context.Context, outcome types.OutcomeRef, side types.Side) (types.PriceLevel, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	OrderStatus(ctx context.Context, venueOrderID string) (VenueOrderStatus, error)

	BalanceStablecoin(ctx context.Context, holder string) (*big.Int, error)
	BalanceShares(ctx context.Context, holder string, outcome types.OutcomeRef) (*big.Int, error)

	TransferStablecoinIn(ctx context.Context, from string, amount *big.Int) (string, error)
	TransferStablecoinOut(ctx context.Context, to string, amount *big.Int) (string, error)
	TransferSharesIn(ctx context.Context, from string, outcome types.OutcomeRef, amount *big.Int) (string, error)
	TransferSharesOut(ctx context.Context, to string, outcome types.OutcomeRef, amount *big.Int) (string, error)

	CheckOperatorApproval(ctx context.Context, owner string) (ApprovalStatus, error)

	// ApproveStablecoinSpender and SubmitChainTx let the relay bridge a sell's
	// proceeds off this venue's own chain: approve the bridge aggregator to
	// move the relayer's stablecoin, then forward the quote's opaque
	// to/data/value/gasLimit blob, both signed with this adapter's own chain
	// signer rather than the router's home-chain one.
	ApproveStablecoinSpender(ctx context.Context, spender string, amount *big.Int) (string, error)
	SubmitChainTx(ctx context.Context, to string, value *big.Int, data []byte, gasLimit uint64) (string, error)
}
