// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the router — venue identity,
// orderbook levels, pooled books, routes, and persisted order records. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// VenueID identifies one of the supported prediction-market venues.
type VenueID string

const (
	VenuePolymarket VenueID = "polymarket"
	VenueLimitless  VenueID = "limitless"
	VenueOpinion    VenueID = "opinion"
)

// CustodyModel identifies how a venue holds and moves relayer-controlled funds.
type CustodyModel int

const (
	CustodyDirectEOA      CustodyModel = iota // relayer EOA is signer and holder
	CustodyProxyEOA                           // relayer EOA signs, a proxy contract holds funds
	CustodySmartWalletGas                     // a separate gas-payer EOA submits txs for a smart-contract wallet
)

// OrderKind enumerates the supported order lifecycles. FOK is the only kind
// any venue adapter in this system submits; orders either fill completely
// and immediately or are rejected by the venue.
type OrderKind string

const (
	OrderKindFOK OrderKind = "FOK"
)

// ————————————————————————————————————————————————————————————————————————
// Events and routing keys
// ————————————————————————————————————————————————————————————————————————

// Event is a binary-outcome prediction-market event that may be listed on
// more than one venue under different identifiers.
type Event struct {
	ID        string              // router-internal event ID
	Outcomes  []string            // the outcomes this event can settle to, e.g. {"yes", "no"}
	Platforms map[string][]VenueID // outcome -> venues carrying it
}

// OutcomeRef is the per-venue routing key: the venue-specific identifiers
// needed to address a particular outcome of an event on that venue. No
// venue-specific identifier leaks past this type into the pooling/routing
// or state-machine layers.
type OutcomeRef struct {
	Venue       VenueID
	EventID     string
	Outcome     string
	TokenID     string // venue's token/asset ID for this outcome
	ConditionID string // venue's market/condition ID, when distinct from TokenID
}

// ————————————————————————————————————————————————————————————————————————
// Order book and pooling
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in a venue's order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a point-in-time snapshot of one outcome's book on one venue.
type OrderBook struct {
	Venue     VenueID
	Outcome   OutcomeRef
	Bids      []PriceLevel // sorted descending by price
	Asks      []PriceLevel // sorted ascending by price
	FetchedAt time.Time
}

// PooledLevel is one grid level of a pooled book: the summed size across all
// venues quoting at that price.
type PooledLevel struct {
	Price      decimal.Decimal
	Size       decimal.Decimal
	Total      decimal.Decimal // Price * Size
	PriceCents decimal.Decimal
	Cumsum     decimal.Decimal // running sum of Total in emission order
}

// PooledBook is the merged view of every venue's book for one outcome side.
type PooledBook struct {
	Bids    []PooledLevel // sorted descending by price
	Asks    []PooledLevel // sorted ascending by price
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Routing
// ————————————————————————————————————————————————————————————————————————

// Fill is one individual fill produced while walking the pooled grid: a
// slice of the route assigned to one venue at one price.
type Fill struct {
	Venue VenueID
	Price decimal.Decimal
	Size  decimal.Decimal
	Cost  decimal.Decimal
}

// VenueFill aggregates all Fills routed to a single venue.
type VenueFill struct {
	Venue        VenueID
	Spent        decimal.Decimal
	Qty          decimal.Decimal
	AvgPrice     decimal.Decimal
}

// Route is the output of the pooling/routing algorithm: how a budget (buy)
// or share quantity (sell) is best distributed across venues.
type Route struct {
	Direction     Side
	Budget        decimal.Decimal
	TotalSpent    decimal.Decimal
	TotalQty      decimal.Decimal
	AvgPrice      decimal.Decimal
	Unfilled      decimal.Decimal
	PlatformsUsed int
	PerVenue      map[VenueID]VenueFill
	Fills         []Fill
}

// ————————————————————————————————————————————————————————————————————————
// Orders — C4 state machine records
// ————————————————————————————————————————————————————————————————————————

// OrderStatus is the state of an order as it moves through the buy or sell
// state machine. Killed is absorbing: once an order reaches Killed, no
// further transition is ever applied to it.
type OrderStatus string

const (
	// Buy path
	StatusPending  OrderStatus = "pending"
	StatusSent     OrderStatus = "sent"
	StatusBridged  OrderStatus = "bridged"
	StatusMatched  OrderStatus = "matched"
	StatusFilled   OrderStatus = "filled"

	// Sell path
	StatusSharesPulled OrderStatus = "shares_pulled"
	StatusSellMatched  OrderStatus = "sell_matched"
	StatusSellSettled  OrderStatus = "sell_settled"
	StatusBridgingBack OrderStatus = "bridging_back"
	StatusCompleted    OrderStatus = "completed"

	// Off-path terminal states, reachable from either side
	StatusFailed      OrderStatus = "failed"
	StatusTradeFailed OrderStatus = "trade_failed"
	StatusKilled      OrderStatus = "killed"
)

// Terminal reports whether status is an absorbing end state that the
// progress loop should never advance past.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCompleted, StatusFailed, StatusTradeFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// SubOrderStatus tracks one venue-fill's progress through relay and
// settlement, independently of the parent order's aggregate status.
type SubOrderStatus string

const (
	SubPending  SubOrderStatus = "pending"
	SubRelayed  SubOrderStatus = "relayed"  // on-chain transfer/bridge submitted
	SubBridged  SubOrderStatus = "bridged"  // bridge reported DONE
	SubTraded   SubOrderStatus = "traded"   // venue FOK order matched
	SubSettled  SubOrderStatus = "settled"
	SubFailed   SubOrderStatus = "failed"
)

// SubOrder is one venue-fill within a Route, tracked independently through
// the relay and settlement steps.
type SubOrder struct {
	Venue            VenueID
	Fill             Fill
	Status           SubOrderStatus
	VenueOrderID     string
	TxHash           string // outbound transfer/bridge submission tx
	BridgeTxHash     string
	ReceivingTxHash  string
	ReceivingChainID int64
	TradeAttempts    int
	SettlementPolls  int
	BridgeAttempts   int
	LastError        string
}

// Order is a single buy or sell request and its full lifecycle record, the
// unit persisted by the store and advanced by the progress loop.
type Order struct {
	ID        string
	Wallet    string
	EventID   string
	Outcome   string
	Side      Side
	Budget    decimal.Decimal // USDC budget (buy) or share quantity (sell)
	FromChain int64           // chain the user's deposit (buy) or proceeds (sell) originate on
	ToChain   int64           // chain the user wants proceeds (sell) delivered to; unused for buy
	Route     Route
	SubOrders []SubOrder
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	KilledAt  *time.Time
	LastError string
}
