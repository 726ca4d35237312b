// Package pool merges per-venue order books into a single pooled view and
// computes the optimal cross-venue route for a budget (buy) or share
// quantity (sell).
//
// Both algorithms are a direct port of the original router's
// build_pooled/find_optimal_route pair: a fixed grid of tenth-of-a-cent
// price keys for pooling, and a greedy price-then-venue-preference walk for routing.
package pool

import (
	"sort"

	"github.com/shopspring/decimal"

	"premarket-router/pkg/types"
)

// gridSize is the number of 0.1-cent buckets in the pooling grid, covering
// the full open price range (0, 99.9] cents.
const gridSize = 999

var (
	hundred = decimal.New(100, 0)
	ten     = decimal.New(10, 0)
)

// Build merges liquidity from every venue's book for one side (bids or
// asks) into a single pooled book, bucketed onto a fixed grid of 0.1-cent
// price keys (1..999) so that near-identical prices from different venues
// land in the same pooled level.
func Build(books []types.OrderBook, side types.Side) types.PooledBook {
	grid := make(map[int]decimal.Decimal, gridSize)

	for _, book := range books {
		levels := book.Asks
		if side == types.SELL {
			levels = book.Bids
		}
		for _, lv := range levels {
			key := priceKey(lv.Price)
			if key < 1 || key > gridSize {
				continue
			}
			grid[key] = grid[key].Add(lv.Size)
		}
	}

	keys := make([]int, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	levels := make([]types.PooledLevel, 0, len(keys))
	for _, key := range keys {
		size := grid[key]
		if size.Sign() <= 0 {
			continue
		}
		priceCents := decimal.New(int64(key), 0).Div(ten).Round(1)
		price := priceCents.Div(hundred).Round(4)
		levels = append(levels, types.PooledLevel{
			Price:      price,
			Size:       size.Round(2),
			Total:      price.Mul(size).Round(2),
			PriceCents: priceCents,
		})
	}

	pooled := types.PooledBook{}
	if side == types.BUY {
		// Asks emit ascending (the grid walk's natural order).
		withCumsum(levels)
		pooled.Asks = levels
		if len(levels) > 0 {
			pooled.BestAsk = levels[0].Price
		}
	} else {
		// Bids emit descending (best bid first): reverse the ascending grid
		// walk before computing cumsum, so cumsum accumulates in emission
		// order exactly as it does for asks.
		for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
			levels[i], levels[j] = levels[j], levels[i]
		}
		withCumsum(levels)
		pooled.Bids = levels
		if len(levels) > 0 {
			pooled.BestBid = levels[0].Price
		}
	}
	return pooled
}

// withCumsum fills in each level's running sum of Total, in slice order.
func withCumsum(levels []types.PooledLevel) {
	cumsum := decimal.Zero
	for i := range levels {
		cumsum = cumsum.Add(levels[i].Total)
		levels[i].Cumsum = cumsum
	}
}

// priceKey rounds a price (in [0,1] dollars) to its 0.1-cent grid bucket,
// matching round(price_cents * 10) in the original.
func priceKey(price decimal.Decimal) int {
	cents := price.Mul(hundred)
	tenths := cents.Mul(ten).Round(0)
	return int(tenths.IntPart())
}
