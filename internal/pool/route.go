package pool

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"premarket-router/pkg/types"
)

// ErrBudgetNotPositive is returned when the caller asks to route a
// non-positive budget/quantity.
var ErrBudgetNotPositive = errors.New("pool: budget must be > 0")

// ErrNoLiquidity is returned when none of the supplied books carry any
// levels on the requested side.
var ErrNoLiquidity = errors.New("pool: no liquidity available")

type taggedLevel struct {
	venue types.VenueID
	price decimal.Decimal
	size  decimal.Decimal
}

// FindOptimalRoute distributes budget (USDC to spend on buy, shares to sell
// on sell) across the supplied per-venue books, greedily walking price
// levels from best to worst and, within a price tier, preferring venues
// already used in the route so far — minimizing the number of distinct
// venues touched without paying a worse price to do it.
func FindOptimalRoute(books []types.OrderBook, budget decimal.Decimal, direction types.Side) (types.Route, error) {
	if budget.Sign() <= 0 {
		return types.Route{}, ErrBudgetNotPositive
	}

	levels := collectLevels(books, direction)
	if len(levels) == 0 {
		return types.Route{}, ErrNoLiquidity
	}

	sortLevels(levels, direction)
	groups := groupByPrice(levels)

	remaining := budget
	usedVenues := map[types.VenueID]bool{}
	fills := make([]types.Fill, 0)
	perVenue := make(map[types.VenueID]types.VenueFill)

	for _, group := range groups {
		if remaining.Sign() <= 0 {
			break
		}

		// First consume from venues already used by earlier (better-priced)
		// fills, in every venue's levels at this price tier.
		usedLevels, newLevels := partitionByUsed(group, usedVenues)
		sort.SliceStable(usedLevels, func(i, j int) bool { return usedLevels[i].venue < usedLevels[j].venue })
		for _, lv := range usedLevels {
			if remaining.Sign() <= 0 {
				break
			}
			remaining = consumeLevel(lv, direction, remaining, &fills, perVenue, usedVenues)
		}

		// Then, if budget remains, touch at most one new venue at this price
		// tier: whichever has the largest total notional here, tiebroken by
		// venue name. This is what keeps platforms_used minimal.
		if remaining.Sign() > 0 && len(newLevels) > 0 {
			chosen := largestNotionalVenue(newLevels)
			for _, lv := range newLevels {
				if lv.venue != chosen {
					continue
				}
				if remaining.Sign() <= 0 {
					break
				}
				remaining = consumeLevel(lv, direction, remaining, &fills, perVenue, usedVenues)
			}
		}
	}

	totalSpent := decimal.Zero
	totalQty := decimal.Zero
	for venueID, agg := range perVenue {
		if agg.Qty.Sign() > 0 {
			agg.AvgPrice = agg.Spent.Div(agg.Qty).Round(6)
		}
		agg.Spent = agg.Spent.Round(4)
		agg.Qty = agg.Qty.Round(4)
		perVenue[venueID] = agg
		totalSpent = totalSpent.Add(agg.Spent)
		totalQty = totalQty.Add(agg.Qty)
	}

	avgPrice := decimal.Zero
	if totalQty.Sign() > 0 {
		avgPrice = totalSpent.Div(totalQty).Round(6)
	}

	unfilled := decimal.Max(remaining, decimal.Zero).Round(4)

	return types.Route{
		Direction:     direction,
		Budget:        budget,
		TotalSpent:    totalSpent.Round(4),
		TotalQty:      totalQty.Round(4),
		AvgPrice:      avgPrice,
		Unfilled:      unfilled,
		PlatformsUsed: len(perVenue),
		PerVenue:      perVenue,
		Fills:         fills,
	}, nil
}

func collectLevels(books []types.OrderBook, direction types.Side) []taggedLevel {
	levels := make([]taggedLevel, 0)
	for _, book := range books {
		side := book.Asks
		if direction == types.SELL {
			side = book.Bids
		}
		for _, lv := range side {
			levels = append(levels, taggedLevel{venue: book.Venue, price: lv.Price, size: lv.Size})
		}
	}
	return levels
}

// sortLevels orders levels cheapest-first for buys, most-expensive-first
// for sells, matching the original's reverse=True on the sell side.
func sortLevels(levels []taggedLevel, direction types.Side) {
	sort.SliceStable(levels, func(i, j int) bool {
		if direction == types.SELL {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})
}

// groupByPrice groups consecutive same-price levels, preserving the sorted
// order of distinct price tiers (mirrors itertools.groupby over the
// already-sorted list).
func groupByPrice(levels []taggedLevel) [][]taggedLevel {
	groups := make([][]taggedLevel, 0)
	i := 0
	for i < len(levels) {
		j := i + 1
		for j < len(levels) && levels[j].price.Equal(levels[i].price) {
			j++
		}
		groups = append(groups, levels[i:j])
		i = j
	}
	return groups
}

// partitionByUsed splits one price tier's levels into those belonging to
// venues already touched by an earlier (better-priced) fill and those that
// would be new to this route.
func partitionByUsed(group []taggedLevel, used map[types.VenueID]bool) (usedLevels, newLevels []taggedLevel) {
	for _, lv := range group {
		if used[lv.venue] {
			usedLevels = append(usedLevels, lv)
		} else {
			newLevels = append(newLevels, lv)
		}
	}
	return usedLevels, newLevels
}

// largestNotionalVenue picks the single new venue with the largest total
// notional (price*size, summed across that venue's levels) within one price
// tier — the tiebreaker that minimizes the number of distinct venues a route
// touches. Ties are broken by venue name for determinism.
func largestNotionalVenue(levels []taggedLevel) types.VenueID {
	notional := map[types.VenueID]decimal.Decimal{}
	for _, lv := range levels {
		notional[lv.venue] = notional[lv.venue].Add(lv.price.Mul(lv.size))
	}
	best := levels[0].venue
	for v, n := range notional {
		bn := notional[best]
		if n.GreaterThan(bn) || (n.Equal(bn) && v < best) {
			best = v
		}
	}
	return best
}

// consumeLevel applies one level's fill against the remaining budget/shares,
// recording the fill and updating per-venue aggregates, and returns the new
// remaining amount.
func consumeLevel(lv taggedLevel, direction types.Side, remaining decimal.Decimal, fills *[]types.Fill, perVenue map[types.VenueID]types.VenueFill, usedVenues map[types.VenueID]bool) decimal.Decimal {
	var qty, spend decimal.Decimal
	if direction == types.BUY {
		availableCost := lv.price.Mul(lv.size)
		spend = decimal.Min(remaining, availableCost)
		if lv.price.Sign() > 0 {
			qty = spend.Div(lv.price)
		}
	} else {
		qty = decimal.Min(remaining, lv.size)
		spend = qty.Mul(lv.price)
	}

	if qty.Sign() <= 0 {
		return remaining
	}

	*fills = append(*fills, types.Fill{
		Venue: lv.venue,
		Price: lv.price,
		Size:  qty.Round(4),
		Cost:  spend.Round(4),
	})

	agg := perVenue[lv.venue]
	agg.Venue = lv.venue
	agg.Spent = agg.Spent.Add(spend)
	agg.Qty = agg.Qty.Add(qty)
	perVenue[lv.venue] = agg

	usedVenues[lv.venue] = true
	if direction == types.BUY {
		return remaining.Sub(spend)
	}
	return remaining.Sub(qty)
}
