package pool

import (
	"testing"

	"github.com/shopspring/decimal"

	"premarket-router/pkg/types"
)

func book(venue types.VenueID, asks, bids []types.PriceLevel) types.OrderBook {
	return types.OrderBook{Venue: venue, Asks: asks, Bids: bids}
}

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestFindOptimalRouteBuyPrefersCheapestVenue(t *testing.T) {
	books := []types.OrderBook{
		book(types.VenuePolymarket, []types.PriceLevel{level("0.50", "100")}, nil),
		book(types.VenueLimitless, []types.PriceLevel{level("0.45", "50")}, nil),
	}

	route, err := FindOptimalRoute(books, decimal.RequireFromString("10"), types.BUY)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.PlatformsUsed != 1 {
		t.Fatalf("expected 1 platform used, got %d", route.PlatformsUsed)
	}
	if _, ok := route.PerVenue[types.VenueLimitless]; !ok {
		t.Fatalf("expected limitless to be used, got %+v", route.PerVenue)
	}
	if !route.Unfilled.IsZero() {
		t.Fatalf("expected fully filled, unfilled=%s", route.Unfilled)
	}
}

func TestFindOptimalRouteBuyTouchesOnlyLargestNotionalVenueWithinATier(t *testing.T) {
	// Same price, so both venues tie on price — the tiebreaker picks the
	// single largest-notional venue (limitless: 0.50*100=50 > polymarket's
	// 0.50*5=2.5) and spends the whole budget there, never touching
	// polymarket even though it was also available at this price.
	books := []types.OrderBook{
		book(types.VenuePolymarket, []types.PriceLevel{level("0.50", "5")}, nil),
		book(types.VenueLimitless, []types.PriceLevel{level("0.50", "100")}, nil),
	}

	route, err := FindOptimalRoute(books, decimal.RequireFromString("10"), types.BUY)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.PlatformsUsed != 1 {
		t.Fatalf("expected 1 platform used (minimality tiebreak), got %d: %+v", route.PlatformsUsed, route.PerVenue)
	}
	if _, ok := route.PerVenue[types.VenueLimitless]; !ok {
		t.Fatalf("expected limitless (larger notional) to be chosen, got %+v", route.PerVenue)
	}
}

func TestFindOptimalRouteBuySpansPriceTiersWhenBestTierIsInsufficient(t *testing.T) {
	// Limitless is the sole venue at the best price (0.50) but only offers
	// $2.50 of notional; the remaining budget spills into the next (worse)
	// price tier, where polymarket is the only venue — so two platforms end
	// up used, but via two distinct price tiers, never two new venues
	// within the same tier.
	books := []types.OrderBook{
		book(types.VenueLimitless, []types.PriceLevel{level("0.50", "5")}, nil),
		book(types.VenuePolymarket, []types.PriceLevel{level("0.55", "100")}, nil),
	}

	route, err := FindOptimalRoute(books, decimal.RequireFromString("10"), types.BUY)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.PlatformsUsed != 2 {
		t.Fatalf("expected 2 platforms used across tiers, got %d: %+v", route.PlatformsUsed, route.PerVenue)
	}
	if !route.PerVenue[types.VenueLimitless].Spent.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected limitless tier fully consumed at $2.50, got %s", route.PerVenue[types.VenueLimitless].Spent)
	}
}

func TestFindOptimalRouteBuyPrefersUsedVenueOverNewAtNextTier(t *testing.T) {
	// Limitless fills the best tier (0.50) first. At the next tier (0.55)
	// limitless appears again alongside a new venue (opinion) — the
	// already-used venue is consumed first even though opinion has more
	// notional there, keeping platforms_used at 1.
	books := []types.OrderBook{
		book(types.VenueLimitless, []types.PriceLevel{level("0.50", "2"), level("0.55", "50")}, nil),
		book(types.VenueOpinion, []types.PriceLevel{level("0.55", "100")}, nil),
	}

	route, err := FindOptimalRoute(books, decimal.RequireFromString("10"), types.BUY)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.PlatformsUsed != 1 {
		t.Fatalf("expected 1 platform used (prefer already-used venue), got %d: %+v", route.PlatformsUsed, route.PerVenue)
	}
	if _, ok := route.PerVenue[types.VenueOpinion]; ok {
		t.Fatalf("expected opinion untouched, got %+v", route.PerVenue)
	}
}

func TestFindOptimalRouteSellPrefersHighestBid(t *testing.T) {
	books := []types.OrderBook{
		book(types.VenuePolymarket, nil, []types.PriceLevel{level("0.60", "100")}),
		book(types.VenueOpinion, nil, []types.PriceLevel{level("0.65", "100")}),
	}

	route, err := FindOptimalRoute(books, decimal.RequireFromString("20"), types.SELL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := route.PerVenue[types.VenueOpinion]; !ok {
		t.Fatalf("expected opinion (best bid) to be used first, got %+v", route.PerVenue)
	}
}

func TestFindOptimalRouteRejectsNonPositiveBudget(t *testing.T) {
	_, err := FindOptimalRoute(nil, decimal.Zero, types.BUY)
	if err != ErrBudgetNotPositive {
		t.Fatalf("expected ErrBudgetNotPositive, got %v", err)
	}
}

func TestFindOptimalRouteRejectsEmptyBooks(t *testing.T) {
	_, err := FindOptimalRoute([]types.OrderBook{book(types.VenuePolymarket, nil, nil)}, decimal.RequireFromString("5"), types.BUY)
	if err != ErrNoLiquidity {
		t.Fatalf("expected ErrNoLiquidity, got %v", err)
	}
}

func TestFindOptimalRouteUnfilledWhenLiquidityRunsOut(t *testing.T) {
	books := []types.OrderBook{
		book(types.VenuePolymarket, []types.PriceLevel{level("0.50", "2")}, nil),
	}

	route, err := FindOptimalRoute(books, decimal.RequireFromString("10"), types.BUY)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Unfilled.IsZero() {
		t.Fatalf("expected unfilled budget, got route %+v", route)
	}
	if !route.Unfilled.Equal(decimal.RequireFromString("9")) {
		t.Fatalf("expected unfilled=9 (spent 1 on 2 shares @ 0.50), got %s", route.Unfilled)
	}
}
