package gateway

import (
	"github.com/shopspring/decimal"

	"premarket-router/pkg/types"
)

// BuildPositions aggregates every completed or filled order into a net
// per-wallet/event/outcome position.
func BuildPositions(orders []types.Order) []Position {
	type key struct{ wallet, eventID, outcome string }
	agg := map[key]*struct {
		shares decimal.Decimal
		spent  decimal.Decimal
	}{}

	for _, o := range orders {
		if o.Status != types.StatusFilled && o.Status != types.StatusCompleted {
			continue
		}
		k := key{o.Wallet, o.EventID, o.Outcome}
		entry, ok := agg[k]
		if !ok {
			entry = &struct {
				shares decimal.Decimal
				spent  decimal.Decimal
			}{shares: decimal.Zero, spent: decimal.Zero}
			agg[k] = entry
		}
		switch o.Side {
		case types.BUY:
			entry.shares = entry.shares.Add(o.Route.TotalQty)
			entry.spent = entry.spent.Add(o.Route.TotalSpent)
		case types.SELL:
			entry.shares = entry.shares.Sub(o.Route.TotalQty)
			entry.spent = entry.spent.Sub(o.Route.TotalSpent)
		}
	}

	positions := make([]Position, 0, len(agg))
	for k, entry := range agg {
		positions = append(positions, Position{
			Wallet:       k.wallet,
			EventID:      k.eventID,
			Outcome:      k.outcome,
			NetShares:    entry.shares.String(),
			NetSpentUSDC: entry.spent.String(),
		})
	}
	return positions
}
