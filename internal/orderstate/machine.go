// Package orderstate drives every order through its buy or sell lifecycle:
// relay funds, wait on the bridge, place the venue order, poll settlement,
// and (on sell) bridge proceeds back. One goroutine advances every order,
// ticking on a fixed interval exactly as the teacher's risk.Manager.Run and
// the original's poll_orders both do. The gateway also writes to the store
// when it creates or kills an order.
package orderstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"premarket-router/internal/config"
	"premarket-router/internal/relay"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

// Store is the persistence surface the machine needs: list every order to
// tick, and save one order back after each transition.
type Store interface {
	List() ([]types.Order, error)
	Save(order types.Order) error
}

// RouterContract is the subset of *relay.Router the bridge-submission step
// needs, narrowed to an interface so tests can swap in a fake instead of
// dialing a real chain.
type RouterContract interface {
	ApproveERC20(ctx context.Context, token, spender common.Address, amount *big.Int) (string, error)
	SubmitBridgeTx(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (string, error)
}

// Machine advances every non-terminal order one step per tick.
type Machine struct {
	store          Store
	venues         map[types.VenueID]venue.Adapter
	router         RouterContract
	bridge         relay.BridgeQuoter
	cfg            config.MachineConfig
	homeChainID    int64
	homeStablecoin common.Address
	logger         *slog.Logger
}

// New builds an order machine wired to every enabled venue adapter, the
// router contract, and the bridge quoter. homeChainID is the chain the
// router contract lives on and where user wallets hold their budget;
// homeStablecoin is the token the relayer approves and bridges out of it.
func New(store Store, venues map[types.VenueID]venue.Adapter, router RouterContract, bridge relay.BridgeQuoter, cfg config.MachineConfig, homeChainID int64, homeStablecoin string, logger *slog.Logger) *Machine {
	return &Machine{
		store:          store,
		venues:         venues,
		router:         router,
		bridge:         bridge,
		cfg:            cfg,
		homeChainID:    homeChainID,
		homeStablecoin: common.HexToAddress(homeStablecoin),
		logger:         logger.With("component", "orderstate"),
	}
}

// Run ticks until ctx is canceled, advancing every non-terminal order once
// per tick. Each order's advance step is independent of the others; one
// order's failure never blocks another's progress.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickAll(ctx)
		}
	}
}

func (m *Machine) tickAll(ctx context.Context) {
	orders, err := m.store.List()
	if err != nil {
		m.logger.Error("list orders failed", "error", err)
		return
	}
	for _, order := range orders {
		if order.Status.Terminal() {
			continue
		}
		advanced := m.advance(ctx, order)
		if err := m.store.Save(advanced); err != nil {
			m.logger.Error("save order failed", "order", advanced.ID, "error", err)
		}
	}
}

// advance performs exactly one state transition's worth of work for order
// and returns the updated record. It never panics on a venue/network
// error — failures are recorded on the order and retried on the next tick,
// up to the configured bounds.
func (m *Machine) advance(ctx context.Context, order types.Order) types.Order {
	if order.KilledAt != nil {
		order.Status = types.StatusKilled
		return order
	}

	switch order.Status {
	case types.StatusPending:
		return m.advancePending(ctx, order)
	case types.StatusSent:
		return m.advanceSent(ctx, order)
	case types.StatusBridged:
		return m.advanceBridged(ctx, order)
	case types.StatusMatched:
		return m.advanceMatched(ctx, order)
	case types.StatusSharesPulled:
		return m.advanceSharesPulled(ctx, order)
	case types.StatusSellMatched:
		return m.advanceSellMatched(ctx, order)
	case types.StatusSellSettled:
		return m.advanceSellSettled(ctx, order)
	case types.StatusBridgingBack:
		return m.advanceBridgingBack(ctx, order)
	default:
		return order
	}
}

func (m *Machine) adapterFor(v types.VenueID) (venue.Adapter, error) {
	a, ok := m.venues[v]
	if !ok {
		return nil, fmt.Errorf("orderstate: no adapter registered for venue %q", v)
	}
	return a, nil
}

// advancePending relays the user's budget to every venue the route touches
// concurrently via relay.FanOut, one target per pending sub-order: a target
// on the home chain goes straight through the venue adapter's
// TransferStablecoinIn, any other target gets its own LiFi quote, approval,
// and bridge submission. Sub-orders bound for the same chain are not merged
// into one bridge. One sub-order's failure never blocks another's relay attempt.
// Initializes one SubOrder per route fill on first entry.
func (m *Machine) advancePending(ctx context.Context, order types.Order) types.Order {
	if len(order.SubOrders) == 0 {
		order.SubOrders = make([]types.SubOrder, len(order.Route.Fills))
		for i, fill := range order.Route.Fills {
			order.SubOrders[i] = types.SubOrder{Venue: fill.Venue, Fill: fill, Status: types.SubPending}
		}
	}

	var pendingIdx []int
	targets := make([]relay.DepositTarget, 0, len(order.SubOrders))
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status != types.SubPending {
			continue
		}
		adapter, err := m.adapterFor(sub.Venue)
		if err != nil {
			sub.LastError = err.Error()
			continue
		}
		amount := venue.ToWei(sub.Fill.Cost, adapter.Decimals())
		pendingIdx = append(pendingIdx, i)
		targets = append(targets, relay.DepositTarget{
			Venue:   sub.Venue,
			ChainID: adapter.ChainID(),
			Amount:  amount.String(),
		})
	}

	if len(targets) > 0 {
		results := relay.FanOut(ctx, m.homeChainID, targets,
			func(ctx context.Context, target relay.DepositTarget) (string, error) {
				adapter, err := m.adapterFor(target.Venue)
				if err != nil {
					return "", err
				}
				amount, ok := new(big.Int).SetString(target.Amount, 10)
				if !ok {
					return "", fmt.Errorf("orderstate: invalid deposit amount %q", target.Amount)
				}
				return adapter.TransferStablecoinIn(ctx, order.Wallet, amount)
			},
			func(ctx context.Context, target relay.DepositTarget) (string, error) {
				adapter, err := m.adapterFor(target.Venue)
				if err != nil {
					return "", err
				}
				quote, err := m.bridge.Quote(ctx, m.homeChainID, target.ChainID, m.homeStablecoin.Hex(), adapter.StablecoinAddress(), order.Wallet, order.Wallet, target.Amount)
				if err != nil {
					return "", err
				}
				tx, err := quote.Parse()
				if err != nil {
					return "", err
				}
				amount, ok := new(big.Int).SetString(target.Amount, 10)
				if !ok {
					return "", fmt.Errorf("orderstate: invalid deposit amount %q", target.Amount)
				}
				if _, err := m.router.ApproveERC20(ctx, m.homeStablecoin, tx.To, amount); err != nil {
					return "", err
				}
				return m.router.SubmitBridgeTx(ctx, tx.To, tx.Value, tx.Data, tx.GasLimit)
			},
		)

		for i, result := range results {
			sub := &order.SubOrders[pendingIdx[i]]
			sameChain := targets[i].ChainID == m.homeChainID
			if result.Err != nil {
				sub.BridgeAttempts++
				sub.LastError = result.Err.Error()
				if sub.BridgeAttempts >= m.cfg.MaxBridgeAttempts {
					sub.Status = types.SubFailed
				}
				continue
			}
			if sameChain {
				sub.TxHash = result.TransferHash
				sub.Status = types.SubBridged // already on the right chain, nothing to bridge
			} else {
				sub.TxHash = result.BridgeHash
				sub.Status = types.SubRelayed
			}
		}
	}

	allDone := true
	for i := range order.SubOrders {
		switch order.SubOrders[i].Status {
		case types.SubPending, types.SubFailed:
			allDone = false
		}
	}
	if allDone {
		order.Status = types.StatusSent
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusFailed
	}
	order.UpdatedAt = now()
	return order
}

// advanceSent polls LiFi for every subOrder still in transit; once a
// bridge reports DONE the subOrder moves to SubBridged and records where
// funds landed.
func (m *Machine) advanceSent(ctx context.Context, order types.Order) types.Order {
	allBridged := true
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubBridged {
			continue
		}
		if sub.Status != types.SubRelayed {
			allBridged = false
			continue
		}
		status, err := m.bridge.Status(ctx, sub.TxHash)
		if err != nil {
			sub.BridgeAttempts++
			sub.LastError = err.Error()
			allBridged = false
			if sub.BridgeAttempts >= m.cfg.MaxBridgeAttempts {
				sub.Status = types.SubFailed
			}
			continue
		}
		switch status.Status {
		case relay.BridgeDone:
			sub.Status = types.SubBridged
			sub.ReceivingTxHash = status.Receiving.TxHash
			sub.ReceivingChainID = status.Receiving.ChainID
		case relay.BridgeFailed:
			sub.Status = types.SubFailed
			allBridged = false
		default:
			allBridged = false
		}
	}

	if allBridged {
		order.Status = types.StatusBridged
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusFailed
	}
	order.UpdatedAt = now()
	return order
}

// advanceBridged places a FOK order at each venue now holding funds for
// its fill. A kill (no counterparty) is immediately terminal for that
// subOrder; a transport error retries up to MaxTradeAttempts.
func (m *Machine) advanceBridged(ctx context.Context, order types.Order) types.Order {
	allTraded := true
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubTraded {
			continue
		}
		if sub.Status != types.SubBridged {
			allTraded = false
			continue
		}
		adapter, err := m.adapterFor(sub.Venue)
		if err != nil {
			sub.LastError = err.Error()
			allTraded = false
			continue
		}

		result, err := adapter.PlaceOrder(ctx, venue.PlaceOrderRequest{
			Outcome: outcomeRef(order, sub.Venue),
			Side:    order.Side,
			Price:   sub.Fill.Price,
			Size:    sub.Fill.Size,
		})
		if err == venue.ErrOrderKilled {
			sub.Status = types.SubFailed
			sub.LastError = err.Error()
			allTraded = false
			continue
		}
		if err != nil {
			sub.TradeAttempts++
			sub.LastError = err.Error()
			allTraded = false
			if sub.TradeAttempts >= m.cfg.MaxTradeAttempts {
				sub.Status = types.SubFailed
			}
			continue
		}
		sub.VenueOrderID = result.VenueOrderID
		if !result.Matched {
			sub.Status = types.SubFailed
			sub.LastError = "FOK not matched"
			allTraded = false
			continue
		}
		sub.Status = types.SubTraded
	}

	if allTraded {
		order.Status = types.StatusMatched
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusTradeFailed
	}
	order.UpdatedAt = now()
	return order
}

// advanceMatched polls each venue for settlement confirmation, then
// transfers the bought shares out to the user's wallet on that venue's
// chain. The caller bridges shares cross-chain separately if needed; this
// machine's buy path ends once shares reach the user on the venue's chain.
func (m *Machine) advanceMatched(ctx context.Context, order types.Order) types.Order {
	allSettled := true
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubSettled {
			continue
		}
		if sub.Status != types.SubTraded {
			allSettled = false
			continue
		}
		adapter, err := m.adapterFor(sub.Venue)
		if err != nil {
			sub.LastError = err.Error()
			allSettled = false
			continue
		}

		status, err := adapter.OrderStatus(ctx, sub.VenueOrderID)
		if err != nil || !status.Matched {
			sub.SettlementPolls++
			if err != nil {
				sub.LastError = err.Error()
			}
			allSettled = false
			if sub.SettlementPolls >= m.cfg.MaxSettlementPolls {
				sub.Status = types.SubFailed
			}
			continue
		}

		outcome := outcomeRef(order, sub.Venue)
		shareAmount := venue.ToWei(sub.Fill.Size, adapter.Decimals())
		txHash, err := adapter.TransferSharesOut(ctx, order.Wallet, outcome, shareAmount)
		if err != nil {
			sub.LastError = err.Error()
			allSettled = false
			continue
		}
		sub.BridgeTxHash = txHash
		sub.Status = types.SubSettled
	}

	if allSettled {
		order.Status = types.StatusFilled
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusTradeFailed
	}
	order.UpdatedAt = now()
	return order
}

// advanceSharesPulled places a FOK sell order at each venue whose fill the
// route assigned shares to — the gateway has already pulled those shares
// into the relayer's holding address on each venue before this order was
// created.
func (m *Machine) advanceSharesPulled(ctx context.Context, order types.Order) types.Order {
	if len(order.SubOrders) == 0 {
		order.SubOrders = make([]types.SubOrder, len(order.Route.Fills))
		for i, fill := range order.Route.Fills {
			order.SubOrders[i] = types.SubOrder{Venue: fill.Venue, Fill: fill, Status: types.SubPending}
		}
	}

	allTraded := true
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubTraded {
			continue
		}
		adapter, err := m.adapterFor(sub.Venue)
		if err != nil {
			sub.LastError = err.Error()
			allTraded = false
			continue
		}
		result, err := adapter.PlaceOrder(ctx, venue.PlaceOrderRequest{
			Outcome: outcomeRef(order, sub.Venue),
			Side:    order.Side,
			Price:   sub.Fill.Price,
			Size:    sub.Fill.Size,
		})
		if err == venue.ErrOrderKilled {
			sub.Status = types.SubFailed
			sub.LastError = err.Error()
			allTraded = false
			continue
		}
		if err != nil {
			sub.TradeAttempts++
			sub.LastError = err.Error()
			allTraded = false
			if sub.TradeAttempts >= m.cfg.MaxTradeAttempts {
				sub.Status = types.SubFailed
			}
			continue
		}
		sub.VenueOrderID = result.VenueOrderID
		if !result.Matched {
			sub.Status = types.SubFailed
			sub.LastError = "FOK not matched"
			allTraded = false
			continue
		}
		sub.Status = types.SubTraded
	}

	if allTraded {
		order.Status = types.StatusSellMatched
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusTradeFailed
	}
	order.UpdatedAt = now()
	return order
}

// advanceSellMatched polls settlement for each traded sell leg and marks it
// settled; moving the proceeds is left to advanceSellSettled.
func (m *Machine) advanceSellMatched(ctx context.Context, order types.Order) types.Order {
	allSettled := true
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubSettled {
			continue
		}
		if sub.Status != types.SubTraded {
			allSettled = false
			continue
		}
		adapter, err := m.adapterFor(sub.Venue)
		if err != nil {
			sub.LastError = err.Error()
			allSettled = false
			continue
		}
		status, err := adapter.OrderStatus(ctx, sub.VenueOrderID)
		if err != nil || !status.Matched {
			sub.SettlementPolls++
			allSettled = false
			if sub.SettlementPolls >= m.cfg.MaxSettlementPolls {
				sub.Status = types.SubFailed
			}
			continue
		}
		sub.Status = types.SubSettled
	}

	if allSettled {
		order.Status = types.StatusSellSettled
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusTradeFailed
	}
	order.UpdatedAt = now()
	return order
}

// advanceSellSettled bridges the sell proceeds from each venue's chain to
// order.ToChain. A venue already on ToChain gets a direct transfer; a venue
// on a different chain gets a LiFi quote, an approval, and a bridge
// submission signed by that venue's own chain signer. Proceeds below the
// aggregator's floor (SameChainThresholdUSD) can only move via the direct
// path — if source and ToChain differ too, the leg fails with
// ErrBridgeAmountTooSmall rather than attempting an undersized bridge.
// A leg whose attempt errors is retried on later ticks until
// MaxBridgeAttempts; the order moves to bridging_back once every settled
// leg has a submitted tx.
func (m *Machine) advanceSellSettled(ctx context.Context, order types.Order) types.Order {
	var pendingIdx []int
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubSettled && sub.TxHash == "" {
			pendingIdx = append(pendingIdx, i)
		}
	}

	if len(pendingIdx) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range pendingIdx {
			idx := idx
			g.Go(func() error {
				sub := &order.SubOrders[idx]
				txHash, err := m.bridgeBackOne(gctx, order, sub)
				if err != nil {
					sub.BridgeAttempts++
					sub.LastError = err.Error()
					if errors.Is(err, relay.ErrBridgeAmountTooSmall) || sub.BridgeAttempts >= m.cfg.MaxBridgeAttempts {
						sub.Status = types.SubFailed
					}
					return nil
				}
				sub.TxHash = txHash
				return nil
			})
		}
		_ = g.Wait()
	}

	allSent := true
	for i := range order.SubOrders {
		if order.SubOrders[i].Status == types.SubSettled && order.SubOrders[i].TxHash == "" {
			allSent = false
		}
	}
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusTradeFailed
	} else if allSent {
		order.Status = types.StatusBridgingBack
	}
	order.UpdatedAt = now()
	return order
}

// bridgeBackOne delivers one settled sub-order's proceeds to order.ToChain,
// choosing the direct transfer or the quote-approve-submit bridge path.
func (m *Machine) bridgeBackOne(ctx context.Context, order types.Order, sub *types.SubOrder) (string, error) {
	adapter, err := m.adapterFor(sub.Venue)
	if err != nil {
		return "", err
	}
	amount := venue.ToWei(sub.Fill.Cost, adapter.Decimals())

	if adapter.ChainID() == order.ToChain {
		return adapter.TransferStablecoinOut(ctx, order.Wallet, amount)
	}

	proceedsUSD, _ := sub.Fill.Cost.Float64()
	if proceedsUSD < m.cfg.SameChainThresholdUSD {
		return "", relay.ErrBridgeAmountTooSmall
	}

	quote, err := m.bridge.Quote(ctx, adapter.ChainID(), order.ToChain, adapter.StablecoinAddress(), m.homeStablecoin.Hex(), order.Wallet, order.Wallet, amount.String())
	if err != nil {
		return "", err
	}
	tx, err := quote.Parse()
	if err != nil {
		return "", err
	}
	if _, err := adapter.ApproveStablecoinSpender(ctx, tx.To.Hex(), amount); err != nil {
		return "", err
	}
	return adapter.SubmitChainTx(ctx, tx.To.Hex(), tx.Value, tx.Data, tx.GasLimit)
}

// advanceBridgingBack polls each in-flight bridge-back leg for completion
// and completes the sell once every leg has landed (directly transferred
// legs are already final — their TxHash was set synchronously).
func (m *Machine) advanceBridgingBack(ctx context.Context, order types.Order) types.Order {
	allDone := true
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if sub.Status == types.SubFailed {
			continue
		}
		if sub.TxHash == "" {
			allDone = false
			continue
		}
		if sub.ReceivingTxHash != "" || adapterChainEqualsToChain(m, order, sub) {
			continue
		}
		status, err := m.bridge.Status(ctx, sub.TxHash)
		if err != nil {
			sub.BridgeAttempts++
			sub.LastError = err.Error()
			allDone = false
			if sub.BridgeAttempts >= m.cfg.MaxBridgeAttempts {
				sub.Status = types.SubFailed
			}
			continue
		}
		switch status.Status {
		case relay.BridgeDone:
			sub.ReceivingTxHash = status.Receiving.TxHash
			sub.ReceivingChainID = status.Receiving.ChainID
		case relay.BridgeFailed:
			sub.Status = types.SubFailed
		default:
			allDone = false
		}
	}

	if allDone {
		order.Status = types.StatusCompleted
	}
	// A failed leg always wins over allDone going true in the same tick;
	// completed must never leave one venue's proceeds undelivered.
	if anySubOrderFailed(order.SubOrders) {
		order.Status = types.StatusTradeFailed
	}
	order.UpdatedAt = now()
	return order
}

// adapterChainEqualsToChain reports whether sub's venue already sits on
// order.ToChain, meaning its TxHash was a direct transfer with no bridge
// status left to poll.
func adapterChainEqualsToChain(m *Machine, order types.Order, sub *types.SubOrder) bool {
	adapter, err := m.adapterFor(sub.Venue)
	if err != nil {
		return false
	}
	return adapter.ChainID() == order.ToChain
}

// anySubOrderFailed reports whether at least one sub-order has permanently
// failed. A single failed leg forces the whole order to its failed terminal
// state: a multi-venue order is never allowed to reach filled/completed
// with one venue's leg unaccounted for.
func anySubOrderFailed(subs []types.SubOrder) bool {
	for _, s := range subs {
		if s.Status == types.SubFailed {
			return true
		}
	}
	return false
}

func outcomeRef(order types.Order, v types.VenueID) types.OutcomeRef {
	return types.OutcomeRef{Venue: v, EventID: order.EventID, Outcome: order.Outcome}
}

// now is isolated so tests can stand up deterministic fixtures without
// depending on wall-clock time.
var now = time.Now
