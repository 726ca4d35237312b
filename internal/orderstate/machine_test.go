package orderstate

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"premarket-router/internal/config"
	"premarket-router/internal/relay"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	orders map[string]types.Order
}

func newMemStore(orders ...types.Order) *memStore {
	s := &memStore{orders: map[string]types.Order{}}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *memStore) List() ([]types.Order, error) {
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

func (s *memStore) Save(order types.Order) error {
	s.orders[order.ID] = order
	return nil
}

type fakeAdapter struct {
	venue       types.VenueID
	chainID     int64
	decimals    int
	placeErr    error
	matched     bool
	orderID     string
	statusErr   error
	isMatched   bool
	transferIn  string
	approveErr  error
	submitErr   error
	submitTx    string
}

func (f *fakeAdapter) Venue() types.VenueID      { return f.venue }
func (f *fakeAdapter) ChainID() int64            { return f.chainID }
func (f *fakeAdapter) Decimals() int             { return f.decimals }
func (f *fakeAdapter) StablecoinAddress() string { return "0x000000000000000000000000000000000000aa" }
func (f *fakeAdapter) FetchBook(ctx context.Context, outcome types.OutcomeRef) (types.OrderBook, error) {
	return types.OrderBook{}, nil
}
func (f *fakeAdapter) BestOffer(ctx context.Context, outcome types.OutcomeRef, side types.Side) (types.PriceLevel, error) {
	return types.PriceLevel{}, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	if f.placeErr != nil {
		return venue.PlaceOrderResult{}, f.placeErr
	}
	return venue.PlaceOrderResult{VenueOrderID: f.orderID, Matched: f.matched}, nil
}
func (f *fakeAdapter) OrderStatus(ctx context.Context, venueOrderID string) (venue.VenueOrderStatus, error) {
	if f.statusErr != nil {
		return venue.VenueOrderStatus{}, f.statusErr
	}
	return venue.VenueOrderStatus{VenueOrderID: venueOrderID, Matched: f.isMatched}, nil
}
func (f *fakeAdapter) BalanceStablecoin(ctx context.Context, holder string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeAdapter) BalanceShares(ctx context.Context, holder string, outcome types.OutcomeRef) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeAdapter) TransferStablecoinIn(ctx context.Context, from string, amount *big.Int) (string, error) {
	return f.transferIn, nil
}
func (f *fakeAdapter) TransferStablecoinOut(ctx context.Context, to string, amount *big.Int) (string, error) {
	return "0xout", nil
}
func (f *fakeAdapter) TransferSharesIn(ctx context.Context, from string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	return "0xsharein", nil
}
func (f *fakeAdapter) TransferSharesOut(ctx context.Context, to string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	return "0xshareout", nil
}
func (f *fakeAdapter) CheckOperatorApproval(ctx context.Context, owner string) (venue.ApprovalStatus, error) {
	return venue.ApprovalStatus{}, nil
}
func (f *fakeAdapter) ApproveStablecoinSpender(ctx context.Context, spender string, amount *big.Int) (string, error) {
	if f.approveErr != nil {
		return "", f.approveErr
	}
	return "0xapprove", nil
}
func (f *fakeAdapter) SubmitChainTx(ctx context.Context, to string, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.submitTx != "" {
		return f.submitTx, nil
	}
	return "0xchaintx", nil
}

type fakeBridge struct {
	quoteErr  error
	status    relay.BridgeStatusResult
	statusErr error
}

func (b *fakeBridge) Quote(ctx context.Context, fromChain, toChain int64, fromToken, toToken, fromAddress, toAddress, fromAmount string) (relay.BridgeQuote, error) {
	if b.quoteErr != nil {
		return relay.BridgeQuote{}, b.quoteErr
	}
	quote := relay.BridgeQuote{}
	quote.TransactionRequest.To = "0x00000000000000000000000000000000000000bb"
	quote.TransactionRequest.Data = "0x"
	quote.TransactionRequest.Value = "0x0"
	quote.TransactionRequest.GasLimit = "0x0"
	return quote, nil
}

func (b *fakeBridge) Status(ctx context.Context, txHash string) (relay.BridgeStatusResult, error) {
	if b.statusErr != nil {
		return relay.BridgeStatusResult{}, b.statusErr
	}
	return b.status, nil
}

type fakeRouter struct {
	approveErr error
	submitErr  error
	submitTx   string
}

func (r *fakeRouter) ApproveERC20(ctx context.Context, token, spender common.Address, amount *big.Int) (string, error) {
	if r.approveErr != nil {
		return "", r.approveErr
	}
	return "0xapprove", nil
}

func (r *fakeRouter) SubmitBridgeTx(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	if r.submitErr != nil {
		return "", r.submitErr
	}
	if r.submitTx != "" {
		return r.submitTx, nil
	}
	return "0xbridgesent", nil
}

func testCfg() config.MachineConfig {
	return config.MachineConfig{
		TickInterval:          time.Second,
		MaxTradeAttempts:      3,
		MaxSettlementPolls:    3,
		MaxBridgeAttempts:     3,
		SameChainThresholdUSD: 1.0,
	}
}

func baseOrder(side types.Side, status types.OrderStatus) types.Order {
	return types.Order{
		ID:      "order-1",
		Wallet:  "0xwallet",
		EventID: "evt-1",
		Outcome: "yes",
		Side:    side,
		Budget:  decimal.NewFromInt(100),
		Status:  status,
		Route: types.Route{
			Fills: []types.Fill{
				{Venue: types.VenuePolymarket, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(100), Cost: decimal.NewFromInt(50)},
			},
		},
	}
}

func TestAdvancePendingSameChainMovesToSent(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusPending)
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6, transferIn: "0xin"},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusSent {
		t.Fatalf("expected status sent, got %s", advanced.Status)
	}
	if advanced.SubOrders[0].Status != types.SubBridged {
		t.Fatalf("expected same-chain subOrder to skip straight to bridged, got %s", advanced.SubOrders[0].Status)
	}
}

func TestAdvancePendingCrossChainAwaitsBridge(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusPending)
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 8453, decimals: 6},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusSent {
		t.Fatalf("expected status sent while bridge in flight, got %s", advanced.Status)
	}
	if advanced.SubOrders[0].Status != types.SubRelayed {
		t.Fatalf("expected cross-chain subOrder to be relayed pending bridge, got %s", advanced.SubOrders[0].Status)
	}
}

func TestAdvanceSentCompletesOnBridgeDone(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusSent)
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubRelayed, TxHash: "0xsent"},
	}
	bridge := &fakeBridge{status: relay.BridgeStatusResult{Status: relay.BridgeDone, Receiving: struct {
		TxHash  string `json:"txHash"`
		ChainID int64  `json:"chainId"`
	}{TxHash: "0xrecv", ChainID: 137}}}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, bridge, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusBridged {
		t.Fatalf("expected status bridged, got %s", advanced.Status)
	}
	if advanced.SubOrders[0].ReceivingTxHash != "0xrecv" {
		t.Fatalf("expected receiving tx hash recorded, got %+v", advanced.SubOrders[0])
	}
}

func TestAdvanceBridgedKillRetiresSubOrderImmediately(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusBridged)
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubBridged},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6, placeErr: venue.ErrOrderKilled},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.SubOrders[0].Status != types.SubFailed {
		t.Fatalf("expected killed order to fail immediately, got %s", advanced.SubOrders[0].Status)
	}
	if advanced.Status != types.StatusTradeFailed {
		t.Fatalf("expected order to reach trade_failed when its only subOrder fails, got %s", advanced.Status)
	}
}

func TestAdvanceBridgedTransportErrorRetriesThenFails(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusBridged)
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubBridged, TradeAttempts: 2},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6, placeErr: errTransport},
	}
	cfg := testCfg()
	cfg.MaxTradeAttempts = 3
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, cfg, 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.SubOrders[0].TradeAttempts != 3 {
		t.Fatalf("expected trade attempts incremented to 3, got %d", advanced.SubOrders[0].TradeAttempts)
	}
	if advanced.SubOrders[0].Status != types.SubFailed {
		t.Fatalf("expected subOrder to fail once attempts reach the bound, got %s", advanced.SubOrders[0].Status)
	}
}

func TestAdvanceMatchedTransfersSharesAndFills(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusMatched)
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubTraded, VenueOrderID: "vo-1"},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6, isMatched: true},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusFilled {
		t.Fatalf("expected status filled, got %s", advanced.Status)
	}
	if advanced.SubOrders[0].BridgeTxHash != "0xshareout" {
		t.Fatalf("expected shares-out tx recorded, got %+v", advanced.SubOrders[0])
	}
}

func TestAdvanceSellPathReachesCompleted(t *testing.T) {
	order := baseOrder(types.SELL, types.StatusSharesPulled)
	order.ToChain = 137 // same chain as the venue: direct transfer, no bridge
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6, matched: true, isMatched: true},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	order = m.advance(context.Background(), order)
	if order.Status != types.StatusSellMatched {
		t.Fatalf("expected sell_matched after trading, got %s", order.Status)
	}

	order = m.advance(context.Background(), order)
	if order.Status != types.StatusSellSettled {
		t.Fatalf("expected sell_settled after polling, got %s", order.Status)
	}

	order = m.advance(context.Background(), order)
	if order.Status != types.StatusBridgingBack {
		t.Fatalf("expected bridging_back after pulling proceeds home, got %s", order.Status)
	}
	if order.SubOrders[0].TxHash == "" {
		t.Fatalf("expected proceeds transfer tx recorded")
	}

	order = m.advance(context.Background(), order)
	if order.Status != types.StatusCompleted {
		t.Fatalf("expected completed once every leg's proceeds landed, got %s", order.Status)
	}
}

func TestTerminalOrdersAreSkipped(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusFilled)
	store := newMemStore(order)
	m := New(store, map[types.VenueID]venue.Adapter{}, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	m.tickAll(context.Background())

	saved := store.orders["order-1"]
	if saved.Status != types.StatusFilled {
		t.Fatalf("terminal order must never be advanced, got %s", saved.Status)
	}
}

func TestKilledOrderIsAbsorbing(t *testing.T) {
	order := baseOrder(types.BUY, types.StatusBridged)
	killedAt := time.Unix(0, 0)
	order.KilledAt = &killedAt
	m := New(newMemStore(), map[types.VenueID]venue.Adapter{}, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusKilled {
		t.Fatalf("expected killed order to move straight to the killed status, got %s", advanced.Status)
	}
}

func TestAdvanceSellSettledCrossChainBridgesBack(t *testing.T) {
	order := baseOrder(types.SELL, types.StatusSellSettled)
	order.ToChain = 8453
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubSettled},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusBridgingBack {
		t.Fatalf("expected bridging_back, got %s", advanced.Status)
	}
	if advanced.SubOrders[0].TxHash != "0xchaintx" {
		t.Fatalf("expected bridge submission tx recorded, got %+v", advanced.SubOrders[0])
	}

	advanced.SubOrders[0].ReceivingTxHash = ""
	m2 := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{status: relay.BridgeStatusResult{Status: relay.BridgeDone}}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())
	completed := m2.advance(context.Background(), advanced)
	if completed.Status != types.StatusCompleted {
		t.Fatalf("expected completed once the bridge-back leg reports done, got %s", completed.Status)
	}
}

func TestAdvanceSellSettledTooSmallToBridgeFails(t *testing.T) {
	order := baseOrder(types.SELL, types.StatusSellSettled)
	order.ToChain = 8453
	order.Route.Fills[0].Cost = decimal.NewFromFloat(0.40)
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubSettled},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.SubOrders[0].Status != types.SubFailed {
		t.Fatalf("expected sub-order to fail when proceeds are below the bridge floor and chains differ, got %s", advanced.SubOrders[0].Status)
	}
	if advanced.Status != types.StatusTradeFailed {
		t.Fatalf("expected order to end trade_failed, got %s", advanced.Status)
	}
}

func multiVenueOrder(side types.Side, status types.OrderStatus) types.Order {
	order := baseOrder(side, status)
	order.Route.Fills = append(order.Route.Fills, types.Fill{
		Venue: types.VenueLimitless, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(100), Cost: decimal.NewFromInt(50),
	})
	return order
}

func TestAdvanceBridgedPartialFailureForcesTradeFailed(t *testing.T) {
	order := multiVenueOrder(types.BUY, types.StatusBridged)
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubBridged},
		{Venue: types.VenueLimitless, Fill: order.Route.Fills[1], Status: types.SubBridged},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6, placeErr: venue.ErrOrderKilled},
		types.VenueLimitless:  &fakeAdapter{venue: types.VenueLimitless, chainID: 8453, decimals: 6, matched: true},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.SubOrders[0].Status != types.SubFailed {
		t.Fatalf("expected the killed leg to fail, got %s", advanced.SubOrders[0].Status)
	}
	if advanced.SubOrders[1].Status != types.SubTraded {
		t.Fatalf("expected the other leg to keep trading independently, got %s", advanced.SubOrders[1].Status)
	}
	if advanced.Status != types.StatusTradeFailed {
		t.Fatalf("expected one failed leg to force the whole order to trade_failed even though the other leg matched, got %s", advanced.Status)
	}
}

func TestAdvanceBridgingBackPartialFailureForcesTradeFailed(t *testing.T) {
	order := multiVenueOrder(types.SELL, types.StatusBridgingBack)
	order.ToChain = 137
	order.SubOrders = []types.SubOrder{
		{Venue: types.VenuePolymarket, Fill: order.Route.Fills[0], Status: types.SubFailed},
		{Venue: types.VenueLimitless, Fill: order.Route.Fills[1], Status: types.SubSettled, TxHash: "0xout"},
	}
	adapters := map[types.VenueID]venue.Adapter{
		types.VenuePolymarket: &fakeAdapter{venue: types.VenuePolymarket, chainID: 137, decimals: 6},
		types.VenueLimitless:  &fakeAdapter{venue: types.VenueLimitless, chainID: 137, decimals: 6},
	}
	m := New(newMemStore(), adapters, &fakeRouter{}, &fakeBridge{}, testCfg(), 137, "0x000000000000000000000000000000000000cc", testLogger())

	advanced := m.advance(context.Background(), order)

	if advanced.Status != types.StatusTradeFailed {
		t.Fatalf("expected a permanently failed leg to block completion even though the other leg already landed, got %s", advanced.Status)
	}
}

var errTransport = &transportErr{"connection reset"}

type transportErr struct{ msg string }

func (e *transportErr) Error() string { return e.msg }
