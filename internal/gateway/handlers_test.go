package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"premarket-router/internal/config"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.GatewayConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.GatewayConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.GatewayConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.GatewayConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://app.example.com",
			cfg:     config.GatewayConfig{AllowedOrigins: []string{"https://app.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.GatewayConfig{AllowedOrigins: []string{"https://app.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

type fakeAdapter struct {
	venue   types.VenueID
	chainID int64
	decimals int
	book    types.OrderBook
}

func (f *fakeAdapter) Venue() types.VenueID      { return f.venue }
func (f *fakeAdapter) ChainID() int64            { return f.chainID }
func (f *fakeAdapter) Decimals() int             { return f.decimals }
func (f *fakeAdapter) StablecoinAddress() string { return "0x000000000000000000000000000000000000aa" }
func (f *fakeAdapter) FetchBook(ctx context.Context, outcome types.OutcomeRef) (types.OrderBook, error) {
	return f.book, nil
}
func (f *fakeAdapter) BestOffer(ctx context.Context, outcome types.OutcomeRef, side types.Side) (types.PriceLevel, error) {
	return types.PriceLevel{}, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	return venue.PlaceOrderResult{}, nil
}
func (f *fakeAdapter) OrderStatus(ctx context.Context, venueOrderID string) (venue.VenueOrderStatus, error) {
	return venue.VenueOrderStatus{}, nil
}
func (f *fakeAdapter) BalanceStablecoin(ctx context.Context, holder string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeAdapter) BalanceShares(ctx context.Context, holder string, outcome types.OutcomeRef) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeAdapter) TransferStablecoinIn(ctx context.Context, from string, amount *big.Int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) TransferStablecoinOut(ctx context.Context, to string, amount *big.Int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) TransferSharesIn(ctx context.Context, from string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) TransferSharesOut(ctx context.Context, to string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) CheckOperatorApproval(ctx context.Context, owner string) (venue.ApprovalStatus, error) {
	return venue.ApprovalStatus{}, nil
}
func (f *fakeAdapter) ApproveStablecoinSpender(ctx context.Context, spender string, amount *big.Int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) SubmitChainTx(ctx context.Context, to string, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	return "", nil
}

type fakeStore struct {
	orders map[string]types.Order
}

func newFakeStore() *fakeStore { return &fakeStore{orders: map[string]types.Order{}} }

func (s *fakeStore) List() ([]types.Order, error) {
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}
func (s *fakeStore) Get(id string) (types.Order, bool, error) {
	o, ok := s.orders[id]
	return o, ok, nil
}
func (s *fakeStore) Save(order types.Order) error {
	s.orders[order.ID] = order
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *EventRegistry {
	return &EventRegistry{platforms: map[string]map[string][]types.VenueID{
		"evt-1": {"yes": {types.VenuePolymarket}},
	}}
}

func TestHandleEventPlatformsReturnsRegisteredVenues(t *testing.T) {
	h := NewHandlers(nil, testRegistry(), newFakeStore(), config.Config{}, NewHub(testLogger()), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/event-platforms?event_id=evt-1", nil)
	w := httptest.NewRecorder()
	h.HandleEventPlatforms(w, req)

	var resp EventPlatformsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Platforms["yes"]) != 1 || resp.Platforms["yes"][0] != types.VenuePolymarket {
		t.Fatalf("expected yes outcome routed to polymarket, got %+v", resp.Platforms)
	}
}

func TestHandleEventPlatformsRequiresEventID(t *testing.T) {
	h := NewHandlers(nil, testRegistry(), newFakeStore(), config.Config{}, NewHub(testLogger()), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/event-platforms", nil)
	w := httptest.NewRecorder()
	h.HandleEventPlatforms(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a JSON error body without event_id, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func sampleRoute(budget decimal.Decimal) types.Route {
	fill := types.Fill{Venue: types.VenuePolymarket, Price: decimal.NewFromFloat(0.5), Size: budget.Div(decimal.NewFromFloat(0.5)), Cost: budget}
	return types.Route{
		Direction:     types.BUY,
		Budget:        budget,
		TotalSpent:    budget,
		TotalQty:      fill.Size,
		AvgPrice:      fill.Price,
		PlatformsUsed: 1,
		PerVenue:      map[types.VenueID]types.VenueFill{fill.Venue: {Venue: fill.Venue, Spent: budget, Qty: fill.Size, AvgPrice: fill.Price}},
		Fills:         []types.Fill{fill},
	}
}

func TestHandleCreateBuyOrderPersistsPendingOrder(t *testing.T) {
	store := newFakeStore()
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	budget := decimal.NewFromInt(100)
	body, _ := json.Marshal(CreateBuyOrderRequest{
		Wallet: "0xwallet", EventID: "evt-1", Outcome: "yes", Side: types.BUY,
		Budget: budget.String(), Route: sampleRoute(budget), FromChain: 8453,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/order", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleCreateBuyOrder(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.orders) != 1 {
		t.Fatalf("expected one order persisted, got %d", len(store.orders))
	}
	for _, o := range store.orders {
		if o.Status != types.StatusPending {
			t.Fatalf("expected new buy order to start pending, got %s", o.Status)
		}
		if len(o.SubOrders) != 1 {
			t.Fatalf("expected one sub-order seeded from the route, got %d", len(o.SubOrders))
		}
	}
}

func TestHandleCreateSellOrderStartsAtSharesPulled(t *testing.T) {
	store := newFakeStore()
	budget := decimal.NewFromInt(100)
	store.orders["buy-1"] = types.Order{
		ID: "buy-1", Wallet: "0xwallet", EventID: "evt-1", Outcome: "yes",
		Side: types.BUY, Budget: budget, Route: sampleRoute(budget), Status: types.StatusFilled,
	}
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	body, _ := json.Marshal(CreateSellOrderRequest{OrderID: "buy-1", ToChain: 137})
	req := httptest.NewRequest(http.MethodPost, "/api/sell", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleCreateSellOrder(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	for id, o := range store.orders {
		if id == "buy-1" {
			continue
		}
		if o.Status != types.StatusSharesPulled {
			t.Fatalf("expected new sell order to start shares_pulled, got %s", o.Status)
		}
		if o.Side != types.SELL || o.Wallet != "0xwallet" || o.EventID != "evt-1" || o.Outcome != "yes" || o.ToChain != 137 {
			t.Fatalf("expected sell order to inherit wallet/event/outcome from the buy, got %+v", o)
		}
	}
}

func TestHandleCreateSellOrderRejectsUnfilledBuy(t *testing.T) {
	store := newFakeStore()
	store.orders["buy-1"] = types.Order{ID: "buy-1", Side: types.BUY, Status: types.StatusBridged}
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	body, _ := json.Marshal(CreateSellOrderRequest{OrderID: "buy-1", ToChain: 137})
	req := httptest.NewRequest(http.MethodPost, "/api/sell", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleCreateSellOrder(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a JSON error body for a non-filled buy reference, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestHandleCreateOrderRejectsNonPositiveBudget(t *testing.T) {
	store := newFakeStore()
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	body, _ := json.Marshal(CreateBuyOrderRequest{
		Wallet: "0xwallet", EventID: "evt-1", Outcome: "yes", Side: types.BUY,
		Budget: "0", Route: sampleRoute(decimal.NewFromInt(100)), FromChain: 8453,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/order", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleCreateBuyOrder(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a JSON error body for non-positive budget, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if len(store.orders) != 0 {
		t.Fatalf("expected no order persisted for an invalid request")
	}
}

func TestHandleKillOrderMarksNonTerminalOrderKilled(t *testing.T) {
	store := newFakeStore()
	store.orders["order-1"] = types.Order{ID: "order-1", Status: types.StatusBridged}
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/kill-order/order-1", nil)
	w := httptest.NewRecorder()
	h.HandleKillOrder(w, req, "order-1")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if store.orders["order-1"].KilledAt == nil {
		t.Fatalf("expected order to be marked killed")
	}
}

func TestHandleKillOrderLeavesTerminalOrderUntouched(t *testing.T) {
	store := newFakeStore()
	store.orders["order-1"] = types.Order{ID: "order-1", Status: types.StatusFilled}
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/kill-order/order-1", nil)
	w := httptest.NewRecorder()
	h.HandleKillOrder(w, req, "order-1")

	if store.orders["order-1"].KilledAt != nil {
		t.Fatalf("expected a terminal order to never be marked killed")
	}
}

func TestHandlePositionsAggregatesFilledOrders(t *testing.T) {
	store := newFakeStore()
	store.orders["order-1"] = types.Order{
		ID: "order-1", Wallet: "0xwallet", EventID: "evt-1", Outcome: "yes", Side: types.BUY,
		Status: types.StatusFilled,
		Route:  types.Route{TotalQty: decimal.NewFromInt(100), TotalSpent: decimal.NewFromInt(50)},
	}
	h := NewHandlers(nil, testRegistry(), store, config.Config{}, NewHub(testLogger()), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	w := httptest.NewRecorder()
	h.HandlePositions(w, req)

	var positions []Position
	if err := json.NewDecoder(w.Body).Decode(&positions); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(positions) != 1 || positions[0].NetShares != "100" {
		t.Fatalf("expected aggregated position with 100 shares, got %+v", positions)
	}
}
