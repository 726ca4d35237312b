package gateway

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"premarket-router/internal/config"
	"premarket-router/internal/pool"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

// OrderStore is the persistence surface the gateway needs: read every
// order for snapshots/positions, read one order by ID, and hand a freshly
// created order off to the state machine by saving it at StatusPending (buy)
// or StatusSharesPulled (sell). The gateway itself never advances an order.
type OrderStore interface {
	List() ([]types.Order, error)
	Get(id string) (types.Order, bool, error)
	Save(order types.Order) error
}

// Handlers holds every dependency the HTTP routes need.
type Handlers struct {
	venues    map[types.VenueID]venue.Adapter
	events    *EventRegistry
	store     OrderStore
	cfg       config.Config
	hub       *Hub
	logger    *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(venues map[types.VenueID]venue.Adapter, events *EventRegistry, store OrderStore, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		venues: venues,
		events: events,
		store:  store,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "gateway-handlers"),
	}
}

// HandleHealth is a bare liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleConfig serves GET /api/config.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	stablecoins := make(map[string]StablecoinInfo, len(h.venues))
	for id, a := range h.venues {
		stablecoins[string(id)] = StablecoinInfo{ChainID: a.ChainID(), Address: a.StablecoinAddress(), Decimals: a.Decimals()}
	}
	resp := ConfigResponse{
		WalletConnectProjectID: h.cfg.Router.WalletConnectID,
		RouterAddress:          h.cfg.Router.ContractAddress,
		HomeChainID:            h.cfg.Router.HomeChainID,
		AcceptedStablecoins:    stablecoins,
	}
	writeJSON(w, h.logger, resp)
}

// HandleEventPlatforms serves GET /api/event-platforms?event_id=.
func (h *Handlers) HandleEventPlatforms(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		writeError(w, h.logger, "event_id is required")
		return
	}
	resp := EventPlatformsResponse{EventID: eventID, Platforms: h.events.Platforms(eventID)}
	writeJSON(w, h.logger, resp)
}

// HandleOrderBookAll serves GET /api/orderbook/all?event_id=&outcome=,
// fanning out across every venue that carries the outcome concurrently.
// One venue's failure is recorded in AdapterErrors rather than failing the
// whole request, matching the original's gather(return_exceptions=True).
func (h *Handlers) HandleOrderBookAll(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	outcome := r.URL.Query().Get("outcome")
	if eventID == "" || outcome == "" {
		writeError(w, h.logger, "event_id and outcome are required")
		return
	}

	venueIDs := platformVenues(h.events.Platforms(eventID), outcome)
	books := make(map[types.VenueID]types.OrderBook, len(venueIDs))
	adapterErrors := map[types.VenueID]string{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(r.Context())
	for _, v := range venueIDs {
		v := v
		adapter, ok := h.venues[v]
		if !ok {
			continue
		}
		g.Go(func() error {
			book, err := adapter.FetchBook(gctx, types.OutcomeRef{Venue: v, EventID: eventID, Outcome: outcome})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				adapterErrors[v] = err.Error()
				return nil
			}
			books[v] = book
			return nil
		})
	}
	_ = g.Wait()

	bookList := make([]types.OrderBook, 0, len(books))
	for _, b := range books {
		bookList = append(bookList, b)
	}

	resp := OrderBookAllResponse{
		EventID:       eventID,
		Outcome:       outcome,
		Books:         books,
		PooledBids:    pool.Build(bookList, types.SELL),
		PooledAsks:    pool.Build(bookList, types.BUY),
		AdapterErrors: adapterErrors,
	}
	writeJSON(w, h.logger, resp)
}

// HandleRoute serves GET /api/route?event_id=&outcome=&side=&budget=.
func (h *Handlers) HandleRoute(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	outcome := r.URL.Query().Get("outcome")
	side := types.Side(strings.ToUpper(r.URL.Query().Get("side")))
	budgetStr := r.URL.Query().Get("budget")
	if eventID == "" || outcome == "" || (side != types.BUY && side != types.SELL) {
		writeError(w, h.logger, "event_id, outcome, and side (BUY|SELL) are required")
		return
	}
	budget, err := decimal.NewFromString(budgetStr)
	if err != nil {
		writeError(w, h.logger, "budget must be a decimal number")
		return
	}

	venueIDs := platformVenues(h.events.Platforms(eventID), outcome)
	bookList := make([]types.OrderBook, 0, len(venueIDs))
	adapterErrors := map[types.VenueID]string{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(r.Context())
	for _, v := range venueIDs {
		v := v
		adapter, ok := h.venues[v]
		if !ok {
			continue
		}
		g.Go(func() error {
			book, err := adapter.FetchBook(gctx, types.OutcomeRef{Venue: v, EventID: eventID, Outcome: outcome})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				adapterErrors[v] = err.Error()
				return nil
			}
			bookList = append(bookList, book)
			return nil
		})
	}
	_ = g.Wait()

	route, err := pool.FindOptimalRoute(bookList, budget, side)
	if err != nil {
		writeError(w, h.logger, err.Error())
		return
	}
	writeJSON(w, h.logger, RouteResponse{Route: route, AdapterErrors: adapterErrors})
}

// HandleCreateBuyOrder serves POST /api/order. The route travels from the
// client exactly as quoted by GET /api/route — the handler never recomputes
// it, so the order executes what the caller saw, not whatever the book
// looks like by the time the request lands.
func (h *Handlers) HandleCreateBuyOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateBuyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, "invalid request body")
		return
	}
	if req.Wallet == "" || req.EventID == "" || req.Outcome == "" || req.Side != types.BUY {
		writeError(w, h.logger, "wallet, event_id, outcome, and side=BUY are required")
		return
	}
	budget, err := decimal.NewFromString(req.Budget)
	if err != nil || budget.Sign() <= 0 {
		writeError(w, h.logger, "budget must be a positive decimal number")
		return
	}
	if len(req.Route.Fills) == 0 {
		writeError(w, h.logger, "route must carry at least one fill")
		return
	}
	if req.FromChain == 0 {
		writeError(w, h.logger, "from_chain is required")
		return
	}

	now := time.Now()
	order := types.Order{
		ID:        uuid.New().String(),
		Wallet:    req.Wallet,
		EventID:   req.EventID,
		Outcome:   req.Outcome,
		Side:      types.BUY,
		Budget:    budget,
		FromChain: req.FromChain,
		Route:     req.Route,
		SubOrders: subOrdersFromRoute(req.Route),
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Save(order); err != nil {
		h.logger.Error("save new order failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	h.hub.BroadcastOrderUpdate(order)
	writeJSON(w, h.logger, order)
}

// HandleCreateSellOrder serves POST /api/sell. It never takes its own
// wallet/event/outcome/venue — those, and the venue holdings to sell, are
// inherited from the referenced buy order, per the spec's "a sell order
// references a buy by id and inherits its (venue, token) but not its
// budget." The order starts at shares_pulled so the state machine places
// sell orders on its very first tick; the caller is expected to have
// already pulled shares into the relayer's venue holding addresses before
// calling this endpoint.
func (h *Handlers) HandleCreateSellOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateSellOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, "invalid request body")
		return
	}
	if req.OrderID == "" {
		writeError(w, h.logger, "order_id is required")
		return
	}
	if req.ToChain == 0 {
		writeError(w, h.logger, "to_chain is required")
		return
	}

	buyOrder, ok, err := h.store.Get(req.OrderID)
	if err != nil {
		h.logger.Error("get referenced buy order failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	if !ok {
		writeError(w, h.logger, "referenced order not found")
		return
	}
	if buyOrder.Side != types.BUY || buyOrder.Status != types.StatusFilled {
		writeError(w, h.logger, "order_id must reference a filled buy order")
		return
	}

	amount := buyOrder.Route.TotalQty
	if req.Amount != "" {
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || amount.Sign() <= 0 {
			writeError(w, h.logger, "amount must be a positive decimal number")
			return
		}
		if amount.GreaterThan(buyOrder.Route.TotalQty) {
			writeError(w, h.logger, "amount exceeds the buy order's filled quantity")
			return
		}
	}

	route := sellRouteFromFilledBuy(buyOrder, amount)

	now := time.Now()
	order := types.Order{
		ID:        uuid.New().String(),
		Wallet:    buyOrder.Wallet,
		EventID:   buyOrder.EventID,
		Outcome:   buyOrder.Outcome,
		Side:      types.SELL,
		Budget:    amount,
		ToChain:   req.ToChain,
		Route:     route,
		SubOrders: subOrdersFromRoute(route),
		Status:    types.StatusSharesPulled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Save(order); err != nil {
		h.logger.Error("save new order failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	h.hub.BroadcastOrderUpdate(order)
	writeJSON(w, h.logger, order)
}

// subOrdersFromRoute seeds one pending SubOrder per fill in a route, the
// shape C4's progress loop advances independently of the others.
func subOrdersFromRoute(route types.Route) []types.SubOrder {
	subs := make([]types.SubOrder, 0, len(route.Fills))
	for _, fill := range route.Fills {
		subs = append(subs, types.SubOrder{Venue: fill.Venue, Fill: fill, Status: types.SubPending})
	}
	return subs
}

// sellRouteFromFilledBuy derives a sell route from a filled buy's per-venue
// holdings, scaling each venue's quantity proportionally when amount is less
// than the buy's full filled size. A buy split across several venues sells
// back across those same venues in the same proportions; a single-venue buy
// sells back through that one venue.
func sellRouteFromFilledBuy(buyOrder types.Order, amount decimal.Decimal) types.Route {
	ratio := decimal.NewFromInt(1)
	if buyOrder.Route.TotalQty.Sign() > 0 {
		ratio = amount.Div(buyOrder.Route.TotalQty)
	}

	fills := make([]types.Fill, 0, len(buyOrder.Route.Fills))
	perVenue := make(map[types.VenueID]types.VenueFill, len(buyOrder.Route.PerVenue))
	totalQty := decimal.Zero
	totalSpent := decimal.Zero
	for _, fill := range buyOrder.Route.Fills {
		qty := fill.Size.Mul(ratio)
		cost := qty.Mul(fill.Price)
		fills = append(fills, types.Fill{Venue: fill.Venue, Price: fill.Price, Size: qty, Cost: cost})
		vf := perVenue[fill.Venue]
		vf.Venue = fill.Venue
		vf.Qty = vf.Qty.Add(qty)
		vf.Spent = vf.Spent.Add(cost)
		perVenue[fill.Venue] = vf
		totalQty = totalQty.Add(qty)
		totalSpent = totalSpent.Add(cost)
	}
	for v, vf := range perVenue {
		if vf.Qty.Sign() > 0 {
			vf.AvgPrice = vf.Spent.Div(vf.Qty)
		}
		perVenue[v] = vf
	}
	avgPrice := decimal.Zero
	if totalQty.Sign() > 0 {
		avgPrice = totalSpent.Div(totalQty)
	}

	return types.Route{
		Direction:     types.SELL,
		Budget:        amount,
		TotalSpent:    totalSpent,
		TotalQty:      totalQty,
		AvgPrice:      avgPrice,
		PlatformsUsed: len(perVenue),
		PerVenue:      perVenue,
		Fills:         fills,
	}
}

// HandleGetOrder serves GET /api/order/{id}.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, ok, err := h.store.Get(id)
	if err != nil {
		h.logger.Error("get order failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	if !ok {
		writeError(w, h.logger, "order not found")
		return
	}
	writeJSON(w, h.logger, order)
}

// HandleKillOrder serves POST /api/kill-order/{id}. An already-terminal
// order is left untouched — killed never overrides filled/completed/failed.
func (h *Handlers) HandleKillOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, ok, err := h.store.Get(id)
	if err != nil {
		h.logger.Error("get order failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	if !ok {
		writeError(w, h.logger, "order not found")
		return
	}
	if order.Status.Terminal() {
		writeJSON(w, h.logger, order)
		return
	}
	killedAt := time.Now()
	order.KilledAt = &killedAt
	order.Status = types.StatusKilled
	order.UpdatedAt = killedAt
	if err := h.store.Save(order); err != nil {
		h.logger.Error("save killed order failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	h.hub.BroadcastOrderUpdate(order)
	writeJSON(w, h.logger, order)
}

// HandlePositions serves GET /api/positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.List()
	if err != nil {
		h.logger.Error("list orders failed", "error", err)
		writeError(w, h.logger, "internal error")
		return
	}
	writeJSON(w, h.logger, BuildPositions(orders))
}

// HandleWebSocket upgrades the connection and registers a new client, then
// sends it an initial full snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), h.cfg.Gateway, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := newWSClient(h.hub, conn)

	orders, err := h.store.List()
	if err != nil {
		h.logger.Error("list orders for snapshot failed", "error", err)
		return
	}
	evt := GatewayEvent{Type: "snapshot", Timestamp: time.Now(), Data: orders}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func isOriginAllowed(origin string, cfg config.GatewayConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}
	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

func platformVenues(platforms map[string][]types.VenueID, outcome string) []types.VenueID {
	return platforms[outcome]
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
		writeError(w, logger, "internal error")
	}
}

// writeError writes the documented error envelope: HTTP 200 with a JSON
// {"error": ...} body, rather than a non-200 status, so a client that only
// ever parses JSON and checks for an "error" key never has to branch on
// status code to find out a request failed.
func writeError(w http.ResponseWriter, logger *slog.Logger, message string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		logger.Error("failed to encode error response", "error", err)
	}
}
