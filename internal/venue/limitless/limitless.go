// Package limitless implements the venue.Adapter for Limitless Exchange,
// trading on Base (chain 8453) against USDC with Limitless's own CTF
// Exchange contract.
//
// Custody model: Direct EOA (pkg/types.CustodyDirectEOA) — the relayer's
// EOA both signs and holds funds, no proxy wallet in between, exactly as
// relayer/adapters/limitless.py's LimitlessAdapter (maker == signer ==
// account.address in every order it submits).
//
// Limitless authenticates with a personal_sign login flow rather than L2
// API keys: fetch a signing message, sign it with the EOA, and trade the
// signature for a session cookie. Every subsequent request rides that
// session.
package limitless

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"premarket-router/internal/config"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

const defaultExchange = "0x5a38afc17F7E97ad8d6C547ddb837E40B4aEDfC6"

// Adapter is the Limitless venue adapter.
type Adapter struct {
	http     *resty.Client
	chain    *venue.ChainClient
	signer   *venue.Signer
	stablecoin common.Address
	chainID  int64
	decimals int
	logger   *slog.Logger
}

// New constructs the Limitless adapter from its venue config section.
func New(cfg config.VenueConfig, logger *slog.Logger) (*Adapter, error) {
	signer, err := venue.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("limitless signer: %w", err)
	}

	chain, err := venue.NewChainClient(
		cfg.RPCURL,
		common.HexToAddress(cfg.StablecoinAddress),
		common.HexToAddress(cfg.SharesAddress),
		cfg.ChainID,
		signer,
	)
	if err != nil {
		return nil, fmt.Errorf("limitless chain client: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("limitless cookie jar: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetCookieJar(jar).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Adapter{
		http:     httpClient,
		chain:    chain,
		signer:     signer,
		stablecoin: common.HexToAddress(cfg.StablecoinAddress),
		chainID:    cfg.ChainID,
		decimals: cfg.StablecoinDecimals,
		logger:   logger.With("venue", "limitless"),
	}, nil
}

func (a *Adapter) Venue() types.VenueID { return types.VenueLimitless }
func (a *Adapter) ChainID() int64       { return a.chainID }
func (a *Adapter) Decimals() int        { return a.decimals }
func (a *Adapter) StablecoinAddress() string { return a.stablecoin.Hex() }

// login fetches Limitless's signing challenge, signs it with the relayer
// EOA via personal_sign, and exchanges the signature for a session cookie.
func (a *Adapter) login(ctx context.Context) error {
	resp, err := a.http.R().SetContext(ctx).Get("/auth/signing-message")
	if err != nil {
		return fmt.Errorf("limitless signing message: %w", err)
	}
	msg := resp.String()

	hash := accounts.TextHash([]byte(msg))
	sig, err := crypto.Sign(hash, a.signer.PrivateKey())
	if err != nil {
		return fmt.Errorf("limitless sign login message: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	loginResp, err := a.http.R().
		SetContext(ctx).
		SetHeader("x-account", a.signer.Address().Hex()).
		SetHeader("x-signature", "0x"+common.Bytes2Hex(sig)).
		SetHeader("x-signing-message", "0x"+common.Bytes2Hex([]byte(msg))).
		SetBody(map[string]string{"client": "eoa"}).
		Post("/auth/login")
	if err != nil {
		return fmt.Errorf("limitless login: %w", err)
	}
	if loginResp.StatusCode() != http.StatusOK {
		return fmt.Errorf("limitless login: status %d", loginResp.StatusCode())
	}
	return nil
}

type limitlessLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type limitlessBook struct {
	Bids []limitlessLevel `json:"bids"`
	Asks []limitlessLevel `json:"asks"`
}

func parseLimitlessLevels(raw []limitlessLevel, divisor decimal.Decimal) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size.Div(divisor)})
	}
	return levels
}

// FetchBook treats outcome.ConditionID as the market slug, matching the
// original's get_orderbook(token_id) call where "token_id" is really the slug.
func (a *Adapter) FetchBook(ctx context.Context, outcome types.OutcomeRef) (types.OrderBook, error) {
	var raw limitlessBook
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get(fmt.Sprintf("/markets/%s/orderbook", outcome.ConditionID))
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("limitless fetch book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBook{}, fmt.Errorf("limitless fetch book: status %d", resp.StatusCode())
	}

	divisor := decimal.New(1, int32(a.decimals))
	return types.OrderBook{
		Venue:     types.VenueLimitless,
		Outcome:   outcome,
		Bids:      parseLimitlessLevels(raw.Bids, divisor),
		Asks:      parseLimitlessLevels(raw.Asks, divisor),
		FetchedAt: time.Now(),
	}, nil
}

func (a *Adapter) BestOffer(ctx context.Context, outcome types.OutcomeRef, side types.Side) (types.PriceLevel, error) {
	book, err := a.FetchBook(ctx, outcome)
	if err != nil {
		return types.PriceLevel{}, err
	}
	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return types.PriceLevel{}, venue.ErrNoLiquidity
	}
	return levels[0], nil
}

type limitlessMarket struct {
	Tokens struct {
		Yes string `json:"yes"`
		No  string `json:"no"`
	} `json:"tokens"`
	Venue struct {
		Exchange string `json:"exchange"`
	} `json:"venue"`
}

func (a *Adapter) fetchMarket(ctx context.Context, slug string) (limitlessMarket, error) {
	var market limitlessMarket
	resp, err := a.http.R().SetContext(ctx).SetResult(&market).Get("/markets/" + slug)
	if err != nil {
		return limitlessMarket{}, fmt.Errorf("limitless fetch market: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return limitlessMarket{}, fmt.Errorf("limitless fetch market: status %d", resp.StatusCode())
	}
	return market, nil
}

func (a *Adapter) signOrder(order map[string]any, exchange string) ([]byte, error) {
	domain := apitypes.TypedDataDomain{
		Name:              "Limitless CTF Exchange",
		Version:           "1",
		ChainId:           venue.ChainIDDomain(a.chainID),
		VerifyingContract: exchange,
	}
	orderTypes := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Order": {
			{Name: "salt", Type: "uint256"},
			{Name: "maker", Type: "address"},
			{Name: "signer", Type: "address"},
			{Name: "taker", Type: "address"},
			{Name: "tokenId", Type: "uint256"},
			{Name: "makerAmount", Type: "uint256"},
			{Name: "takerAmount", Type: "uint256"},
			{Name: "expiration", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "feeRateBps", Type: "uint256"},
			{Name: "side", Type: "uint8"},
			{Name: "signatureType", Type: "uint8"},
		},
	}
	message := apitypes.TypedDataMessage{}
	for k, v := range order {
		message[k] = fmt.Sprintf("%v", v)
	}
	return a.signer.SignTypedData(domain, orderTypes, message, "Order")
}

// PlaceOrder looks up the market's real token ID and exchange contract,
// ensures the exchange is approved if it differs from the default, then
// signs and submits a FOK order over the authenticated session.
func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	if err := a.login(ctx); err != nil {
		return venue.PlaceOrderResult{}, err
	}

	market, err := a.fetchMarket(ctx, req.Outcome.ConditionID)
	if err != nil {
		return venue.PlaceOrderResult{}, err
	}
	exchange := market.Venue.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}

	if exchange != defaultExchange {
		allowance, err := a.chain.AllowanceStablecoin(ctx, a.signer.Address(), common.HexToAddress(exchange))
		if err != nil {
			a.logger.Warn("check exchange allowance failed", "exchange", exchange, "error", err)
		} else if allowance.Sign() <= 0 {
			if _, err := a.chain.ApproveStablecoin(ctx, a.signer.Address(), common.HexToAddress(exchange), maxUint256()); err != nil {
				a.logger.Warn("approve exchange failed", "exchange", exchange, "error", err)
			}
		}
	}

	salt := rand.Int63n(1<<32-1) + 1
	sideInt := sideCode(req.Side)
	makerAmt, takerAmt := amountsForSide(req.Side, req.Size, a.decimals)

	order := map[string]any{
		"salt":          salt,
		"maker":         a.signer.Address().Hex(),
		"signer":        a.signer.Address().Hex(),
		"taker":         "0x0000000000000000000000000000000000000000",
		"tokenId":       req.Outcome.TokenID,
		"makerAmount":   makerAmt.String(),
		"takerAmount":   takerAmt.String(),
		"expiration":    0,
		"nonce":         0,
		"feeRateBps":    300,
		"side":          sideInt,
		"signatureType": 0,
	}
	sig, err := a.signOrder(order, exchange)
	if err != nil {
		return venue.PlaceOrderResult{}, fmt.Errorf("limitless sign order: %w", err)
	}
	order["signature"] = "0x" + common.Bytes2Hex(sig)

	payload := map[string]any{
		"order":       order,
		"orderType":   string(types.OrderKindFOK),
		"marketSlug":  req.Outcome.ConditionID,
	}

	var result struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
		ID            string `json:"id"`
		MakerMatches  bool   `json:"makerMatches"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return venue.PlaceOrderResult{}, fmt.Errorf("limitless place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return venue.PlaceOrderResult{}, venue.ErrOrderKilled
	}

	orderID := result.Order.ID
	if orderID == "" {
		orderID = result.ID
	}
	return venue.PlaceOrderResult{
		VenueOrderID: orderID,
		Matched:      result.MakerMatches,
		FilledSize:   req.Size,
		FilledPrice:  req.Price,
	}, nil
}

func (a *Adapter) OrderStatus(ctx context.Context, venueOrderID string) (venue.VenueOrderStatus, error) {
	resp, err := a.http.R().SetContext(ctx).Get("/orders/" + venueOrderID)
	if err != nil {
		return venue.VenueOrderStatus{}, fmt.Errorf("limitless order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.VenueOrderStatus{VenueOrderID: venueOrderID, Matched: false}, nil
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return venue.VenueOrderStatus{}, fmt.Errorf("limitless order status decode: %w", err)
	}
	return venue.VenueOrderStatus{
		VenueOrderID: venueOrderID,
		Matched:      result.Status == "MATCHED" || result.Status == "FILLED",
	}, nil
}

func (a *Adapter) BalanceStablecoin(ctx context.Context, holder string) (*big.Int, error) {
	return a.chain.BalanceOfStablecoin(ctx, common.HexToAddress(holder))
}

func (a *Adapter) BalanceShares(ctx context.Context, holder string, outcome types.OutcomeRef) (*big.Int, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("limitless: invalid token id %q", outcome.TokenID)
	}
	return a.chain.BalanceOfShares(ctx, common.HexToAddress(holder), tokenID)
}

func (a *Adapter) TransferStablecoinIn(ctx context.Context, from string, amount *big.Int) (string, error) {
	return a.chain.TransferStablecoinFrom(ctx, a.signer.Address(), common.HexToAddress(from), a.signer.Address(), amount)
}

func (a *Adapter) TransferStablecoinOut(ctx context.Context, to string, amount *big.Int) (string, error) {
	return a.chain.TransferStablecoin(ctx, a.signer.Address(), common.HexToAddress(to), amount)
}

func (a *Adapter) TransferSharesIn(ctx context.Context, from string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("limitless: invalid token id %q", outcome.TokenID)
	}
	return a.chain.SafeTransferFrom(ctx, a.signer.Address(), common.HexToAddress(from), a.signer.Address(), tokenID, amount)
}

func (a *Adapter) TransferSharesOut(ctx context.Context, to string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("limitless: invalid token id %q", outcome.TokenID)
	}
	return a.chain.SafeTransferFrom(ctx, a.signer.Address(), a.signer.Address(), common.HexToAddress(to), tokenID, amount)
}

func (a *Adapter) ApproveStablecoinSpender(ctx context.Context, spender string, amount *big.Int) (string, error) {
	return a.chain.ApproveStablecoin(ctx, a.signer.Address(), common.HexToAddress(spender), amount)
}

func (a *Adapter) SubmitChainTx(ctx context.Context, to string, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	return a.chain.SubmitRawTx(ctx, a.signer.Address(), common.HexToAddress(to), value, data, gasLimit)
}

func (a *Adapter) CheckOperatorApproval(ctx context.Context, owner string) (venue.ApprovalStatus, error) {
	ownerAddr := common.HexToAddress(owner)
	operator := a.signer.Address()
	allowance, err := a.chain.AllowanceStablecoin(ctx, ownerAddr, operator)
	if err != nil {
		return venue.ApprovalStatus{}, fmt.Errorf("limitless allowance: %w", err)
	}
	approved, err := a.chain.IsApprovedForAll(ctx, ownerAddr, operator)
	if err != nil {
		return venue.ApprovalStatus{}, fmt.Errorf("limitless approval: %w", err)
	}
	return venue.ApprovalStatus{StablecoinAllowance: allowance, SharesApproved: approved}, nil
}

func sideCode(side types.Side) int {
	if side == types.BUY {
		return 0
	}
	return 1
}

// amountsForSide mirrors the original's FOK convention of taker=1 on both
// sides — a FOK order's maker amount alone determines the trade size, the
// taker amount being a nominal nonzero placeholder the exchange ignores.
func amountsForSide(side types.Side, size decimal.Decimal, decimals int) (maker, taker *big.Int) {
	switch side {
	case types.BUY:
		return venue.ToWei(size, decimals), big.NewInt(1)
	default: // SELL
		return venue.ToWei(size, decimals), big.NewInt(1)
	}
}

func maxUint256() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}

