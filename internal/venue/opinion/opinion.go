// Package opinion implements the venue.Adapter for Opinion Markets, trading
// on BSC (chain 56) against an 18-decimal USDT with a Gnosis-Safe-style
// smart wallet holding the user's funds.
//
// Custody model: smart wallet + separate gas payer
// (pkg/types.CustodySmartWalletGas) — grounded on
// relayer/adapters/opinion.py's OpinionAdapter: the trading key signs CLOB
// orders on behalf of the smart wallet, but every on-chain transfer is sent
// by a second "main relayer" EOA that pays gas and holds a transferFrom
// allowance from the smart wallet, never the trading key itself.
package opinion

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"premarket-router/internal/config"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

const ctfExchange = "0x59047B5d5BB568730Eb5462eb1DEeB1fC17126Db"

// Adapter is the Opinion Markets venue adapter.
type Adapter struct {
	http        *resty.Client
	chain       *venue.ChainClient // bound with the gas-payer signer for all writes
	tradeSigner *venue.Signer      // signs CLOB orders on the smart wallet's behalf
	smartWallet common.Address
	stablecoin  common.Address
	chainID     int64
	decimals    int
	logger      *slog.Logger
}

// New constructs the Opinion adapter from its venue config section.
func New(cfg config.VenueConfig, logger *slog.Logger) (*Adapter, error) {
	tradeSigner, err := venue.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("opinion trade signer: %w", err)
	}
	gasPayer, err := venue.NewSigner(cfg.GasPayerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("opinion gas payer signer: %w", err)
	}
	if cfg.SmartWalletAddress == "" {
		return nil, fmt.Errorf("opinion: smart_wallet_address required")
	}

	chain, err := venue.NewChainClient(
		cfg.RPCURL,
		common.HexToAddress(cfg.StablecoinAddress),
		common.HexToAddress(cfg.SharesAddress),
		cfg.ChainID,
		gasPayer,
	)
	if err != nil {
		return nil, fmt.Errorf("opinion chain client: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Adapter{
		http:        httpClient,
		chain:       chain,
		tradeSigner: tradeSigner,
		smartWallet: common.HexToAddress(cfg.SmartWalletAddress),
		stablecoin:  common.HexToAddress(cfg.StablecoinAddress),
		chainID:     cfg.ChainID,
		decimals:    cfg.StablecoinDecimals,
		logger:      logger.With("venue", "opinion"),
	}, nil
}

func (a *Adapter) Venue() types.VenueID { return types.VenueOpinion }
func (a *Adapter) ChainID() int64       { return a.chainID }
func (a *Adapter) Decimals() int        { return a.decimals }
func (a *Adapter) StablecoinAddress() string { return a.stablecoin.Hex() }

type opinionLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type opinionBook struct {
	Bids []opinionLevel `json:"bids"`
	Asks []opinionLevel `json:"asks"`
}

func parseOpinionLevels(raw []opinionLevel) []types.PriceLevel {
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
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func (a *Adapter) FetchBook(ctx context.Context, outcome types.OutcomeRef) (types.OrderBook, error) {
	var raw opinionBook
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("tokenId", outcome.TokenID).
		SetResult(&raw).
		Get("/orderbook")
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("opinion fetch book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBook{}, fmt.Errorf("opinion fetch book: status %d", resp.StatusCode())
	}

	return types.OrderBook{
		Venue:     types.VenueOpinion,
		Outcome:   outcome,
		Bids:      parseOpinionLevels(raw.Bids),
		Asks:      parseOpinionLevels(raw.Asks),
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

func (a *Adapter) signOrder(order map[string]any) ([]byte, error) {
	domain := apitypes.TypedDataDomain{
		Name:              "Opinion CTF Exchange",
		Version:           "1",
		ChainId:           venue.ChainIDDomain(a.chainID),
		VerifyingContract: ctfExchange,
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
	return a.tradeSigner.SignTypedData(domain, orderTypes, message, "Order")
}

// PlaceOrder signs a FOK order with the trading key (maker = smart wallet,
// signer = trading EOA, signatureType = 1 for a contract-wallet maker) and
// submits it to Opinion's CLOB.
func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	salt := rand.Int63n(1<<32-1) + 1
	makerAmt, takerAmt := amountsForSide(req.Side, req.Size, req.Price, a.decimals)

	order := map[string]any{
		"salt":          salt,
		"maker":         a.smartWallet.Hex(),
		"signer":        a.tradeSigner.Address().Hex(),
		"taker":         "0x0000000000000000000000000000000000000000",
		"tokenId":       req.Outcome.TokenID,
		"makerAmount":   makerAmt.String(),
		"takerAmount":   takerAmt.String(),
		"expiration":    0,
		"nonce":         0,
		"feeRateBps":    0,
		"side":          sideCode(req.Side),
		"signatureType": 1,
	}

	sig, err := a.signOrder(order)
	if err != nil {
		return venue.PlaceOrderResult{}, fmt.Errorf("opinion sign order: %w", err)
	}
	order["signature"] = "0x" + common.Bytes2Hex(sig)

	payload := map[string]any{
		"order":     order,
		"orderType": string(types.OrderKindFOK),
		"marketId":  req.Outcome.ConditionID,
	}

	var result struct {
		Errno  int    `json:"errno"`
		ErrMsg string `json:"errmsg"`
		Result struct {
			OrderData struct {
				OrderID string `json:"order_id"`
				Status  int    `json:"status"`
			} `json:"order_data"`
		} `json:"result"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/order/place")
	if err != nil {
		return venue.PlaceOrderResult{}, fmt.Errorf("opinion place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.Errno != 0 {
		return venue.PlaceOrderResult{}, venue.ErrOrderKilled
	}

	return venue.PlaceOrderResult{
		VenueOrderID: result.Result.OrderData.OrderID,
		Matched:      result.Result.OrderData.Status != 1,
		FilledSize:   req.Size,
		FilledPrice:  req.Price,
	}, nil
}

func (a *Adapter) OrderStatus(ctx context.Context, venueOrderID string) (venue.VenueOrderStatus, error) {
	var result struct {
		Result struct {
			OrderData struct {
				Status int `json:"status"`
			} `json:"order_data"`
		} `json:"result"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("orderId", venueOrderID).
		SetResult(&result).
		Get("/order")
	if err != nil {
		return venue.VenueOrderStatus{}, fmt.Errorf("opinion order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.VenueOrderStatus{VenueOrderID: venueOrderID, Matched: false}, nil
	}
	return venue.VenueOrderStatus{
		VenueOrderID: venueOrderID,
		Matched:      result.Result.OrderData.Status != 1,
	}, nil
}

func (a *Adapter) BalanceStablecoin(ctx context.Context, holder string) (*big.Int, error) {
	addr := a.smartWallet
	if holder != "" {
		addr = common.HexToAddress(holder)
	}
	return a.chain.BalanceOfStablecoin(ctx, addr)
}

func (a *Adapter) BalanceShares(ctx context.Context, holder string, outcome types.OutcomeRef) (*big.Int, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("opinion: invalid token id %q", outcome.TokenID)
	}
	addr := a.smartWallet
	if holder != "" {
		addr = common.HexToAddress(holder)
	}
	return a.chain.BalanceOfShares(ctx, addr, tokenID)
}

// TransferStablecoinIn moves USDT from the user into the smart wallet; the
// gas-payer EOA submits the transferFrom call (the Signer bound into
// ChainClient), the function arguments move the balance.
func (a *Adapter) TransferStablecoinIn(ctx context.Context, from string, amount *big.Int) (string, error) {
	return a.chain.TransferStablecoinFrom(ctx, a.chain.Signer.Address(), common.HexToAddress(from), a.smartWallet, amount)
}

func (a *Adapter) TransferStablecoinOut(ctx context.Context, to string, amount *big.Int) (string, error) {
	return a.chain.TransferStablecoinFrom(ctx, a.chain.Signer.Address(), a.smartWallet, common.HexToAddress(to), amount)
}

func (a *Adapter) TransferSharesIn(ctx context.Context, from string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("opinion: invalid token id %q", outcome.TokenID)
	}
	return a.chain.SafeTransferFrom(ctx, a.chain.Signer.Address(), common.HexToAddress(from), a.smartWallet, tokenID, amount)
}

func (a *Adapter) TransferSharesOut(ctx context.Context, to string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("opinion: invalid token id %q", outcome.TokenID)
	}
	return a.chain.SafeTransferFrom(ctx, a.chain.Signer.Address(), a.smartWallet, common.HexToAddress(to), tokenID, amount)
}

// ApproveStablecoinSpender pulls this leg's proceeds out of the smart wallet
// into the gas payer's own EOA via the transferFrom allowance it already
// holds, then approves the bridge aggregator to spend them from there — a
// smart-contract wallet has no signer of its own to originate an approve call.
func (a *Adapter) ApproveStablecoinSpender(ctx context.Context, spender string, amount *big.Int) (string, error) {
	if _, err := a.chain.TransferStablecoinFrom(ctx, a.chain.Signer.Address(), a.smartWallet, a.chain.Signer.Address(), amount); err != nil {
		return "", fmt.Errorf("opinion: pull proceeds to gas payer: %w", err)
	}
	return a.chain.ApproveStablecoin(ctx, a.chain.Signer.Address(), common.HexToAddress(spender), amount)
}

func (a *Adapter) SubmitChainTx(ctx context.Context, to string, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	return a.chain.SubmitRawTx(ctx, a.chain.Signer.Address(), common.HexToAddress(to), value, data, gasLimit)
}

func (a *Adapter) CheckOperatorApproval(ctx context.Context, owner string) (venue.ApprovalStatus, error) {
	ownerAddr := common.HexToAddress(owner)
	allowance, err := a.chain.AllowanceStablecoin(ctx, ownerAddr, a.chain.Signer.Address())
	if err != nil {
		return venue.ApprovalStatus{}, fmt.Errorf("opinion allowance: %w", err)
	}
	approved, err := a.chain.IsApprovedForAll(ctx, ownerAddr, a.chain.Signer.Address())
	if err != nil {
		return venue.ApprovalStatus{}, fmt.Errorf("opinion approval: %w", err)
	}
	return venue.ApprovalStatus{StablecoinAllowance: allowance, SharesApproved: approved}, nil
}

func sideCode(side types.Side) uint8 {
	if side == types.BUY {
		return 0
	}
	return 1
}

// amountsForSide mirrors the original's quote-token-on-buy,
// base-token-on-sell convention, floored to cents on the sell leg
// (relayer/adapters/opinion.py quantizes sell amounts to 0.01 ROUND_DOWN).
func amountsForSide(side types.Side, size, price decimal.Decimal, decimals int) (maker, taker *big.Int) {
	switch side {
	case types.BUY:
		cost := venue.FloorToCents(size.Mul(price))
		return venue.ToWei(cost, decimals), venue.ToWei(size, decimals)
	default: // SELL
		sizeFloored := venue.FloorToCents(size)
		revenue := venue.FloorToCents(sizeFloored.Mul(price))
		return venue.ToWei(sizeFloored, decimals), venue.ToWei(revenue, decimals)
	}
}
