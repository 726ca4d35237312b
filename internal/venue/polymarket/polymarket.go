// Package polymarket implements the venue.Adapter for Polymarket's CLOB,
// trading on Polygon (chain 137) against USDC.e with Polymarket's CTF
// Exchange contract.
//
// Custody model: Direct EOA (pkg/types.CustodyDirectEOA) when no proxy
// address is configured, or Proxy EOA (pkg/types.CustodyProxyEOA) when one
// is — the relayer's EOA always signs, but the maker/holder address is the
// proxy wallet when present, exactly as
// relayer/adapters/polymarket.py's USE_EOA_DIRECTLY switch chooses between
// signature_type 0 (EOA) and a funder/proxy wallet.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"premarket-router/internal/config"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

const (
	ctfExchangeRegular = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	ctfExchangeNegRisk = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// Adapter is the Polymarket venue adapter.
type Adapter struct {
	http     *resty.Client
	chain    *venue.ChainClient
	signer   *venue.Signer
	maker    common.Address // funder/holder address: proxy if configured, else the signer's own EOA
	stablecoin common.Address
	chainID  int64
	decimals int
	logger   *slog.Logger
}

// New constructs the Polymarket adapter from its venue config section.
func New(cfg config.VenueConfig, logger *slog.Logger) (*Adapter, error) {
	signer, err := venue.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("polymarket signer: %w", err)
	}

	maker := signer.Address()
	if cfg.CustodyModel == 1 && cfg.ProxyAddress != "" {
		maker = common.HexToAddress(cfg.ProxyAddress)
	}

	chain, err := venue.NewChainClient(
		cfg.RPCURL,
		common.HexToAddress(cfg.StablecoinAddress),
		common.HexToAddress(cfg.SharesAddress),
		cfg.ChainID,
		signer,
	)
	if err != nil {
		return nil, fmt.Errorf("polymarket chain client: %w", err)
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
		http:     httpClient,
		chain:    chain,
		signer:   signer,
		maker:      maker,
		stablecoin: common.HexToAddress(cfg.StablecoinAddress),
		chainID:    cfg.ChainID,
		decimals: cfg.StablecoinDecimals,
		logger:   logger.With("venue", "polymarket"),
	}, nil
}

func (a *Adapter) Venue() types.VenueID { return types.VenuePolymarket }
func (a *Adapter) ChainID() int64       { return a.chainID }
func (a *Adapter) Decimals() int        { return a.decimals }
func (a *Adapter) StablecoinAddress() string { return a.stablecoin.Hex() }

type bookResponse struct {
	Bids []levelJSON `json:"bids"`
	Asks []levelJSON `json:"asks"`
}

type levelJSON struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func parseLevels(raw []levelJSON) []types.PriceLevel {
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
	var result bookResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", outcome.TokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("polymarket fetch book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBook{}, fmt.Errorf("polymarket fetch book: status %d", resp.StatusCode())
	}

	return types.OrderBook{
		Venue:     types.VenuePolymarket,
		Outcome:   outcome,
		Bids:      parseLevels(result.Bids),
		Asks:      parseLevels(result.Asks),
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

// clobOrder is the CTF Exchange's on-chain order struct, signed via
// EIP-712 exactly as the official Polymarket order builder does.
type clobOrder struct {
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          uint8
	SignatureType uint8
}

func (a *Adapter) signOrder(o clobOrder, negRisk bool) ([]byte, error) {
	exchange := ctfExchangeRegular
	if negRisk {
		exchange = ctfExchangeNegRisk
	}

	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
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
	message := apitypes.TypedDataMessage{
		"salt":          o.Salt,
		"maker":         o.Maker,
		"signer":        o.Signer,
		"taker":         o.Taker,
		"tokenId":       o.TokenID,
		"makerAmount":   o.MakerAmount,
		"takerAmount":   o.TakerAmount,
		"expiration":    o.Expiration,
		"nonce":         o.Nonce,
		"feeRateBps":    o.FeeRateBps,
		"side":          fmt.Sprintf("%d", o.Side),
		"signatureType": fmt.Sprintf("%d", o.SignatureType),
	}

	return a.signer.SignTypedData(domain, orderTypes, message, "Order")
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	price := req.Price
	makerAmt, takerAmt := amountsForSide(req.Side, req.Size, price, a.decimals)

	sigType := uint8(0)
	if a.maker != a.signer.Address() {
		sigType = 1
	}

	order := clobOrder{
		Salt:          fmt.Sprintf("%d", rand.Int63()),
		Maker:         a.maker.Hex(),
		Signer:        a.signer.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       req.Outcome.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideCode(req.Side),
		SignatureType: sigType,
	}

	sig, err := a.signOrder(order, false)
	if err != nil {
		return venue.PlaceOrderResult{}, fmt.Errorf("polymarket sign order: %w", err)
	}

	// OrderType travels as the go-sdk's own clobtypes.OrderType vocabulary:
	// FAK ("fill and kill") is the CLOB's name for what this system calls
	// FOK everywhere else — fill completely now or the venue rejects it.
	payload := struct {
		Order     clobOrder          `json:"order"`
		Signature string             `json:"signature"`
		OrderType clobtypes.OrderType `json:"orderType"`
	}{Order: order, Signature: "0x" + common.Bytes2Hex(sig), OrderType: clobtypes.OrderTypeFAK}

	var result struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return venue.PlaceOrderResult{}, fmt.Errorf("polymarket place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return venue.PlaceOrderResult{}, venue.ErrOrderKilled
	}

	return venue.PlaceOrderResult{
		VenueOrderID: result.OrderID,
		Matched:      result.Status == "matched",
		FilledSize:   req.Size,
		FilledPrice:  price,
	}, nil
}

func (a *Adapter) OrderStatus(ctx context.Context, venueOrderID string) (venue.VenueOrderStatus, error) {
	var result struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		OriginalSize  string `json:"original_size"`
		SizeMatched   string `json:"size_matched"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("order_id", venueOrderID).
		SetResult(&result).
		Get("/order")
	if err != nil {
		return venue.VenueOrderStatus{}, fmt.Errorf("polymarket order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.VenueOrderStatus{}, fmt.Errorf("polymarket order status: %d", resp.StatusCode())
	}

	original, _ := decimal.NewFromString(result.OriginalSize)
	matched, _ := decimal.NewFromString(result.SizeMatched)
	return venue.VenueOrderStatus{
		VenueOrderID:    result.ID,
		Matched:         result.Status == "matched",
		OriginalAmount: venue.ToWei(original, a.decimals),
		FilledAmount:   venue.ToWei(matched, a.decimals),
		RemainingAmount: venue.ToWei(original.Sub(matched), a.decimals),
	}, nil
}

func (a *Adapter) BalanceStablecoin(ctx context.Context, holder string) (*big.Int, error) {
	return a.chain.BalanceOfStablecoin(ctx, common.HexToAddress(holder))
}

func (a *Adapter) BalanceShares(ctx context.Context, holder string, outcome types.OutcomeRef) (*big.Int, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("polymarket: invalid token id %q", outcome.TokenID)
	}
	return a.chain.BalanceOfShares(ctx, common.HexToAddress(holder), tokenID)
}

func (a *Adapter) TransferStablecoinIn(ctx context.Context, from string, amount *big.Int) (string, error) {
	return a.chain.TransferStablecoinFrom(ctx, a.signer.Address(), common.HexToAddress(from), a.maker, amount)
}

func (a *Adapter) TransferStablecoinOut(ctx context.Context, to string, amount *big.Int) (string, error) {
	return a.chain.TransferStablecoin(ctx, a.maker, common.HexToAddress(to), amount)
}

func (a *Adapter) TransferSharesIn(ctx context.Context, from string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("polymarket: invalid token id %q", outcome.TokenID)
	}
	return a.chain.SafeTransferFrom(ctx, a.signer.Address(), common.HexToAddress(from), a.maker, tokenID, amount)
}

func (a *Adapter) TransferSharesOut(ctx context.Context, to string, outcome types.OutcomeRef, amount *big.Int) (string, error) {
	tokenID, ok := new(big.Int).SetString(outcome.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("polymarket: invalid token id %q", outcome.TokenID)
	}
	return a.chain.SafeTransferFrom(ctx, a.maker, a.maker, common.HexToAddress(to), tokenID, amount)
}

func (a *Adapter) ApproveStablecoinSpender(ctx context.Context, spender string, amount *big.Int) (string, error) {
	return a.chain.ApproveStablecoin(ctx, a.maker, common.HexToAddress(spender), amount)
}

func (a *Adapter) SubmitChainTx(ctx context.Context, to string, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	return a.chain.SubmitRawTx(ctx, a.maker, common.HexToAddress(to), value, data, gasLimit)
}

func (a *Adapter) CheckOperatorApproval(ctx context.Context, owner string) (venue.ApprovalStatus, error) {
	ownerAddr := common.HexToAddress(owner)
	allowance, err := a.chain.AllowanceStablecoin(ctx, ownerAddr, a.maker)
	if err != nil {
		return venue.ApprovalStatus{}, fmt.Errorf("polymarket allowance: %w", err)
	}
	approved, err := a.chain.IsApprovedForAll(ctx, ownerAddr, a.maker)
	if err != nil {
		return venue.ApprovalStatus{}, fmt.Errorf("polymarket approval: %w", err)
	}
	return venue.ApprovalStatus{StablecoinAllowance: allowance, SharesApproved: approved}, nil
}

func sideCode(side types.Side) uint8 {
	if side == types.BUY {
		return 0
	}
	return 1
}

// amountsForSide converts human price/size into maker/taker wei amounts,
// grounded on relayer/adapters/polymarket.py's order_amount floor-to-cents
// rounding and the teacher's PriceToAmounts maker/taker convention.
func amountsForSide(side types.Side, size, price decimal.Decimal, decimals int) (maker, taker *big.Int) {
	sizeFloored := size.RoundFloor(2)
	switch side {
	case types.BUY:
		cost := venue.FloorToCents(sizeFloored.Mul(price))
		return venue.ToWei(cost, decimals), venue.ToWei(sizeFloored, decimals)
	default: // SELL
		revenue := venue.FloorToCents(sizeFloored.Mul(price))
		return venue.ToWei(sizeFloored, decimals), venue.ToWei(revenue, decimals)
	}
}

