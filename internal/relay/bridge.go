package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
)

// ErrBridgeAmountTooSmall means proceeds fall below the bridge aggregator's
// floor and the source/destination chains differ, so neither a bridge nor a
// same-chain fallback transfer can deliver them.
var ErrBridgeAmountTooSmall = errors.New("relay: bridge amount below aggregator floor and source/destination chains differ")

// BridgeStatus mirrors LiFi's three terminal-relevant status values; any
// other string (e.g. "PENDING") is reported as-is for the caller to keep
// polling.
type BridgeStatus string

const (
	BridgeDone    BridgeStatus = "DONE"
	BridgePending BridgeStatus = "PENDING"
	BridgeFailed  BridgeStatus = "FAILED"
)

// BridgeQuote is the subset of a LiFi /quote response the router needs to
// submit the bridge leg.
type BridgeQuote struct {
	TransactionRequest struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

// BridgeStatusResult is the subset of a LiFi /status response the router
// needs to advance a bridging sub-order.
type BridgeStatusResult struct {
	Status    BridgeStatus `json:"status"`
	Receiving struct {
		TxHash  string `json:"txHash"`
		ChainID int64  `json:"chainId"`
	} `json:"receiving"`
}

// BridgeQuoter is the interface the order state machine depends on, so
// tests can swap in a fake without touching the real LiFi API.
type BridgeQuoter interface {
	Quote(ctx context.Context, fromChain, toChain int64, fromToken, toToken, fromAddress, toAddress, fromAmount string) (BridgeQuote, error)
	Status(ctx context.Context, txHash string) (BridgeStatusResult, error)
}

// minGasLimit and gasLimitFloor implement the empirical quote-provider
// underestimation workaround: LiFi's own gasLimit estimates are sometimes
// too low to land reliably, so anything below minGasLimit is bumped up to
// gasLimitFloor before submission.
const (
	minGasLimit   = 500_000
	gasLimitFloor = 800_000
)

// EffectiveGasLimit applies the floor rule to a quote's reported gas limit.
func EffectiveGasLimit(quoted uint64) uint64 {
	if quoted < minGasLimit {
		return gasLimitFloor
	}
	return quoted
}

// ParsedTransactionRequest is a quote's transactionRequest decoded into the
// go-ethereum types SubmitBridgeTx needs; the relay never interprets the
// calldata itself, only forwards it to the bridge aggregator contract.
type ParsedTransactionRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Parse decodes a BridgeQuote's hex-encoded transactionRequest fields,
// applying the gas-limit floor workaround along the way.
func (q BridgeQuote) Parse() (ParsedTransactionRequest, error) {
	tr := q.TransactionRequest
	if !common.IsHexAddress(tr.To) {
		return ParsedTransactionRequest{}, fmt.Errorf("bridge quote: invalid to address %q", tr.To)
	}
	data, err := hexutil.Decode(tr.Data)
	if err != nil {
		return ParsedTransactionRequest{}, fmt.Errorf("bridge quote: invalid calldata: %w", err)
	}
	value := new(big.Int)
	if v := strings.TrimSpace(tr.Value); v != "" {
		parsedValue, ok := new(big.Int).SetString(strings.TrimPrefix(v, "0x"), 16)
		if !ok {
			return ParsedTransactionRequest{}, fmt.Errorf("bridge quote: invalid value %q", tr.Value)
		}
		value = parsedValue
	}
	var quotedGas uint64
	if g := strings.TrimSpace(tr.GasLimit); g != "" {
		gasBig, ok := new(big.Int).SetString(strings.TrimPrefix(g, "0x"), 16)
		if !ok {
			return ParsedTransactionRequest{}, fmt.Errorf("bridge quote: invalid gasLimit %q", tr.GasLimit)
		}
		quotedGas = gasBig.Uint64()
	}
	return ParsedTransactionRequest{
		To:       common.HexToAddress(tr.To),
		Data:     data,
		Value:    value,
		GasLimit: EffectiveGasLimit(quotedGas),
	}, nil
}

// LiFiClient implements BridgeQuoter against the real li.quest API.
type LiFiClient struct {
	http       *resty.Client
	integrator string
	slippage   float64
}

// NewLiFiClient builds a bridge client pointed at baseURL (li.quest by
// default in production, a local fake in tests).
func NewLiFiClient(baseURL, integrator string, slippage float64) *LiFiClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &LiFiClient{http: httpClient, integrator: integrator, slippage: slippage}
}

func (c *LiFiClient) Quote(ctx context.Context, fromChain, toChain int64, fromToken, toToken, fromAddress, toAddress, fromAmount string) (BridgeQuote, error) {
	var quote BridgeQuote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fromChain":   fmt.Sprintf("%d", fromChain),
			"toChain":     fmt.Sprintf("%d", toChain),
			"fromToken":   fromToken,
			"toToken":     toToken,
			"fromAmount":  fromAmount,
			"fromAddress": fromAddress,
			"toAddress":   toAddress,
			"slippage":    fmt.Sprintf("%g", c.slippage),
			"integrator":  c.integrator,
		}).
		SetResult(&quote).
		Get("/v1/quote")
	if err != nil {
		return BridgeQuote{}, fmt.Errorf("lifi quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return BridgeQuote{}, fmt.Errorf("lifi quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	return quote, nil
}

func (c *LiFiClient) Status(ctx context.Context, txHash string) (BridgeStatusResult, error) {
	var result BridgeStatusResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("txHash", txHash).
		SetResult(&result).
		Get("/v1/status")
	if err != nil {
		return BridgeStatusResult{}, fmt.Errorf("lifi status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return BridgeStatusResult{}, fmt.Errorf("lifi status: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}
