// Package relay submits the router contract's on-chain calls and drives
// LiFi bridge quotes/status, fanning a single user deposit out to every
// venue chain a route touches.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"premarket-router/internal/venue"
)

// routerABIJSON is the router contract's public surface: pull a user's
// stablecoin or shares to the relayer, or do both in one call alongside a
// LiFi bridge leg (the legacy combined pull-and-bridge path, kept for
// small same-tx transfers where a separate approval round trip isn't
// worth it).
const routerABIJSON = `[
  {"inputs":[{"name":"token","type":"address"},{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferERC20","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"token","type":"address"},{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"transferERC1155","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"token","type":"address"},{"name":"from","type":"address"},{"name":"amount","type":"uint256"},{"name":"lifiDiamond","type":"address"},{"name":"lifiData","type":"bytes"},{"name":"metadata","type":"bytes"}],"name":"bridgeViaLiFi","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var routerABI abi.ABI

func init() {
	var err error
	routerABI, err = abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse router abi: %v", err))
	}
}

// RouterMetadata is JSON-encoded and passed through bridgeViaLiFi so a
// downstream indexer can correlate the on-chain event back to a router
// order without a side channel.
type RouterMetadata struct {
	OrderID string `json:"order_id"`
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
	Side    string `json:"side"`
}

// Router wraps the deployed router contract and the relayer key that owns it.
type Router struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	chainID  int64
	signer   *venue.Signer
}

// NewRouter dials the home chain and binds the router contract.
func NewRouter(rpcURL string, contractAddr common.Address, chainID int64, signer *venue.Signer) (*Router, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial router rpc: %w", err)
	}
	return &Router{
		eth:      eth,
		contract: bind.NewBoundContract(contractAddr, routerABI, eth, eth, eth),
		address:  contractAddr,
		chainID:  chainID,
		signer:   signer,
	}, nil
}

func (r *Router) txOpts(ctx context.Context) (*bind.TransactOpts, error) {
	from := r.signer.Address()
	nonce, err := r.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	tip := new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(3)), big.NewInt(10))
	maxTip := big.NewInt(30_000_000_000)
	if tip.Cmp(maxTip) > 0 {
		tip = maxTip
	}
	feeCap := new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(13)), big.NewInt(10))

	chainSigner := coretypes.LatestSignerForChainID(big.NewInt(r.chainID))
	signerFn := func(addr common.Address, tx *coretypes.Transaction) (*coretypes.Transaction, error) {
		return coretypes.SignTx(tx, chainSigner, r.signer.PrivateKey())
	}

	return &bind.TransactOpts{
		From:      from,
		Nonce:     new(big.Int).SetUint64(nonce),
		Signer:    signerFn,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		GasLimit:  500_000,
		Context:   ctx,
	}, nil
}

// TransferERC20 pulls amount of token from "from" to "to" through the router.
func (r *Router) TransferERC20(ctx context.Context, token, from, to common.Address, amount *big.Int) (string, error) {
	opts, err := r.txOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := r.contract.Transact(opts, "transferERC20", token, from, to, amount)
	if err != nil {
		return "", fmt.Errorf("transferERC20: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// TransferERC1155 pulls amount of the given token ID from "from" to "to".
func (r *Router) TransferERC1155(ctx context.Context, token, from, to common.Address, tokenID, amount *big.Int) (string, error) {
	opts, err := r.txOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := r.contract.Transact(opts, "transferERC1155", token, from, to, tokenID, amount)
	if err != nil {
		return "", fmt.Errorf("transferERC1155: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// BridgeViaLiFi pulls amount of token from "from" and forwards it through
// the LiFi diamond with the given calldata, tagging the call with metadata
// for later correlation. This is the legacy combined-pull-and-bridge path:
// one transaction on the home chain instead of a pull followed by a
// separate bridge submission.
func (r *Router) BridgeViaLiFi(ctx context.Context, token, from common.Address, amount *big.Int, lifiDiamond common.Address, lifiData []byte, metadata RouterMetadata) (string, error) {
	opts, err := r.txOpts(ctx)
	if err != nil {
		return "", err
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal router metadata: %w", err)
	}
	tx, err := r.contract.Transact(opts, "bridgeViaLiFi", token, from, amount, lifiDiamond, lifiData, metadataBytes)
	if err != nil {
		return "", fmt.Errorf("bridgeViaLiFi: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Address returns the deployed router contract's address.
func (r *Router) Address() common.Address { return r.address }

// SubmitBridgeTx signs and sends the opaque transaction blob a bridge quote
// returned (to/data/value/gasLimit) directly to the bridge aggregator
// contract — the relay never parses this blob, only forwards it, per the
// bridge-quote-opacity design note. gasLimit has already had the
// EffectiveGasLimit floor applied by the caller. The router contract itself
// is not involved in this call; the relayer's own EOA submits straight to
// the aggregator after approving it to spend fromAmount (handled by the
// caller before this is invoked).
func (r *Router) SubmitBridgeTx(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	opts, err := r.txOpts(ctx)
	if err != nil {
		return "", err
	}
	if value == nil {
		value = big.NewInt(0)
	}
	rawTx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   big.NewInt(r.chainID),
		Nonce:     opts.Nonce.Uint64(),
		GasTipCap: opts.GasTipCap,
		GasFeeCap: opts.GasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := opts.Signer(opts.From, rawTx)
	if err != nil {
		return "", fmt.Errorf("sign bridge tx: %w", err)
	}
	if err := r.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("submit bridge tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// ApproveERC20 approves spender to move amount of token on behalf of the
// relayer, the step every bridge submission needs before SubmitBridgeTx —
// grounded on the original's `_ensure_allowance` call ahead of every LiFi
// submission.
func (r *Router) ApproveERC20(ctx context.Context, token, spender common.Address, amount *big.Int) (string, error) {
	opts, err := r.txOpts(ctx)
	if err != nil {
		return "", err
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ApproveABIJSON))
	if err != nil {
		return "", fmt.Errorf("parse erc20 abi: %w", err)
	}
	erc20 := bind.NewBoundContract(token, parsed, r.eth, r.eth, r.eth)
	tx, err := erc20.Transact(opts, "approve", spender, amount)
	if err != nil {
		return "", fmt.Errorf("approve: %w", err)
	}
	return tx.Hash().Hex(), nil
}

const erc20ApproveABIJSON = `[{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`
