package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABIJSON and ctfABIJSON are the minimal fragments every adapter needs —
// the same functions the Python originals touch directly with web3.py
// (balanceOf, allowance, approve, transfer, transferFrom,
// isApprovedForAll, setApprovalForAll, safeTransferFrom).
const erc20ABIJSON = `[
  {"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

const ctfABIJSON = `[
  {"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"name":"setApprovalForAll","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"safeTransferFrom","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	erc20ABI abi.ABI
	ctfABI   abi.ABI
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	ctfABI, err = abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse ctf abi: %v", err))
	}
}

// ChainClient bundles an ethclient connection with the two contract
// bindings (stablecoin ERC-20, shares ERC-1155/CTF) a venue adapter needs
// for balance/transfer/approval calls, and the signer that submits
// transactions on the relayer's behalf (the gas payer, for custody model 2;
// otherwise the same signer that trades).
type ChainClient struct {
	eth        *ethclient.Client
	stablecoin *bind.BoundContract
	shares     *bind.BoundContract
	StableAddr common.Address
	SharesAddr common.Address
	ChainID    int64
	Signer     *Signer
}

// NewChainClient dials rpcURL and binds the stablecoin/shares contracts.
func NewChainClient(rpcURL string, stableAddr, sharesAddr common.Address, chainID int64, signer *Signer) (*ChainClient, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &ChainClient{
		eth:        eth,
		stablecoin: bind.NewBoundContract(stableAddr, erc20ABI, eth, eth, eth),
		shares:     bind.NewBoundContract(sharesAddr, ctfABI, eth, eth, eth),
		StableAddr: stableAddr,
		SharesAddr: sharesAddr,
		ChainID:    chainID,
		Signer:     signer,
	}, nil
}

func (c *ChainClient) BalanceOfStablecoin(ctx context.Context, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.stablecoin.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("balanceOf stablecoin: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *ChainClient) AllowanceStablecoin(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.stablecoin.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *ChainClient) BalanceOfShares(ctx context.Context, holder common.Address, tokenID *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := c.shares.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder, tokenID); err != nil {
		return nil, fmt.Errorf("balanceOf shares: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *ChainClient) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	var out []interface{}
	if err := c.shares.Call(&bind.CallOpts{Context: ctx}, &out, "isApprovedForAll", owner, operator); err != nil {
		return false, fmt.Errorf("isApprovedForAll: %w", err)
	}
	return out[0].(bool), nil
}

// txOpts builds EIP-1559 transact options using fee suggestions from the
// node, mirroring the Python originals' maxFeePerGas/maxPriorityFeePerGas
// pattern (gasPrice*1.3 fee cap, gasPrice*0.3 capped at 30 gwei tip).
func (c *ChainClient) txOpts(ctx context.Context, from common.Address) (*bind.TransactOpts, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	tip := new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(3)), big.NewInt(10))
	maxTip := big.NewInt(30_000_000_000) // 30 gwei
	if tip.Cmp(maxTip) > 0 {
		tip = maxTip
	}
	feeCap := new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(13)), big.NewInt(10))

	signer := types.LatestSignerForChainID(big.NewInt(c.ChainID))
	signerFn := func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, signer, c.Signer.PrivateKey())
	}

	return &bind.TransactOpts{
		From:      from,
		Nonce:     new(big.Int).SetUint64(nonce),
		Signer:    signerFn,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		GasLimit:  200_000,
		Context:   ctx,
	}, nil
}

func (c *ChainClient) ApproveStablecoin(ctx context.Context, from common.Address, spender common.Address, amount *big.Int) (string, error) {
	opts, err := c.txOpts(ctx, from)
	if err != nil {
		return "", err
	}
	tx, err := c.stablecoin.Transact(opts, "approve", spender, amount)
	if err != nil {
		return "", fmt.Errorf("approve: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *ChainClient) TransferStablecoin(ctx context.Context, from, to common.Address, amount *big.Int) (string, error) {
	opts, err := c.txOpts(ctx, from)
	if err != nil {
		return "", err
	}
	tx, err := c.stablecoin.Transact(opts, "transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *ChainClient) TransferStablecoinFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (string, error) {
	opts, err := c.txOpts(ctx, spender)
	if err != nil {
		return "", err
	}
	tx, err := c.stablecoin.Transact(opts, "transferFrom", from, to, amount)
	if err != nil {
		return "", fmt.Errorf("transferFrom: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *ChainClient) SetApprovalForAll(ctx context.Context, from, operator common.Address, approved bool) (string, error) {
	opts, err := c.txOpts(ctx, from)
	if err != nil {
		return "", err
	}
	tx, err := c.shares.Transact(opts, "setApprovalForAll", operator, approved)
	if err != nil {
		return "", fmt.Errorf("setApprovalForAll: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *ChainClient) SafeTransferFrom(ctx context.Context, sender, from, to common.Address, tokenID, amount *big.Int) (string, error) {
	opts, err := c.txOpts(ctx, sender)
	if err != nil {
		return "", err
	}
	tx, err := c.shares.Transact(opts, "safeTransferFrom", from, to, tokenID, amount, []byte{})
	if err != nil {
		return "", fmt.Errorf("safeTransferFrom: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// SubmitRawTx signs and sends an arbitrary transaction on this venue's own
// chain using the adapter's signer — the same opaque to/data/value/gasLimit
// blob a bridge quote returns, forwarded here so a sell's proceeds can bridge
// back to the user's chosen chain from whichever chain the venue settled on,
// not just the router's home chain.
func (c *ChainClient) SubmitRawTx(ctx context.Context, from, to common.Address, value *big.Int, data []byte, gasLimit uint64) (string, error) {
	opts, err := c.txOpts(ctx, from)
	if err != nil {
		return "", err
	}
	if value == nil {
		value = big.NewInt(0)
	}
	rawTx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(c.ChainID),
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
		return "", fmt.Errorf("sign raw tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("submit raw tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}
