package ethclient

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint, error)
	// HeaderByNumber returns the latest header when n is nil.
	HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type rpcClient struct {
	chainID string
	url     string
	timeout time.Duration
	limiter *rate.Limiter
	client  *ethclient.Client
}

// NewClient dials a single endpoint. The chain id is not verified here, see
// DialPool.
func NewClient(ctx context.Context, url string, timeout time.Duration, rps float64, chainID string) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rawClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("can't dial JSON rpc url: %w", err)
	}
	limit := rate.Inf
	burst := 0
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &rpcClient{
		chainID: chainID,
		url:     url,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		client:  ethclient.NewClient(rawClient),
	}, nil
}

// call waits for the rate limiter and runs f with a per-request timeout.
func (c *rpcClient) call(ctx context.Context, method string, f func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	defer ObserveDuration(c.chainID, c.url, method)()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := f(ctx)
	ObserveError(c.chainID, c.url, method, err)
	return normalizeError(c.url, method, err)
}

func (c *rpcClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context) (err error) {
		id, err = c.client.ChainID(ctx)
		return
	})
	return id, err
}

func (c *rpcClient) BlockNumber(ctx context.Context) (uint, error) {
	var n uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) (err error) {
		n, err = c.client.BlockNumber(ctx)
		return
	})
	return uint(n), err
}

func (c *rpcClient) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) (err error) {
		header, err = c.client.HeaderByNumber(ctx, n)
		return
	})
	return header, err
}

func (c *rpcClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context) (err error) {
		logs, err = c.client.FilterLogs(ctx, q)
		return
	})
	return logs, err
}

// SubscribeFilterLogs is not bounded by the request timeout, the subscription
// lives until ctx is cancelled or the connection drops.
func (c *rpcClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	sub, err := c.client.SubscribeFilterLogs(ctx, q, ch)
	ObserveError(c.chainID, c.url, "eth_subscribe", err)
	if err != nil {
		return nil, fmt.Errorf("eth_subscribe: %w", err)
	}
	return sub, nil
}

func (c *rpcClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var res []byte
	err := c.call(ctx, "eth_call", func(ctx context.Context) (err error) {
		res, err = c.client.CallContract(ctx, msg, blockNumber)
		return
	})
	return res, err
}

func (c *rpcClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.call(ctx, "eth_estimateGas", func(ctx context.Context) (err error) {
		gas, err = c.client.EstimateGas(ctx, msg)
		return
	})
	return gas, err
}

func (c *rpcClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := c.call(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) (err error) {
		tip, err = c.client.SuggestGasTipCap(ctx)
		return
	})
	return tip, err
}

func (c *rpcClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, "eth_getTransactionCount", func(ctx context.Context) (err error) {
		nonce, err = c.client.PendingNonceAt(ctx, account)
		return
	})
	return nonce, err
}

func (c *rpcClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.call(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.client.SendTransaction(ctx, tx)
	})
}

func (c *rpcClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) (err error) {
		receipt, err = c.client.TransactionReceipt(ctx, txHash)
		return
	})
	return receipt, err
}
