package ethclient

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errNotMocked = errors.New("not mocked")

// fakeClient implements Client with overridable methods and counts calls.
type fakeClient struct {
	calls map[string]int

	blockNumber        func() (uint, error)
	headerByNumber     func(n *big.Int) (*types.Header, error)
	estimateGas        func(msg ethereum.CallMsg) (uint64, error)
	callContract       func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	pendingNonceAt     func(common.Address) (uint64, error)
	suggestGasTipCap   func() (*big.Int, error)
	sendTransaction    func(tx *types.Transaction) error
	transactionReceipt func(common.Hash) (*types.Receipt, error)
	subscribe          func() (ethereum.Subscription, error)
}

func (c *fakeClient) inc(method string) {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[method]++
}

func (c *fakeClient) ChainID(context.Context) (*big.Int, error) {
	c.inc("ChainID")
	return big.NewInt(1), nil
}

func (c *fakeClient) BlockNumber(context.Context) (uint, error) {
	c.inc("BlockNumber")
	if c.blockNumber == nil {
		return 0, errNotMocked
	}
	return c.blockNumber()
}

func (c *fakeClient) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	c.inc("HeaderByNumber")
	if c.headerByNumber == nil {
		return nil, errNotMocked
	}
	return c.headerByNumber(n)
}

func (c *fakeClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	c.inc("FilterLogs")
	return nil, errNotMocked
}

func (c *fakeClient) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	c.inc("SubscribeFilterLogs")
	if c.subscribe == nil {
		return nil, errNotMocked
	}
	return c.subscribe()
}

func (c *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	c.inc("CallContract")
	if c.callContract == nil {
		return nil, errNotMocked
	}
	return c.callContract(msg, block)
}

func (c *fakeClient) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.inc("EstimateGas")
	if c.estimateGas == nil {
		return 0, errNotMocked
	}
	return c.estimateGas(msg)
}

func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.inc("SuggestGasTipCap")
	if c.suggestGasTipCap == nil {
		return nil, errNotMocked
	}
	return c.suggestGasTipCap()
}

func (c *fakeClient) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.inc("PendingNonceAt")
	if c.pendingNonceAt == nil {
		return 0, errNotMocked
	}
	return c.pendingNonceAt(account)
}

func (c *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.inc("SendTransaction")
	if c.sendTransaction == nil {
		return errNotMocked
	}
	return c.sendTransaction(tx)
}

func (c *fakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.inc("TransactionReceipt")
	if c.transactionReceipt == nil {
		return nil, errNotMocked
	}
	return c.transactionReceipt(txHash)
}

func transportErr(url string) error {
	return &RPCError{URL: url, Method: "test", Err: errors.New("connection refused")}
}
