package ethclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/logging"
)

// Pool spreads calls over several endpoints of the same chain. A call failing
// with a transport error is re-issued on the next endpoint, each endpoint is
// tried at most once per call.
type Pool struct {
	chainID string
	urls    []string
	clients []Client
	current atomic.Uint32
	logger  logging.Logger
}

func NewPool(chainID string, urls []string, clients []Client, logger logging.Logger) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrNoEndpoints
	}
	if len(urls) != len(clients) {
		return nil, fmt.Errorf("got %d urls for %d clients", len(urls), len(clients))
	}
	return &Pool{
		chainID: chainID,
		urls:    urls,
		clients: clients,
		logger:  logger.WithField("chain_id", chainID),
	}, nil
}

// DialPool dials every configured host of the chain. Endpoints reporting a
// different chain id are rejected, unreachable endpoints are kept so that they
// can be used once they recover.
func DialPool(ctx context.Context, cfg *config.ChainConfig, logger logging.Logger) (*Pool, error) {
	urls := make([]string, 0, len(cfg.RPC.Hosts))
	clients := make([]Client, 0, len(cfg.RPC.Hosts))
	var reachable int
	for _, url := range cfg.RPC.Hosts {
		client, err := NewClient(ctx, url, cfg.RPC.Timeout, cfg.RPC.RPS, cfg.ChainID)
		if err != nil {
			logger.WithError(err).WithField("url", url).Warn("can't dial rpc endpoint, skipping it")
			continue
		}
		chainID, err := client.ChainID(ctx)
		switch {
		case err == nil && chainID.String() != cfg.ChainID:
			return nil, fmt.Errorf("%s returned chainID %s != expected %s: %w", url, chainID, cfg.ChainID, ErrIncompatibleChainID)
		case err == nil:
			reachable++
		case IsTransportError(err):
			logger.WithError(err).WithField("url", url).Warn("rpc endpoint is unreachable at startup")
		default:
			return nil, fmt.Errorf("can't get chainID from %s: %w", url, err)
		}
		urls = append(urls, url)
		clients = append(clients, client)
	}
	if reachable == 0 {
		return nil, fmt.Errorf("none of %d rpc endpoints for chain %s is reachable: %w", len(cfg.RPC.Hosts), cfg.ChainID, ErrNoEndpoints)
	}
	return NewPool(cfg.ChainID, urls, clients, logger)
}

func (p *Pool) ChainIDString() string {
	return p.chainID
}

// CurrentURL returns the endpoint the next call will be issued to.
func (p *Pool) CurrentURL() string {
	return p.urls[int(p.current.Load())%len(p.urls)]
}

func (p *Pool) do(ctx context.Context, fn func(Client) error) error {
	start := int(p.current.Load())
	var err error
	for i := 0; i < len(p.clients); i++ {
		idx := (start + i) % len(p.clients)
		err = fn(p.clients[idx])
		if err == nil || !IsTransportError(err) || ctx.Err() != nil {
			return err
		}
		next := (idx + 1) % len(p.clients)
		if p.current.CompareAndSwap(uint32(idx), uint32(next)) {
			EndpointRotations.WithLabelValues(p.chainID).Inc()
			p.logger.WithError(err).WithFields(logrus.Fields{
				"failed_url": p.urls[idx],
				"next_url":   p.urls[next],
			}).Warn("rpc endpoint failed, rotating to the next one")
		}
	}
	return err
}

func (p *Pool) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		id, err = c.ChainID(ctx)
		return
	})
	return
}

func (p *Pool) BlockNumber(ctx context.Context) (n uint, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		n, err = c.BlockNumber(ctx)
		return
	})
	return
}

func (p *Pool) HeaderByNumber(ctx context.Context, n *big.Int) (header *types.Header, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		header, err = c.HeaderByNumber(ctx, n)
		return
	})
	return
}

func (p *Pool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) (logs []types.Log, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		logs, err = c.FilterLogs(ctx, q)
		return
	})
	return
}

// SubscribeFilterLogs subscribes on the first endpoint supporting
// subscriptions, starting from the current one.
func (p *Pool) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	start := int(p.current.Load())
	var errs []error
	for i := 0; i < len(p.clients); i++ {
		idx := (start + i) % len(p.clients)
		sub, err := p.clients[idx].SubscribeFilterLogs(ctx, q, ch)
		if err == nil {
			return sub, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.urls[idx], err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (res []byte, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		res, err = c.CallContract(ctx, msg, blockNumber)
		return
	})
	return
}

func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		gas, err = c.EstimateGas(ctx, msg)
		return
	})
	return
}

func (p *Pool) SuggestGasTipCap(ctx context.Context) (tip *big.Int, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		tip, err = c.SuggestGasTipCap(ctx)
		return
	})
	return
}

func (p *Pool) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		nonce, err = c.PendingNonceAt(ctx, account)
		return
	})
	return
}

func (p *Pool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.do(ctx, func(c Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

func (p *Pool) TransactionReceipt(ctx context.Context, txHash common.Hash) (receipt *types.Receipt, err error) {
	err = p.do(ctx, func(c Client) (err error) {
		receipt, err = c.TransactionReceipt(ctx, txHash)
		return
	})
	return
}
