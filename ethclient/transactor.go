package ethclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/linea-world-id/state-bridge-relayer/utils"
)

const defaultReceiptPollInterval = 2 * time.Second

// Transactor signs and submits EIP-1559 transactions from a single account.
// Submissions are serialized so that nonces are never reused.
type Transactor struct {
	client       Client
	chainID      *big.Int
	chainIDLabel string
	key          *ecdsa.PrivateKey
	from         common.Address
	signer       types.Signer
	policy       RetryPolicy
	pollInterval time.Duration
	mu           sync.Mutex
}

func NewTransactor(client Client, chainID *big.Int, key *ecdsa.PrivateKey, policy RetryPolicy) *Transactor {
	return &Transactor{
		client:       client,
		chainID:      chainID,
		chainIDLabel: chainID.String(),
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		signer:       types.NewLondonSigner(chainID),
		policy:       policy,
		pollInterval: defaultReceiptPollInterval,
	}
}

func (t *Transactor) From() common.Address {
	return t.from
}

func (t *Transactor) SetPollInterval(d time.Duration) {
	t.pollInterval = d
}

func (t *Transactor) callMsg(to common.Address, data []byte, value *big.Int) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:  t.from,
		To:    &to,
		Value: value,
		Data:  data,
	}
}

// EstimateGas returns the estimate increased by bufferPercent. A call that
// would revert fails with *RevertError and is not retried.
func (t *Transactor) EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int, bufferPercent uint64) (uint64, error) {
	var gas uint64
	err := Retry(ctx, t.policy, func(ctx context.Context) (err error) {
		gas, err = t.client.EstimateGas(ctx, t.callMsg(to, data, value))
		return
	})
	if err != nil {
		return 0, err
	}
	return gas + gas*bufferPercent/100, nil
}

func (t *Transactor) feeCaps(ctx context.Context) (tip, feeCap *big.Int, err error) {
	err = Retry(ctx, t.policy, func(ctx context.Context) (err error) {
		tip, err = t.client.SuggestGasTipCap(ctx)
		return
	})
	if err != nil {
		return nil, nil, fmt.Errorf("can't get gas tip cap: %w", err)
	}
	var head *types.Header
	err = Retry(ctx, t.policy, func(ctx context.Context) (err error) {
		head, err = t.client.HeaderByNumber(ctx, nil)
		return
	})
	if err != nil {
		return nil, nil, fmt.Errorf("can't get latest header: %w", err)
	}
	feeCap = new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// Send signs a transaction with the next pending nonce and submits it. The
// same signed transaction is re-sent on transport failures, a node reporting
// it as already known counts as success.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64) (*types.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var nonce uint64
	err := Retry(ctx, t.policy, func(ctx context.Context) (err error) {
		nonce, err = t.client.PendingNonceAt(ctx, t.from)
		return
	})
	if err != nil {
		return nil, fmt.Errorf("can't get pending nonce: %w", err)
	}
	tip, feeCap, err := t.feeCaps(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}
	tx, err := types.SignNewTx(t.key, t.signer, &types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("can't sign transaction: %w", err)
	}
	err = Retry(ctx, t.policy, func(ctx context.Context) error {
		sendErr := t.client.SendTransaction(ctx, tx)
		if IsAlreadyKnown(sendErr) {
			return nil
		}
		return sendErr
	})
	if err != nil {
		TransactionsSent.WithLabelValues(t.chainIDLabel, "send_error").Inc()
		return nil, fmt.Errorf("can't send transaction %s: %w", tx.Hash(), err)
	}
	TransactionsSent.WithLabelValues(t.chainIDLabel, "sent").Inc()
	return tx, nil
}

// WaitMined polls for the transaction receipt until it appears or timeout
// passes. Transport failures while polling are tolerated.
func (t *Transactor) WaitMined(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		receipt, err := t.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				TransactionsSent.WithLabelValues(t.chainIDLabel, "mined").Inc()
			} else {
				TransactionsSent.WithLabelValues(t.chainIDLabel, "reverted").Inc()
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !IsTransportError(err) {
			return nil, fmt.Errorf("can't get receipt for %s: %w", txHash, err)
		}
		if !utils.ContextSleep(ctx, t.pollInterval) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				TransactionsSent.WithLabelValues(t.chainIDLabel, "timeout").Inc()
				return nil, fmt.Errorf("transaction %s: %w", txHash, ErrReceiptTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// RevertReason replays a mined transaction with eth_call at its block to
// recover the revert data. It returns nil when the replay does not revert.
func (t *Transactor) RevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) (*RevertError, error) {
	msg := ethereum.CallMsg{
		From:  t.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := t.client.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return nil, nil
	}
	if revert, ok := AsRevert(err); ok {
		return revert, nil
	}
	return nil, err
}
