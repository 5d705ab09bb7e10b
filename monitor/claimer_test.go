package monitor_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/contract"
	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/monitor"
)

var (
	feeRecipient     = common.HexToAddress("0x5000000000000000000000000000000000000001")
	claimSelector    = methodSelector(bridgeabi.L2MessageServiceABI, "claimMessage")
	inboxSelector    = methodSelector(bridgeabi.L2MessageServiceABI, "inboxL1L2MessageStatus")
	errInboxDegraded = errors.New("inbox is degraded")
)

// fakeInbox keeps the L2 inbox state of messages and marks them claimed once
// a successful claim is mined.
type fakeInbox struct {
	mu       sync.Mutex
	statuses map[common.Hash]bridgeabi.InboxStatus
	broken   map[common.Hash]bool
}

func newFakeInbox(chain *fakeChain) *fakeInbox {
	inbox := &fakeInbox{
		statuses: make(map[common.Hash]bridgeabi.InboxStatus),
		broken:   make(map[common.Hash]bool),
	}
	chain.handleCall(l2MessageService, inboxSelector, func(msg ethereum.CallMsg) ([]byte, error) {
		hash := common.BytesToHash(msg.Data[4:36])
		inbox.mu.Lock()
		defer inbox.mu.Unlock()
		if inbox.broken[hash] {
			return nil, errInboxDegraded
		}
		return uintResult(int64(inbox.statuses[hash])), nil
	})
	chain.onMined = func(tx *types.Transaction) uint64 {
		if selector(tx.Data()) == claimSelector {
			inbox.set(messageHash(claimedNonce(tx).Int64()), bridgeabi.InboxStatusClaimed)
		}
		return types.ReceiptStatusSuccessful
	}
	return inbox
}

func (i *fakeInbox) set(hash common.Hash, status bridgeabi.InboxStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.statuses[hash] = status
}

func claimedNonce(tx *types.Transaction) *big.Int {
	args, err := bridgeabi.L2MessageServiceABI.Methods["claimMessage"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		panic(err)
	}
	return args[6].(*big.Int)
}

func claimConfig() *config.ClaimConfig {
	return &config.ClaimConfig{
		FeeRecipient:          feeRecipient,
		GasLimitBufferPercent: 20,
		MaxRetries:            2,
		RetryBackoff:          time.Millisecond,
		ReceiptTimeout:        time.Second,
		FailedRetention:       time.Hour,
	}
}

func newClaimEngine(t *testing.T, chain *fakeChain, repo entity.MessagesRepo, cfg *config.ClaimConfig) *monitor.ClaimEngine {
	t.Helper()

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	transactor := ethclient.NewTransactor(chain, chain.chainID, key, ethclient.RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		Backoff:     cfg.RetryBackoff,
	})
	transactor.SetPollInterval(10 * time.Millisecond)
	return monitor.NewClaimEngine(logging.Discard(), cfg, repo, contract.NewL2MessageService(chain, l2MessageService), transactor)
}

func storeMessage(t *testing.T, repo entity.MessagesRepo, nonce int64, status entity.MessageStatus) {
	t.Helper()

	ctx := context.Background()
	_, err := repo.UpsertPending(ctx, &entity.Message{
		MsgHash:     messageHash(nonce),
		Sender:      stateBridge,
		Destination: destination,
		Fee:         big.NewInt(10),
		Value:       big.NewInt(0),
		Nonce:       big.NewInt(nonce),
		Calldata:    []byte{0x01, 0x02},
		Status:      entity.MessageStatusPending,
	})
	require.NoError(t, err)
	if status == entity.MessageStatusPending {
		return
	}
	require.NoError(t, repo.MarkStatus(ctx, messageHash(nonce), entity.MessageStatusConfirmed))
	require.NoError(t, repo.MarkStatus(ctx, messageHash(nonce), status))
}

func messageStatus(t *testing.T, repo entity.MessagesRepo, nonce int64) entity.MessageStatus {
	t.Helper()

	msg, err := repo.GetByHash(context.Background(), messageHash(nonce))
	if errors.Is(err, entity.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return msg.Status
}

func TestClaimEngine_ClaimsInNonceOrder(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(59141)
	inbox := newFakeInbox(chain)
	repo := newLedger(t)
	for _, nonce := range []int64{3, 1, 2} {
		storeMessage(t, repo, nonce, entity.MessageStatusConfirmed)
		inbox.set(messageHash(nonce), bridgeabi.InboxStatusClaimable)
	}

	engine := newClaimEngine(t, chain, repo, claimConfig())
	require.NoError(t, engine.Run(context.Background()))

	txs := chain.sentTxs()
	require.Len(t, txs, 3)
	for i, tx := range txs {
		require.EqualValues(t, i+1, claimedNonce(tx).Int64())
		require.Equal(t, l2MessageService, *tx.To())
		require.EqualValues(t, 120000, tx.Gas())
		require.EqualValues(t, i, tx.Nonce())

		args, err := bridgeabi.L2MessageServiceABI.Methods["claimMessage"].Inputs.Unpack(tx.Data()[4:])
		require.NoError(t, err)
		require.Equal(t, stateBridge, args[0])
		require.Equal(t, destination, args[1])
		require.Equal(t, feeRecipient, args[4])
	}

	// claimed rows are pruned at the end of the run
	for _, nonce := range []int64{1, 2, 3} {
		require.Empty(t, messageStatus(t, repo, nonce))
	}
	summary := engine.LastRun()
	require.NotNil(t, summary)
	require.Equal(t, 3, summary.Outcomes[monitor.ClaimOutcomeClaimed])
	require.EqualValues(t, 3, summary.Deleted)
	require.Empty(t, summary.Error)
}

func TestClaimEngine_Outcomes(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name          string
		Inbox         bridgeabi.InboxStatus
		Revert        string
		ClaimOnRevert bool
		MinedFails    bool
		Retryable     []string
		Outcome       monitor.ClaimOutcome
		Status        entity.MessageStatus
		SentTxs       int
	}{
		{
			Name:    "already claimed on chain",
			Inbox:   bridgeabi.InboxStatusClaimed,
			Outcome: monitor.ClaimOutcomeAlreadyClaimed,
		},
		{
			Name:    "not in the inbox yet",
			Inbox:   bridgeabi.InboxStatusUnknown,
			Outcome: monitor.ClaimOutcomeNotDeliverable,
			Status:  entity.MessageStatusConfirmed,
		},
		{
			Name:    "rate limited",
			Inbox:   bridgeabi.InboxStatusClaimable,
			Revert:  "RateLimitExceeded()",
			Outcome: monitor.ClaimOutcomeRetry,
			Status:  entity.MessageStatusConfirmed,
		},
		{
			Name:    "paused",
			Inbox:   bridgeabi.InboxStatusClaimable,
			Revert:  "IsPaused(uint8)",
			Outcome: monitor.ClaimOutcomeRetry,
			Status:  entity.MessageStatusConfirmed,
		},
		{
			Name:    "destination rejects the call",
			Inbox:   bridgeabi.InboxStatusClaimable,
			Revert:  "MessageSendingFailed(address)",
			Outcome: monitor.ClaimOutcomeFailed,
			Status:  entity.MessageStatusFailed,
		},
		{
			Name:    "unknown revert",
			Inbox:   bridgeabi.InboxStatusClaimable,
			Revert:  "SomethingWentWrong()",
			Outcome: monitor.ClaimOutcomeFailed,
			Status:  entity.MessageStatusFailed,
		},
		{
			Name:      "configured retryable revert",
			Inbox:     bridgeabi.InboxStatusClaimable,
			Revert:    "SomethingWentWrong()",
			Retryable: []string{"SomethingWentWrong()"},
			Outcome:   monitor.ClaimOutcomeRetry,
			Status:    entity.MessageStatusConfirmed,
		},
		{
			Name:          "claimed by someone else meanwhile",
			Inbox:         bridgeabi.InboxStatusClaimable,
			Revert:        "MessageDoesNotExistOrHasAlreadyBeenClaimed(bytes32)",
			ClaimOnRevert: true,
			Outcome:       monitor.ClaimOutcomeAlreadyClaimed,
		},
		{
			Name:       "mined transaction reverted",
			Inbox:      bridgeabi.InboxStatusClaimable,
			Revert:     "FeePaymentFailed(address)",
			MinedFails: true,
			Outcome:    monitor.ClaimOutcomeFailed,
			Status:     entity.MessageStatusFailed,
			SentTxs:    1,
		},
		{
			Name:    "claimable",
			Inbox:   bridgeabi.InboxStatusClaimable,
			Outcome: monitor.ClaimOutcomeClaimed,
			SentTxs: 1,
		},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			chain := newFakeChain(59141)
			inbox := newFakeInbox(chain)
			inbox.set(messageHash(1), test.Inbox)
			repo := newLedger(t)
			storeMessage(t, repo, 1, entity.MessageStatusConfirmed)

			if test.Revert != "" {
				revert := func(ethereum.CallMsg) ([]byte, error) {
					if test.ClaimOnRevert {
						inbox.set(messageHash(1), bridgeabi.InboxStatusClaimed)
					}
					return nil, revertWith(test.Revert)
				}
				if test.MinedFails {
					chain.onMined = func(*types.Transaction) uint64 {
						return types.ReceiptStatusFailed
					}
					chain.handleCall(l2MessageService, claimSelector, revert)
				} else {
					chain.handleEstimate(l2MessageService, claimSelector, revert)
				}
			}

			cfg := claimConfig()
			cfg.RetryableErrors = test.Retryable
			engine := newClaimEngine(t, chain, repo, cfg)
			require.NoError(t, engine.Run(context.Background()))

			require.Equal(t, 1, engine.LastRun().Outcomes[test.Outcome])
			require.Equal(t, test.Status, messageStatus(t, repo, 1))
			require.Len(t, chain.sentTxs(), test.SentTxs)
		})
	}
}

func TestClaimEngine_ReconcilesPending(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name          string
		SkipReconcile bool
		Reconciled    int
		Status        entity.MessageStatus
	}{
		{"reconcile", false, 1, ""},
		{"skip reconcile", true, 0, entity.MessageStatusPending},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			chain := newFakeChain(59141)
			inbox := newFakeInbox(chain)
			inbox.set(messageHash(1), bridgeabi.InboxStatusClaimable)
			repo := newLedger(t)
			storeMessage(t, repo, 1, entity.MessageStatusPending)
			storeMessage(t, repo, 2, entity.MessageStatusPending)

			cfg := claimConfig()
			cfg.SkipReconcile = test.SkipReconcile
			engine := newClaimEngine(t, chain, repo, cfg)
			require.NoError(t, engine.Run(context.Background()))

			require.Equal(t, test.Reconciled, engine.LastRun().Reconciled)
			require.Equal(t, test.Status, messageStatus(t, repo, 1))
			require.Equal(t, entity.MessageStatusPending, messageStatus(t, repo, 2))
		})
	}
}

func TestClaimEngine_CollectsErrors(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(59141)
	inbox := newFakeInbox(chain)
	repo := newLedger(t)
	for _, nonce := range []int64{1, 2} {
		storeMessage(t, repo, nonce, entity.MessageStatusConfirmed)
		inbox.set(messageHash(nonce), bridgeabi.InboxStatusClaimable)
	}
	inbox.broken[messageHash(1)] = true

	engine := newClaimEngine(t, chain, repo, claimConfig())
	err := engine.Run(context.Background())
	require.ErrorIs(t, err, errInboxDegraded)
	require.ErrorContains(t, err, messageHash(1).String())

	require.Equal(t, entity.MessageStatusConfirmed, messageStatus(t, repo, 1))
	require.Empty(t, messageStatus(t, repo, 2))
	summary := engine.LastRun()
	require.Equal(t, 1, summary.Outcomes[monitor.ClaimOutcomeError])
	require.Equal(t, 1, summary.Outcomes[monitor.ClaimOutcomeClaimed])
	require.NotEmpty(t, summary.Error)
}

func TestClaimEngine_RetriesTransportErrors(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(59141)
	inbox := newFakeInbox(chain)
	inbox.set(messageHash(1), bridgeabi.InboxStatusClaimable)
	repo := newLedger(t)
	storeMessage(t, repo, 1, entity.MessageStatusConfirmed)

	var calls int
	chain.handleEstimate(l2MessageService, claimSelector, func(ethereum.CallMsg) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, &ethclient.RPCError{URL: "http://l2", Method: "eth_estimateGas", Err: errors.New("eof")}
		}
		return nil, nil
	})

	engine := newClaimEngine(t, chain, repo, claimConfig())
	require.NoError(t, engine.Run(context.Background()))
	require.Equal(t, 2, calls)
	require.Len(t, chain.sentTxs(), 1)
	require.Equal(t, 1, engine.LastRun().Outcomes[monitor.ClaimOutcomeClaimed])
}

func TestClaimEngine_FailedRetention(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name      string
		Retention time.Duration
		Status    entity.MessageStatus
	}{
		{"kept within retention", time.Hour, entity.MessageStatusFailed},
		{"pruned after retention", 0, ""},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			chain := newFakeChain(59141)
			newFakeInbox(chain)
			repo := newLedger(t)
			storeMessage(t, repo, 1, entity.MessageStatusFailed)
			time.Sleep(time.Millisecond)

			cfg := claimConfig()
			cfg.FailedRetention = test.Retention
			engine := newClaimEngine(t, chain, repo, cfg)
			require.NoError(t, engine.Run(context.Background()))
			require.Equal(t, test.Status, messageStatus(t, repo, 1))
		})
	}
}
