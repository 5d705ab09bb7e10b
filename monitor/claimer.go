package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/contract"
	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
)

type ClaimOutcome string

const (
	ClaimOutcomeClaimed        ClaimOutcome = "claimed"
	ClaimOutcomeAlreadyClaimed ClaimOutcome = "already_claimed"
	ClaimOutcomeNotDeliverable ClaimOutcome = "not_deliverable"
	ClaimOutcomeRetry          ClaimOutcome = "retry"
	ClaimOutcomeFailed         ClaimOutcome = "failed"
	ClaimOutcomeError          ClaimOutcome = "error"
)

type ClaimRunSummary struct {
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Outcomes   map[ClaimOutcome]int `json:"outcomes"`
	Reconciled int                  `json:"reconciled"`
	Deleted    uint                 `json:"deleted"`
	Error      string               `json:"error,omitempty"`
}

// ClaimEngine claims confirmed messages on the L2 message service.
type ClaimEngine struct {
	logger     logging.Logger
	cfg        *config.ClaimConfig
	repo       entity.MessagesRepo
	inbox      *contract.L2MessageService
	transactor *ethclient.Transactor
	classifier *bridgeabi.RevertClassifier
	policy     ethclient.RetryPolicy
	now        func() time.Time

	mu      sync.Mutex
	stateMu sync.RWMutex
	lastRun *ClaimRunSummary
}

func NewClaimEngine(logger logging.Logger, cfg *config.ClaimConfig, repo entity.MessagesRepo, inbox *contract.L2MessageService, transactor *ethclient.Transactor) *ClaimEngine {
	return &ClaimEngine{
		logger:     logger.WithField("component", "claimer"),
		cfg:        cfg,
		repo:       repo,
		inbox:      inbox,
		transactor: transactor,
		classifier: bridgeabi.NewRevertClassifier(cfg.RetryableSelectors()...),
		policy: ethclient.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			Backoff:     cfg.RetryBackoff,
		},
		now: time.Now,
	}
}

func (e *ClaimEngine) LastRun() *ClaimRunSummary {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastRun
}

// Run performs one claim pass: pending reconciliation, claims of all
// confirmed messages in nonce order and ledger cleanup. A failing message
// does not stop the pass, all failures are returned together.
func (e *ClaimEngine) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := &ClaimRunSummary{
		StartedAt: e.now(),
		Outcomes:  make(map[ClaimOutcome]int),
	}
	err := e.run(ctx, summary)
	summary.FinishedAt = e.now()
	if err != nil {
		summary.Error = err.Error()
	}
	e.stateMu.Lock()
	e.lastRun = summary
	e.stateMu.Unlock()
	return err
}

func (e *ClaimEngine) run(ctx context.Context, summary *ClaimRunSummary) error {
	var result *multierror.Error

	if !e.cfg.SkipReconcile {
		n, err := e.reconcilePending(ctx)
		summary.Reconciled = n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	msgs, err := e.repo.ListByStatus(ctx, entity.MessageStatusConfirmed)
	if err != nil {
		return multierror.Append(result, fmt.Errorf("can't list confirmed messages: %w", err))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Nonce.Cmp(msgs[j].Nonce) < 0
	})
	if len(msgs) > 0 {
		e.logger.WithField("count", len(msgs)).Info("claiming confirmed messages")
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		outcome, err := e.Claim(ctx, msg)
		summary.Outcomes[outcome]++
		ClaimResults.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("message %s: %w", msg.MsgHash, err))
		}
	}

	deleted, err := e.cleanup(ctx)
	summary.Deleted = deleted
	if err != nil {
		result = multierror.Append(result, err)
	}
	e.observeLedger(ctx)
	return result.ErrorOrNil()
}

func (e *ClaimEngine) inboxStatus(ctx context.Context, msg *entity.Message) (status bridgeabi.InboxStatus, err error) {
	err = ethclient.Retry(ctx, e.policy, func(ctx context.Context) (err error) {
		status, err = e.inbox.InboxStatus(ctx, msg.MsgHash)
		return
	})
	return
}

// reconcilePending confirms pending messages that already reached the L2
// inbox, which happens when the inbox event was observed before the send.
func (e *ClaimEngine) reconcilePending(ctx context.Context) (int, error) {
	msgs, err := e.repo.ListByStatus(ctx, entity.MessageStatusPending)
	if err != nil {
		return 0, fmt.Errorf("can't list pending messages: %w", err)
	}
	var result *multierror.Error
	reconciled := 0
	for _, msg := range msgs {
		status, err := e.inboxStatus(ctx, msg)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("message %s: %w", msg.MsgHash, err))
			continue
		}
		if status == bridgeabi.InboxStatusUnknown {
			continue
		}
		err = e.repo.MarkStatus(ctx, msg.MsgHash, entity.MessageStatusConfirmed)
		if err != nil && !errors.Is(err, entity.ErrIllegalTransition) {
			result = multierror.Append(result, fmt.Errorf("message %s: %w", msg.MsgHash, err))
			continue
		}
		e.logger.WithField("msg_hash", msg.MsgHash).Info("pending message is already in the l2 inbox, confirmed")
		reconciled++
	}
	return reconciled, result.ErrorOrNil()
}

// Claim delivers a single confirmed message according to its L2 inbox status.
func (e *ClaimEngine) Claim(ctx context.Context, msg *entity.Message) (ClaimOutcome, error) {
	logger := e.logger.WithFields(logrus.Fields{
		"msg_hash": msg.MsgHash,
		"nonce":    msg.Nonce,
	})
	status, err := e.inboxStatus(ctx, msg)
	if err != nil {
		return ClaimOutcomeError, err
	}
	switch status {
	case bridgeabi.InboxStatusClaimed:
		logger.Info("message is already claimed")
		return e.markClaimed(ctx, msg, ClaimOutcomeAlreadyClaimed)
	case bridgeabi.InboxStatusUnknown:
		logger.Debug("message is not in the l2 inbox yet")
		return ClaimOutcomeNotDeliverable, nil
	}

	data, err := e.inbox.PackClaimMessage(msg, e.cfg.FeeRecipient)
	if err != nil {
		return ClaimOutcomeError, err
	}
	gas, err := e.transactor.EstimateGas(ctx, e.inbox.Address, data, nil, e.cfg.GasLimitBufferPercent)
	if err != nil {
		if revert, ok := ethclient.AsRevert(err); ok {
			return e.handleRevert(ctx, logger, msg, revert)
		}
		return ClaimOutcomeError, fmt.Errorf("can't estimate claim gas: %w", err)
	}
	tx, err := e.transactor.Send(ctx, e.inbox.Address, data, nil, gas)
	if err != nil {
		return ClaimOutcomeError, err
	}
	logger = logger.WithField("tx_hash", tx.Hash())
	logger.Info("submitted claim")

	receipt, err := e.transactor.WaitMined(ctx, tx.Hash(), e.cfg.ReceiptTimeout)
	if err != nil {
		// the next pass re-reads the inbox status
		return ClaimOutcomeError, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		logger.WithField("block_number", receipt.BlockNumber).Info("message claimed")
		return e.markClaimed(ctx, msg, ClaimOutcomeClaimed)
	}
	revert, err := e.transactor.RevertReason(ctx, tx, receipt)
	if err != nil {
		logger.WithError(err).Warn("can't obtain revert reason")
	}
	if revert == nil {
		revert = &ethclient.RevertError{Method: "claimMessage", Message: "transaction reverted"}
	}
	return e.handleRevert(ctx, logger, msg, revert)
}

func (e *ClaimEngine) handleRevert(ctx context.Context, logger logging.Logger, msg *entity.Message, revert *ethclient.RevertError) (ClaimOutcome, error) {
	class, name := e.classifier.Classify(revert.Data)
	logger = logger.WithFields(logrus.Fields{
		"revert":       name,
		"revert_class": class,
	})
	if class == bridgeabi.RevertRetryable {
		logger.Warn("claim reverted with a transient error, will retry")
		return ClaimOutcomeRetry, nil
	}

	// another relayer may have claimed the message in the meantime
	status, err := e.inboxStatus(ctx, msg)
	if err == nil && status == bridgeabi.InboxStatusClaimed {
		logger.Info("claim reverted because the message is already claimed")
		return e.markClaimed(ctx, msg, ClaimOutcomeAlreadyClaimed)
	}
	if err != nil {
		logger.WithError(err).Warn("can't re-check inbox status after revert")
	}

	logger.WithError(revert).Error("claim reverted, marking message as failed")
	if err = e.repo.MarkStatus(ctx, msg.MsgHash, entity.MessageStatusFailed); err != nil {
		return ClaimOutcomeError, err
	}
	return ClaimOutcomeFailed, nil
}

func (e *ClaimEngine) markClaimed(ctx context.Context, msg *entity.Message, outcome ClaimOutcome) (ClaimOutcome, error) {
	if err := e.repo.MarkStatus(ctx, msg.MsgHash, entity.MessageStatusClaimed); err != nil {
		return ClaimOutcomeError, err
	}
	return outcome, nil
}

// cleanup drops claimed messages and failed ones older than the retention.
func (e *ClaimEngine) cleanup(ctx context.Context) (uint, error) {
	claimed, err := e.repo.DeleteByStatus(ctx, entity.MessageStatusClaimed)
	if err != nil {
		return 0, fmt.Errorf("can't delete claimed messages: %w", err)
	}
	failed, err := e.repo.DeleteByStatusUpdatedBefore(ctx, entity.MessageStatusFailed, e.now().Add(-e.cfg.FailedRetention))
	if err != nil {
		return claimed, fmt.Errorf("can't delete expired failed messages: %w", err)
	}
	if claimed+failed > 0 {
		e.logger.WithFields(logrus.Fields{
			"claimed": claimed,
			"failed":  failed,
		}).Info("removed settled messages from the ledger")
	}
	return claimed + failed, nil
}

func (e *ClaimEngine) observeLedger(ctx context.Context) {
	counts, err := e.repo.CountByStatus(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("can't count ledger messages")
		return
	}
	for _, status := range entity.MessageStatuses {
		LedgerMessages.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
