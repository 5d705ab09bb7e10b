package monitor

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/logging"
)

// LedgerEventHandler records bridge events in the message ledger.
type LedgerEventHandler struct {
	repo entity.MessagesRepo
}

func NewLedgerEventHandler(repo entity.MessagesRepo) *LedgerEventHandler {
	return &LedgerEventHandler{
		repo: repo,
	}
}

// HandleMessageSent stores a newly sent L1 message as pending. Messages that
// are already known keep their current status.
func (h *LedgerEventHandler) HandleMessageSent(ctx context.Context, log *entity.Log, data map[string]interface{}) error {
	msg, err := unmarshalMessageSent(log, data)
	if err != nil {
		return err
	}
	created, err := h.repo.UpsertPending(ctx, msg)
	if err != nil {
		return err
	}
	logger := logging.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"msg_hash": msg.MsgHash,
		"nonce":    msg.Nonce,
	})
	if created {
		logger.Info("recorded new pending message")
	} else {
		logger.Debug("message is already recorded")
	}
	return nil
}

// HandleMessageHashesAddedToInbox confirms every listed message. Hashes that
// are not present in the ledger belong to other senders and are ignored.
func (h *LedgerEventHandler) HandleMessageHashesAddedToInbox(ctx context.Context, _ *entity.Log, data map[string]interface{}) error {
	hashes, err := unmarshalInboxHashes(data)
	if err != nil {
		return err
	}
	logger := logging.LoggerFromContext(ctx)

	g := new(multierror.Group)
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			return h.confirm(ctx, logger.WithField("msg_hash", hash), hash)
		})
	}
	return g.Wait().ErrorOrNil()
}

func (h *LedgerEventHandler) confirm(ctx context.Context, logger logging.Logger, hash common.Hash) error {
	err := h.repo.MarkStatus(ctx, hash, entity.MessageStatusConfirmed)
	switch {
	case err == nil:
		logger.Info("message is confirmed on l2")
		return nil
	case errors.Is(err, entity.ErrNotFound):
		logger.Debug("unknown message hash, ignoring")
		return nil
	case errors.Is(err, entity.ErrIllegalTransition):
		logger.WithError(err).Warn("message is already past confirmation")
		return nil
	default:
		return err
	}
}
