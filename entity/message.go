package entity

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusConfirmed MessageStatus = "confirmed"
	MessageStatusClaimed   MessageStatus = "claimed"
	MessageStatusFailed    MessageStatus = "failed"
)

var MessageStatuses = []MessageStatus{
	MessageStatusPending,
	MessageStatusConfirmed,
	MessageStatusClaimed,
	MessageStatusFailed,
}

func ParseMessageStatus(s string) (MessageStatus, bool) {
	for _, status := range MessageStatuses {
		if string(status) == s {
			return status, true
		}
	}
	return "", false
}

func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusClaimed || s == MessageStatusFailed
}

// CanTransition reports whether a row in status from may be moved to status to.
// Marking a row with its current status is always allowed and changes nothing.
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case MessageStatusPending:
		return to == MessageStatusConfirmed
	case MessageStatusConfirmed:
		return to == MessageStatusClaimed || to == MessageStatusFailed
	default:
		return false
	}
}

// TransitionSources lists every status a row may be in for a mark to status to
// to be accepted, including to itself.
func TransitionSources(to MessageStatus) []MessageStatus {
	res := make([]MessageStatus, 0, 2)
	for _, from := range MessageStatuses {
		if CanTransition(from, to) {
			res = append(res, from)
		}
	}
	return res
}

type Message struct {
	MsgHash         common.Hash
	Sender          common.Address
	Destination     common.Address
	Fee             *big.Int
	Value           *big.Int
	Nonce           *big.Int
	Calldata        []byte
	Status          MessageStatus
	BlockNumber     uint
	TransactionHash common.Hash
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type MessagesRepo interface {
	// UpsertPending stores msg with pending status unless a row with the same
	// hash already exists. The returned flag is true when a new row was created.
	UpsertPending(ctx context.Context, msg *Message) (bool, error)
	MarkStatus(ctx context.Context, msgHash common.Hash, status MessageStatus) error
	GetByHash(ctx context.Context, msgHash common.Hash) (*Message, error)
	ListByStatus(ctx context.Context, status MessageStatus) ([]*Message, error)
	CountByStatus(ctx context.Context) (map[MessageStatus]uint, error)
	DeleteByStatus(ctx context.Context, status MessageStatus) (uint, error)
	DeleteByStatusUpdatedBefore(ctx context.Context, status MessageStatus, before time.Time) (uint, error)
	Close() error
}
