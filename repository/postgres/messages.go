package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/linea-world-id/state-bridge-relayer/db"
	"github.com/linea-world-id/state-bridge-relayer/entity"
)

type messageRow struct {
	MsgHash         common.Hash          `db:"msg_hash"`
	Sender          common.Address       `db:"sender"`
	Destination     common.Address       `db:"destination"`
	Fee             string               `db:"fee"`
	Value           string               `db:"value"`
	Nonce           string               `db:"nonce"`
	Calldata        []byte               `db:"calldata"`
	Status          entity.MessageStatus `db:"status"`
	BlockNumber     uint                 `db:"block_number"`
	TransactionHash common.Hash          `db:"transaction_hash"`
	CreatedAt       time.Time            `db:"created_at"`
	UpdatedAt       time.Time            `db:"updated_at"`
}

func (r *messageRow) toEntity() (*entity.Message, error) {
	msg := &entity.Message{
		MsgHash:         r.MsgHash,
		Sender:          r.Sender,
		Destination:     r.Destination,
		Calldata:        r.Calldata,
		Status:          r.Status,
		BlockNumber:     r.BlockNumber,
		TransactionHash: r.TransactionHash,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	var ok bool
	if msg.Fee, ok = new(big.Int).SetString(r.Fee, 10); !ok {
		return nil, fmt.Errorf("invalid fee %q for message %s", r.Fee, r.MsgHash)
	}
	if msg.Value, ok = new(big.Int).SetString(r.Value, 10); !ok {
		return nil, fmt.Errorf("invalid value %q for message %s", r.Value, r.MsgHash)
	}
	if msg.Nonce, ok = new(big.Int).SetString(r.Nonce, 10); !ok {
		return nil, fmt.Errorf("invalid nonce %q for message %s", r.Nonce, r.MsgHash)
	}
	return msg, nil
}

func numeric(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

type messagesRepo basePostgresRepo

func NewMessagesRepo(table string, db *db.DB) entity.MessagesRepo {
	return (*messagesRepo)(newBasePostgresRepo(table, db))
}

func (r *messagesRepo) UpsertPending(ctx context.Context, msg *entity.Message) (bool, error) {
	calldata := msg.Calldata
	if calldata == nil {
		calldata = []byte{}
	}
	q, args, err := sq.Insert(r.table).
		Columns("msg_hash", "sender", "destination", "fee", "value", "nonce", "calldata", "status", "block_number", "transaction_hash").
		Values(msg.MsgHash, msg.Sender, msg.Destination, numeric(msg.Fee), numeric(msg.Value), numeric(msg.Nonce), calldata, string(entity.MessageStatusPending), msg.BlockNumber, msg.TransactionHash).
		Suffix("ON CONFLICT (msg_hash) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, persistenceError("can't insert message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistenceError("can't get affected rows", err)
	}
	return n > 0, nil
}

func (r *messagesRepo) MarkStatus(ctx context.Context, msgHash common.Hash, status entity.MessageStatus) error {
	sources := make([]string, 0, 2)
	for _, s := range entity.TransitionSources(status) {
		if s != status {
			sources = append(sources, string(s))
		}
	}
	if len(sources) > 0 {
		q, args, err := sq.Update(r.table).
			Set("status", string(status)).
			Set("updated_at", sq.Expr("NOW()")).
			Where(sq.Eq{"msg_hash": msgHash}).
			Where("status = ANY(?)", pq.Array(sources)).
			PlaceholderFormat(sq.Dollar).
			ToSql()
		if err != nil {
			return fmt.Errorf("can't build query: %w", err)
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return persistenceError("can't update message status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return persistenceError("can't get affected rows", err)
		}
		if n > 0 {
			return nil
		}
	}
	msg, err := r.GetByHash(ctx, msgHash)
	if err != nil {
		return err
	}
	if msg.Status == status {
		return nil
	}
	return fmt.Errorf("%w: message %s from %s to %s", entity.ErrIllegalTransition, msgHash, msg.Status, status)
}

func (r *messagesRepo) GetByHash(ctx context.Context, msgHash common.Hash) (*entity.Message, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"msg_hash": msgHash}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	row := new(messageRow)
	err = r.db.GetContext(ctx, row, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("message %s: %w", msgHash, entity.ErrNotFound)
		}
		return nil, persistenceError("can't get message", err)
	}
	return row.toEntity()
}

func (r *messagesRepo) ListByStatus(ctx context.Context, status entity.MessageStatus) ([]*entity.Message, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"status": string(status)}).
		OrderBy("nonce", "msg_hash").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	rows := make([]*messageRow, 0, 10)
	err = r.db.SelectContext(ctx, &rows, q, args...)
	if err != nil {
		return nil, persistenceError("can't list messages by status", err)
	}
	msgs := make([]*entity.Message, len(rows))
	for i, row := range rows {
		if msgs[i], err = row.toEntity(); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (r *messagesRepo) CountByStatus(ctx context.Context) (map[entity.MessageStatus]uint, error) {
	q, args, err := sq.Select("status", "COUNT(*) AS count").
		From(r.table).
		GroupBy("status").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	counts := make([]struct {
		Status entity.MessageStatus `db:"status"`
		Count  uint                 `db:"count"`
	}, 0, len(entity.MessageStatuses))
	err = r.db.SelectContext(ctx, &counts, q, args...)
	if err != nil {
		return nil, persistenceError("can't count messages", err)
	}
	res := make(map[entity.MessageStatus]uint, len(entity.MessageStatuses))
	for _, status := range entity.MessageStatuses {
		res[status] = 0
	}
	for _, c := range counts {
		res[c.Status] = c.Count
	}
	return res, nil
}

func (r *messagesRepo) DeleteByStatus(ctx context.Context, status entity.MessageStatus) (uint, error) {
	return r.delete(ctx, sq.Eq{"status": string(status)})
}

func (r *messagesRepo) DeleteByStatusUpdatedBefore(ctx context.Context, status entity.MessageStatus, before time.Time) (uint, error) {
	return r.delete(ctx, sq.And{sq.Eq{"status": string(status)}, sq.Lt{"updated_at": before}})
}

func (r *messagesRepo) delete(ctx context.Context, pred sq.Sqlizer) (uint, error) {
	q, args, err := sq.Delete(r.table).
		Where(pred).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, persistenceError("can't delete messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistenceError("can't get affected rows", err)
	}
	return uint(n), nil
}

func (r *messagesRepo) Close() error {
	return r.db.Close()
}
