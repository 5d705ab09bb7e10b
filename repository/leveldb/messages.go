package leveldb

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/linea-world-id/state-bridge-relayer/entity"
)

var (
	messagePrefix = []byte("msg/")
	statusPrefix  = []byte("status/")
)

// record is the rlp layout of a stored message. Field order is part of the
// on-disk format.
type record struct {
	Sender          common.Address
	Destination     common.Address
	Fee             *big.Int
	Value           *big.Int
	Nonce           *big.Int
	Calldata        []byte
	Status          string
	BlockNumber     uint64
	TransactionHash common.Hash
	CreatedAt       uint64
	UpdatedAt       uint64
}

func newRecord(msg *entity.Message, now time.Time) *record {
	return &record{
		Sender:          msg.Sender,
		Destination:     msg.Destination,
		Fee:             nonNil(msg.Fee),
		Value:           nonNil(msg.Value),
		Nonce:           nonNil(msg.Nonce),
		Calldata:        msg.Calldata,
		Status:          string(entity.MessageStatusPending),
		BlockNumber:     uint64(msg.BlockNumber),
		TransactionHash: msg.TransactionHash,
		CreatedAt:       uint64(now.UnixNano()),
		UpdatedAt:       uint64(now.UnixNano()),
	}
}

func (r *record) toEntity(msgHash common.Hash) *entity.Message {
	return &entity.Message{
		MsgHash:         msgHash,
		Sender:          r.Sender,
		Destination:     r.Destination,
		Fee:             r.Fee,
		Value:           r.Value,
		Nonce:           r.Nonce,
		Calldata:        r.Calldata,
		Status:          entity.MessageStatus(r.Status),
		BlockNumber:     uint(r.BlockNumber),
		TransactionHash: r.TransactionHash,
		CreatedAt:       time.Unix(0, int64(r.CreatedAt)).UTC(),
		UpdatedAt:       time.Unix(0, int64(r.UpdatedAt)).UTC(),
	}
}

func nonNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func messageKey(msgHash common.Hash) []byte {
	return append(append([]byte{}, messagePrefix...), msgHash[:]...)
}

func statusIndexPrefix(status entity.MessageStatus) []byte {
	key := append(append([]byte{}, statusPrefix...), status...)
	return append(key, '/')
}

// statusIndexKey sorts rows of one status by nonce and then by hash.
func statusIndexKey(status entity.MessageStatus, nonce *big.Int, msgHash common.Hash) []byte {
	key := statusIndexPrefix(status)
	key = append(key, common.BigToHash(nonce).Bytes()...)
	return append(key, msgHash[:]...)
}

type messagesRepo struct {
	db    *leveldb.DB
	locks [256]sync.Mutex
	now   func() time.Time
}

// OpenMessagesRepo opens or creates the ledger files at path, recovering the
// manifest if it is corrupted.
func OpenMessagesRepo(path string) (entity.MessagesRepo, error) {
	options := &opt.Options{
		Filter: filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, options)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: can't open ledger at %s: %w", entity.ErrPersistence, path, err)
	}
	return &messagesRepo{db: db, now: time.Now}, nil
}

func (r *messagesRepo) lock(msgHash common.Hash) func() {
	m := &r.locks[msgHash[0]]
	m.Lock()
	return m.Unlock
}

func (r *messagesRepo) get(msgHash common.Hash) (*record, error) {
	raw, err := r.db.Get(messageKey(msgHash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("message %s: %w", msgHash, entity.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: can't get message %s: %w", entity.ErrPersistence, msgHash, err)
	}
	rec := new(record)
	if err = rlp.DecodeBytes(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: can't decode message %s: %w", entity.ErrPersistence, msgHash, err)
	}
	return rec, nil
}

func (r *messagesRepo) UpsertPending(_ context.Context, msg *entity.Message) (bool, error) {
	defer r.lock(msg.MsgHash)()
	defer ObserveDuration("UpsertPending")()

	_, err := r.get(msg.MsgHash)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return false, err
	}
	rec := newRecord(msg, r.now())
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return false, fmt.Errorf("can't encode message %s: %w", msg.MsgHash, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(messageKey(msg.MsgHash), raw)
	batch.Put(statusIndexKey(entity.MessageStatusPending, rec.Nonce, msg.MsgHash), nil)
	if err = r.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("%w: can't insert message %s: %w", entity.ErrPersistence, msg.MsgHash, err)
	}
	return true, nil
}

func (r *messagesRepo) MarkStatus(_ context.Context, msgHash common.Hash, status entity.MessageStatus) error {
	defer r.lock(msgHash)()
	defer ObserveDuration("MarkStatus")()

	rec, err := r.get(msgHash)
	if err != nil {
		return err
	}
	prev := entity.MessageStatus(rec.Status)
	if prev == status {
		return nil
	}
	if !entity.CanTransition(prev, status) {
		return fmt.Errorf("%w: message %s from %s to %s", entity.ErrIllegalTransition, msgHash, prev, status)
	}
	rec.Status = string(status)
	rec.UpdatedAt = uint64(r.now().UnixNano())
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("can't encode message %s: %w", msgHash, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(messageKey(msgHash), raw)
	batch.Delete(statusIndexKey(prev, rec.Nonce, msgHash))
	batch.Put(statusIndexKey(status, rec.Nonce, msgHash), nil)
	if err = r.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: can't update message %s: %w", entity.ErrPersistence, msgHash, err)
	}
	return nil
}

func (r *messagesRepo) GetByHash(_ context.Context, msgHash common.Hash) (*entity.Message, error) {
	defer ObserveDuration("GetByHash")()
	rec, err := r.get(msgHash)
	if err != nil {
		return nil, err
	}
	return rec.toEntity(msgHash), nil
}

// ListByStatus reads rows from a single snapshot, ordered by nonce.
func (r *messagesRepo) ListByStatus(_ context.Context, status entity.MessageStatus) ([]*entity.Message, error) {
	defer ObserveDuration("ListByStatus")()
	snap, err := r.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: can't get snapshot: %w", entity.ErrPersistence, err)
	}
	defer snap.Release()

	prefix := statusIndexPrefix(status)
	it := snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	res := make([]*entity.Message, 0, 10)
	for it.Next() {
		msgHash := common.BytesToHash(it.Key()[len(prefix)+common.HashLength:])
		raw, err := snap.Get(messageKey(msgHash), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: index points to missing message %s: %w", entity.ErrPersistence, msgHash, err)
		}
		rec := new(record)
		if err = rlp.DecodeBytes(raw, rec); err != nil {
			return nil, fmt.Errorf("%w: can't decode message %s: %w", entity.ErrPersistence, msgHash, err)
		}
		res = append(res, rec.toEntity(msgHash))
	}
	if err = it.Error(); err != nil {
		return nil, fmt.Errorf("%w: can't iterate messages: %w", entity.ErrPersistence, err)
	}
	return res, nil
}

func (r *messagesRepo) CountByStatus(_ context.Context) (map[entity.MessageStatus]uint, error) {
	defer ObserveDuration("CountByStatus")()
	snap, err := r.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: can't get snapshot: %w", entity.ErrPersistence, err)
	}
	defer snap.Release()

	res := make(map[entity.MessageStatus]uint, len(entity.MessageStatuses))
	for _, status := range entity.MessageStatuses {
		it := snap.NewIterator(util.BytesPrefix(statusIndexPrefix(status)), nil)
		var n uint
		for it.Next() {
			n++
		}
		err = it.Error()
		it.Release()
		if err != nil {
			return nil, fmt.Errorf("%w: can't iterate messages: %w", entity.ErrPersistence, err)
		}
		res[status] = n
	}
	return res, nil
}

func (r *messagesRepo) DeleteByStatus(ctx context.Context, status entity.MessageStatus) (uint, error) {
	defer ObserveDuration("DeleteByStatus")()
	return r.deleteWhere(ctx, status, func(*record) bool { return true })
}

func (r *messagesRepo) DeleteByStatusUpdatedBefore(ctx context.Context, status entity.MessageStatus, before time.Time) (uint, error) {
	defer ObserveDuration("DeleteByStatusUpdatedBefore")()
	threshold := uint64(before.UnixNano())
	return r.deleteWhere(ctx, status, func(rec *record) bool { return rec.UpdatedAt < threshold })
}

// deleteWhere removes rows of the given status accepted by pred. Each row is
// re-read under its lock so a concurrent transition is never overwritten.
func (r *messagesRepo) deleteWhere(ctx context.Context, status entity.MessageStatus, pred func(*record) bool) (uint, error) {
	candidates, err := r.ListByStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	var deleted uint
	for _, msg := range candidates {
		ok, err := r.deleteOne(msg.MsgHash, status, pred)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (r *messagesRepo) deleteOne(msgHash common.Hash, status entity.MessageStatus, pred func(*record) bool) (bool, error) {
	defer r.lock(msgHash)()
	rec, err := r.get(msgHash)
	if err != nil {
		return false, entity.IgnoreErrNotFound(err)
	}
	if rec.Status != string(status) || !pred(rec) {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(messageKey(msgHash))
	batch.Delete(statusIndexKey(status, rec.Nonce, msgHash))
	if err = r.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("%w: can't delete message %s: %w", entity.ErrPersistence, msgHash, err)
	}
	return true, nil
}

func (r *messagesRepo) Close() error {
	return r.db.Close()
}
