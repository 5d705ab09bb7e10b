package monitor

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/linea-world-id/state-bridge-relayer/entity"
)

var ErrDecode = errors.New("malformed event")

func field[T any](data map[string]interface{}, name string) (T, error) {
	var zero T
	raw, ok := data[name]
	if !ok {
		return zero, fmt.Errorf("%w: missing %s argument", ErrDecode, name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s argument has type %T, expected %T", ErrDecode, name, raw, zero)
	}
	return v, nil
}

func nonNegative(data map[string]interface{}, name string) (*big.Int, error) {
	v, err := field[*big.Int](data, name)
	if err != nil {
		return nil, err
	}
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s argument is not a non-negative integer", ErrDecode, name)
	}
	return v, nil
}

func unmarshalMessageSent(log *entity.Log, data map[string]interface{}) (*entity.Message, error) {
	from, err := field[common.Address](data, "_from")
	if err != nil {
		return nil, err
	}
	to, err := field[common.Address](data, "_to")
	if err != nil {
		return nil, err
	}
	fee, err := nonNegative(data, "_fee")
	if err != nil {
		return nil, err
	}
	value, err := nonNegative(data, "_value")
	if err != nil {
		return nil, err
	}
	nonce, err := nonNegative(data, "_nonce")
	if err != nil {
		return nil, err
	}
	calldata, err := field[[]byte](data, "_calldata")
	if err != nil {
		return nil, err
	}
	msgHash, err := field[[32]byte](data, "_messageHash")
	if err != nil {
		return nil, err
	}
	return &entity.Message{
		MsgHash:         msgHash,
		Sender:          from,
		Destination:     to,
		Fee:             fee,
		Value:           value,
		Nonce:           nonce,
		Calldata:        calldata,
		Status:          entity.MessageStatusPending,
		BlockNumber:     log.BlockNumber,
		TransactionHash: log.TransactionHash,
	}, nil
}

func unmarshalInboxHashes(data map[string]interface{}) ([]common.Hash, error) {
	raw, err := field[[][32]byte](data, "messageHashes")
	if err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, len(raw))
	for i, h := range raw {
		hashes[i] = h
	}
	return hashes, nil
}

type treeChange struct {
	PreRoot  *big.Int
	PostRoot *big.Int
	Kind     uint8
}

func unmarshalTreeChanged(data map[string]interface{}) (*treeChange, error) {
	preRoot, err := nonNegative(data, "preRoot")
	if err != nil {
		return nil, err
	}
	postRoot, err := nonNegative(data, "postRoot")
	if err != nil {
		return nil, err
	}
	kind, err := field[uint8](data, "kind")
	if err != nil {
		return nil, err
	}
	return &treeChange{PreRoot: preRoot, PostRoot: postRoot, Kind: kind}, nil
}
