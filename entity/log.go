package entity

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Log struct {
	ChainID         string
	Address         common.Address
	Topic0          *common.Hash
	Topic1          *common.Hash
	Topic2          *common.Hash
	Topic3          *common.Hash
	Data            []byte
	BlockNumber     uint
	LogIndex        uint
	TransactionHash common.Hash
	Removed         bool
}

func NewLog(chainID string, log types.Log) *Log {
	e := &Log{
		ChainID:         chainID,
		Address:         log.Address,
		Data:            log.Data,
		BlockNumber:     uint(log.BlockNumber),
		LogIndex:        log.Index,
		TransactionHash: log.TxHash,
		Removed:         log.Removed,
	}
	topics := [4]**common.Hash{&e.Topic0, &e.Topic1, &e.Topic2, &e.Topic3}
	for i, topic := range log.Topics {
		if i >= len(topics) {
			break
		}
		t := topic
		*topics[i] = &t
	}
	return e
}

func (l *Log) Topics() []common.Hash {
	res := make([]common.Hash, 0, 4)
	for _, t := range []*common.Hash{l.Topic0, l.Topic1, l.Topic2, l.Topic3} {
		if t == nil {
			break
		}
		res = append(res, *t)
	}
	return res
}

// Less orders logs by block number and then by log index.
func (l *Log) Less(other *Log) bool {
	if l.BlockNumber != other.BlockNumber {
		return l.BlockNumber < other.BlockNumber
	}
	return l.LogIndex < other.LogIndex
}
