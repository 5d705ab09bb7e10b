package presenter

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/linea-world-id/state-bridge-relayer/entity"
)

type MessageInfo struct {
	MsgHash     common.Hash          `json:"msgHash"`
	Sender      common.Address       `json:"sender"`
	Destination common.Address       `json:"destination"`
	Fee         string               `json:"fee"`
	Value       string               `json:"value"`
	Nonce       string               `json:"nonce"`
	Calldata    hexutil.Bytes        `json:"calldata"`
	Status      entity.MessageStatus `json:"status"`
	SentAt      *TxInfo              `json:"sentAt"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

type TxInfo struct {
	BlockNumber uint        `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
	Link        string      `json:"link"`
}

type MessagesResult struct {
	Status   entity.MessageStatus `json:"status"`
	Count    int                  `json:"count"`
	Messages []*MessageInfo       `json:"messages"`
}
