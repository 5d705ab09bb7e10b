package presenter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/linea-world-id/state-bridge-relayer/entity"
)

var formats = map[string]string{
	"1":        "https://etherscan.io/tx/%s",
	"5":        "https://goerli.etherscan.io/tx/%s",
	"11155111": "https://sepolia.etherscan.io/tx/%s",
	"59140":    "https://goerli.lineascan.build/tx/%s",
	"59141":    "https://sepolia.lineascan.build/tx/%s",
	"59144":    "https://lineascan.build/tx/%s",
}

func txLink(chainID string, txHash common.Hash) string {
	if format, ok := formats[chainID]; ok {
		return fmt.Sprintf(format, txHash)
	}
	return txHash.String()
}

func (p *Presenter) messageToMessageInfo(msg *entity.Message) *MessageInfo {
	return &MessageInfo{
		MsgHash:     msg.MsgHash,
		Sender:      msg.Sender,
		Destination: msg.Destination,
		Fee:         msg.Fee.String(),
		Value:       msg.Value.String(),
		Nonce:       msg.Nonce.String(),
		Calldata:    msg.Calldata,
		Status:      msg.Status,
		SentAt: &TxInfo{
			BlockNumber: msg.BlockNumber,
			TxHash:      msg.TransactionHash,
			Link:        txLink(p.l1ChainID, msg.TransactionHash),
		},
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}
}
