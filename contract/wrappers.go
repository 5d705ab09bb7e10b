package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
)

type L2MessageService struct {
	*Contract
}

func NewL2MessageService(client ethclient.Client, addr common.Address) *L2MessageService {
	return &L2MessageService{NewContract(client, addr, bridgeabi.L2MessageServiceABI)}
}

func (c *L2MessageService) InboxStatus(ctx context.Context, msgHash common.Hash) (bridgeabi.InboxStatus, error) {
	res, err := c.callUint(ctx, "inboxL1L2MessageStatus", msgHash)
	if err != nil {
		return 0, fmt.Errorf("cannot obtain inbox status: %w", err)
	}
	if !res.IsUint64() || res.Uint64() > uint64(bridgeabi.InboxStatusClaimed) {
		return 0, fmt.Errorf("unexpected inbox status %s for message %s", res, msgHash)
	}
	return bridgeabi.InboxStatus(res.Uint64()), nil
}

// PackClaimMessage encodes a claim of msg paying the fee to feeRecipient.
func (c *L2MessageService) PackClaimMessage(msg *entity.Message, feeRecipient common.Address) ([]byte, error) {
	calldata := msg.Calldata
	if calldata == nil {
		calldata = []byte{}
	}
	return c.Pack("claimMessage", msg.Sender, msg.Destination, msg.Fee, msg.Value, feeRecipient, calldata, msg.Nonce)
}

type StateBridge struct {
	*Contract
}

func NewStateBridge(client ethclient.Client, addr common.Address) *StateBridge {
	return &StateBridge{NewContract(client, addr, bridgeabi.StateBridgeABI)}
}

func (c *StateBridge) FeePropagateRoot(ctx context.Context) (*big.Int, error) {
	res, err := c.callUint(ctx, "getFeePropagateRoot")
	if err != nil {
		return nil, fmt.Errorf("cannot obtain propagation fee: %w", err)
	}
	return res, nil
}

func (c *StateBridge) PackPropagateRoot() ([]byte, error) {
	return c.Pack("propagateRoot")
}

// RootSource is a contract exposing the latest identity tree root.
type RootSource struct {
	*Contract
}

// NewIdentityManager binds the L1 root registry.
func NewIdentityManager(client ethclient.Client, addr common.Address) *RootSource {
	return &RootSource{NewContract(client, addr, bridgeabi.IdentityManagerABI)}
}

// NewWorldID binds the L2 root receiver.
func NewWorldID(client ethclient.Client, addr common.Address) *RootSource {
	return &RootSource{NewContract(client, addr, bridgeabi.WorldIDABI)}
}

func (c *RootSource) LatestRoot(ctx context.Context) (*big.Int, error) {
	res, err := c.callUint(ctx, "latestRoot")
	if err != nil {
		return nil, fmt.Errorf("cannot obtain latest root: %w", err)
	}
	return res, nil
}
