package bridgeabi

//nolint:golint
import (
	_ "embed"

	"github.com/linea-world-id/state-bridge-relayer/contract/abi"
)

//go:embed l1_message_service.json
var l1MessageServiceJSONABI string

//go:embed l2_message_service.json
var l2MessageServiceJSONABI string

//go:embed state_bridge.json
var stateBridgeJSONABI string

//go:embed identity_manager.json
var identityManagerJSONABI string

//go:embed world_id.json
var worldIDJSONABI string

const (
	MessageSent                   = "event MessageSent(address indexed _from, address indexed _to, uint256 _fee, uint256 _value, uint256 _nonce, bytes _calldata, bytes32 indexed _messageHash)"
	L1L2MessageHashesAddedToInbox = "event L1L2MessageHashesAddedToInbox(bytes32[] messageHashes)"
	MessageClaimed                = "event MessageClaimed(bytes32 indexed _messageHash)"
	TreeChanged                   = "event TreeChanged(uint256 indexed preRoot, uint8 indexed kind, uint256 indexed postRoot)"
	RootPropagated                = "event RootPropagated(uint256 root)"
)

var (
	L1MessageServiceABI = abi.MustReadABI(l1MessageServiceJSONABI)
	L2MessageServiceABI = abi.MustReadABI(l2MessageServiceJSONABI)
	StateBridgeABI      = abi.MustReadABI(stateBridgeJSONABI)
	IdentityManagerABI  = abi.MustReadABI(identityManagerJSONABI)
	WorldIDABI          = abi.MustReadABI(worldIDJSONABI)

	MessageSentEventSignature                   = L1MessageServiceABI.EventID("MessageSent")
	L1L2MessageHashesAddedToInboxEventSignature = L2MessageServiceABI.EventID("L1L2MessageHashesAddedToInbox")
	TreeChangedEventSignature                   = IdentityManagerABI.EventID("TreeChanged")
)

// InboxStatus is the L2 inbox delivery state of an L1 to L2 message.
type InboxStatus uint8

const (
	InboxStatusUnknown   InboxStatus = 0
	InboxStatusClaimable InboxStatus = 1
	InboxStatusClaimed   InboxStatus = 2
)

func (s InboxStatus) String() string {
	switch s {
	case InboxStatusUnknown:
		return "unknown"
	case InboxStatusClaimable:
		return "claimable"
	case InboxStatusClaimed:
		return "claimed"
	default:
		return "invalid"
	}
}
