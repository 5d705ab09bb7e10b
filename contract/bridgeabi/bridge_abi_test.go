package bridgeabi_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
)

func TestEventSignatures(t *testing.T) {
	t.Parallel()

	require.Equal(t, crypto.Keccak256Hash([]byte("MessageSent(address,address,uint256,uint256,uint256,bytes,bytes32)")), bridgeabi.MessageSentEventSignature)
	require.Equal(t, crypto.Keccak256Hash([]byte("L1L2MessageHashesAddedToInbox(bytes32[])")), bridgeabi.L1L2MessageHashesAddedToInboxEventSignature)
	require.Equal(t, crypto.Keccak256Hash([]byte("TreeChanged(uint256,uint8,uint256)")), bridgeabi.TreeChangedEventSignature)

	require.True(t, bridgeabi.L1MessageServiceABI.AllEvents()[bridgeabi.MessageSent])
	require.True(t, bridgeabi.L2MessageServiceABI.AllEvents()[bridgeabi.L1L2MessageHashesAddedToInbox])
	require.True(t, bridgeabi.L2MessageServiceABI.AllEvents()[bridgeabi.MessageClaimed])
	require.True(t, bridgeabi.IdentityManagerABI.AllEvents()[bridgeabi.TreeChanged])
	require.True(t, bridgeabi.StateBridgeABI.AllEvents()[bridgeabi.RootPropagated])
}

func TestMethodSelectors(t *testing.T) {
	t.Parallel()

	require.Equal(t, bridgeabi.Selector("claimMessage(address,address,uint256,uint256,address,bytes,uint256)"),
		[4]byte(bridgeabi.L2MessageServiceABI.Methods["claimMessage"].ID))
	require.Equal(t, bridgeabi.Selector("propagateRoot()"), [4]byte(bridgeabi.StateBridgeABI.Methods["propagateRoot"].ID))
}

func TestClassifyRevert(t *testing.T) {
	t.Parallel()

	sel := func(sig string) []byte {
		s := bridgeabi.Selector(sig)
		return append(s[:], make([]byte, 32)...)
	}
	tests := []struct {
		name  string
		data  []byte
		class bridgeabi.RevertClass
		label string
	}{
		{"rate limit", sel("RateLimitExceeded()"), bridgeabi.RevertRetryable, "RateLimitExceeded()"},
		{"paused", sel("IsPaused(uint8)"), bridgeabi.RevertRetryable, "IsPaused(uint8)"},
		{"legacy paused", sel("IsPaused(bytes32)"), bridgeabi.RevertRetryable, "IsPaused(bytes32)"},
		{"already claimed", sel("MessageDoesNotExistOrHasAlreadyBeenClaimed(bytes32)"), bridgeabi.RevertNonRetryable, "MessageDoesNotExistOrHasAlreadyBeenClaimed(bytes32)"},
		{"sending failed", sel("MessageSendingFailed(address)"), bridgeabi.RevertNonRetryable, "MessageSendingFailed(address)"},
		{"unknown selector", []byte{0xde, 0xad, 0xbe, 0xef}, bridgeabi.RevertNonRetryable, "unknown"},
		{"empty data", nil, bridgeabi.RevertNonRetryable, "empty"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			class, label := bridgeabi.ClassifyRevert(test.data)
			require.Equal(t, test.class, class)
			require.Equal(t, test.label, label)
		})
	}
}

func TestRevertClassifier_ExtraRetryable(t *testing.T) {
	t.Parallel()

	custom := bridgeabi.Selector("RootNotYetAvailable()")
	c := bridgeabi.NewRevertClassifier(custom)
	class, _ := c.Classify(custom[:])
	require.Equal(t, bridgeabi.RevertRetryable, class)

	class, _ = bridgeabi.ClassifyRevert(custom[:])
	require.Equal(t, bridgeabi.RevertNonRetryable, class)
}

func TestInboxStatus_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "claimable", bridgeabi.InboxStatusClaimable.String())
	require.Equal(t, "invalid", bridgeabi.InboxStatus(9).String())
}
