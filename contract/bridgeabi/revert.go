package bridgeabi

import (
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

type RevertClass int

const (
	RevertNonRetryable RevertClass = iota
	RevertRetryable
)

func (c RevertClass) String() string {
	if c == RevertRetryable {
		return "retryable"
	}
	return "non_retryable"
}

// Reverts that clear up by themselves: rate limit windows roll over and
// pauses get lifted.
var defaultRetryableErrors = []string{
	"RateLimitExceeded()",
	"IsPaused(uint8)",
	"IsPaused(bytes32)",
	"ReentrantCall()",
}

var knownNonRetryableErrors = []string{
	"MessageDoesNotExistOrHasAlreadyBeenClaimed(bytes32)",
	"MessageSendingFailed(address)",
	"FeePaymentFailed(address)",
	"CannotOverwriteRoot()",
	"Error(string)",
	"Panic(uint256)",
}

func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(strings.ReplaceAll(signature, " ", "")))[:4])
	return sel
}

// RevertClassifier splits revert data into retryable and non-retryable by
// its 4-byte selector. Unknown selectors and empty revert data are
// non-retryable.
type RevertClassifier struct {
	retryable map[[4]byte]string
	names     map[[4]byte]string
}

func NewRevertClassifier(extraRetryable ...[4]byte) *RevertClassifier {
	c := &RevertClassifier{
		retryable: make(map[[4]byte]string),
		names:     make(map[[4]byte]string),
	}
	for _, sig := range defaultRetryableErrors {
		sel := Selector(sig)
		c.retryable[sel] = sig
		c.names[sel] = sig
	}
	for _, sig := range knownNonRetryableErrors {
		c.names[Selector(sig)] = sig
	}
	for _, sel := range extraRetryable {
		c.retryable[sel] = ""
	}
	return c
}

// Classify returns the class of the revert data and a readable error name.
func (c *RevertClassifier) Classify(data []byte) (RevertClass, string) {
	if len(data) < 4 {
		return RevertNonRetryable, "empty"
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	name, ok := c.names[sel]
	if !ok {
		name = "unknown"
	}
	if _, ok = c.retryable[sel]; ok {
		return RevertRetryable, name
	}
	return RevertNonRetryable, name
}

var defaultClassifier = NewRevertClassifier()

func ClassifyRevert(data []byte) (RevertClass, string) {
	return defaultClassifier.Classify(data)
}
