package ethclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrIncompatibleChainID = errors.New("rpc url returned incompatible chainID")
	ErrRangeTooLarge       = errors.New("requested block range is too large")
	ErrReceiptTimeout      = errors.New("timed out waiting for transaction receipt")
	ErrNoEndpoints         = errors.New("no rpc endpoints configured")
)

// revertErrorCode is the JSON-RPC error code geth-compatible nodes use for
// execution reverted errors carrying revert data.
const revertErrorCode = 3

// RPCError is a transport-level failure of a single endpoint. Calls failing
// with RPCError are safe to re-issue against another endpoint.
type RPCError struct {
	URL    string
	Method string
	Err    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s request to %s failed: %v", e.Method, e.URL, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// RevertError is returned when a call or gas estimation would revert on chain.
type RevertError struct {
	Method  string
	Message string
	Data    []byte
}

func (e *RevertError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s reverted: %s (data %s)", e.Method, e.Message, hexutil.Encode(e.Data))
	}
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Message)
}

// Selector returns the 4-byte custom error selector of the revert data.
func (e *RevertError) Selector() ([4]byte, bool) {
	var sel [4]byte
	if len(e.Data) < 4 {
		return sel, false
	}
	copy(sel[:], e.Data[:4])
	return sel, true
}

func IsTransportError(err error) bool {
	var e *RPCError
	return errors.As(err, &e)
}

func AsRevert(err error) (*RevertError, bool) {
	var e *RevertError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isRangeError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{
		"query returned more than",
		"block range",
		"range is too large",
		"range too large",
		"too many blocks",
		"exceed maximum block range",
		"log response size exceeded",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isRevertMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "vm execution error")
}

func revertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	data, decodeErr := hexutil.Decode(s)
	if decodeErr != nil {
		return nil
	}
	return data
}

// normalizeError maps raw client errors into the package error taxonomy.
// Node-side JSON-RPC errors other than reverts and range rejections are
// returned unchanged; everything that did not produce a JSON-RPC response is
// treated as a transport failure.
func normalizeError(url, method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode < 500 && httpErr.StatusCode != 429 && isRangeError(string(httpErr.Body)) {
			return fmt.Errorf("%s: %w: %v", method, ErrRangeTooLarge, err)
		}
		return &RPCError{URL: url, Method: method, Err: err}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == revertErrorCode || isRevertMessage(rpcErr.Error()) {
			return &RevertError{Method: method, Message: rpcErr.Error(), Data: revertData(err)}
		}
		if isRangeError(rpcErr.Error()) {
			return fmt.Errorf("%s: %w: %v", method, ErrRangeTooLarge, err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	if isRevertMessage(err.Error()) {
		return &RevertError{Method: method, Message: err.Error()}
	}
	return &RPCError{URL: url, Method: method, Err: err}
}

func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
