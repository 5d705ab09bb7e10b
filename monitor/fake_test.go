package monitor_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	cabi "github.com/linea-world-id/state-bridge-relayer/contract/abi"
	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/repository/leveldb"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	l1MessageService = common.HexToAddress("0x1000000000000000000000000000000000000001")
	stateBridge      = common.HexToAddress("0x1000000000000000000000000000000000000002")
	identityManager  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	l2MessageService = common.HexToAddress("0x2000000000000000000000000000000000000001")
	worldID          = common.HexToAddress("0x2000000000000000000000000000000000000002")
	otherSender      = common.HexToAddress("0x3000000000000000000000000000000000000001")
	destination      = common.HexToAddress("0x4000000000000000000000000000000000000001")

	errNoHandler = errors.New("no call handler")
)

type callKey struct {
	to       common.Address
	selector [4]byte
}

type callHandler func(msg ethereum.CallMsg) ([]byte, error)

// fakeChain is an in-memory chain serving logs, contract calls and
// transactions through the ethclient.Client interface.
type fakeChain struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint
	logs     []types.Log
	maxRange uint
	calls    map[callKey]callHandler
	estimate map[callKey]callHandler
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	onMined  func(tx *types.Transaction) uint64
	counts   map[string]int

	// filterErr is consulted before serving each FilterLogs call.
	filterErr func(q ethereum.FilterQuery) error

	// subscribe enables log subscriptions, fed through push.
	subscribe bool
	subs      []*fakeSub
}

// fakeSub is a log subscription served by fakeChain.
type fakeSub struct {
	query ethereum.FilterQuery
	ch    chan<- types.Log
	errCh chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
	})
}

func (s *fakeSub) Err() <-chan error {
	return s.errCh
}

func newFakeChain(chainID int64) *fakeChain {
	return &fakeChain{
		chainID:  big.NewInt(chainID),
		calls:    make(map[callKey]callHandler),
		estimate: make(map[callKey]callHandler),
		receipts: make(map[common.Hash]*types.Receipt),
		counts:   make(map[string]int),
	}
}

func selector(data []byte) [4]byte {
	var sel [4]byte
	copy(sel[:], data)
	return sel
}

func methodSelector(a cabi.ABI, method string) [4]byte {
	m, ok := a.Methods[method]
	if !ok {
		panic("unknown method " + method)
	}
	return selector(m.ID)
}

func (c *fakeChain) inc(method string) {
	c.counts[method]++
}

func (c *fakeChain) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[method]
}

func (c *fakeChain) setHead(head uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeChain) addLogs(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
	for _, log := range logs {
		if uint(log.BlockNumber) > c.head {
			c.head = uint(log.BlockNumber)
		}
	}
}

func (c *fakeChain) handleCall(to common.Address, sel [4]byte, h callHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[callKey{to, sel}] = h
}

func (c *fakeChain) handleEstimate(to common.Address, sel [4]byte, h callHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimate[callKey{to, sel}] = h
}

func (c *fakeChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *fakeChain) BlockNumber(context.Context) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inc("BlockNumber")
	return c.head, nil
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(uint64(c.head)),
		BaseFee: big.NewInt(1e9),
	}, nil
}

func matchTopics(log types.Log, topics [][]common.Hash) bool {
	for i, set := range topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(log.Topics) {
			return false
		}
		found := false
		for _, t := range set {
			if t == log.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inc("FilterLogs")
	if c.filterErr != nil {
		if err := c.filterErr(q); err != nil {
			return nil, err
		}
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if c.maxRange > 0 && to-from+1 > uint64(c.maxRange) {
		return nil, ethclient.ErrRangeTooLarge
	}
	var res []types.Log
	for _, log := range c.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && log.Address != q.Addresses[0] {
			continue
		}
		if !matchTopics(log, q.Topics) {
			continue
		}
		res = append(res, log)
	}
	return res, nil
}

func (c *fakeChain) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribe {
		return nil, rpc.ErrNotificationsUnsupported
	}
	c.inc("SubscribeFilterLogs")
	sub := &fakeSub{
		query: q,
		ch:    ch,
		errCh: make(chan error, 1),
		quit:  make(chan struct{}),
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// push delivers logs to the active subscriptions without adding them to the
// chain, so only subscribers see them.
func (c *fakeChain) push(logs ...types.Log) {
	c.mu.Lock()
	subs := append([]*fakeSub(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		for _, log := range logs {
			if len(sub.query.Addresses) > 0 && log.Address != sub.query.Addresses[0] {
				continue
			}
			if !matchTopics(log, sub.query.Topics) {
				continue
			}
			select {
			case sub.ch <- log:
			case <-sub.quit:
			}
		}
	}
}

// dropSubscriptions fails every active subscription with err.
func (c *fakeChain) dropSubscriptions(err error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.errCh <- err
	}
}

func (c *fakeChain) subscriptions() int {
	return c.count("SubscribeFilterLogs")
}

func (c *fakeChain) dispatch(handlers map[callKey]callHandler, msg ethereum.CallMsg) (callHandler, bool) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, false
	}
	h, ok := handlers[callKey{*msg.To, selector(msg.Data)}]
	return h, ok
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	h, ok := c.dispatch(c.calls, msg)
	c.inc("CallContract")
	c.mu.Unlock()
	if !ok {
		return nil, errNoHandler
	}
	return h(msg)
}

func (c *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	h, ok := c.dispatch(c.estimate, msg)
	c.inc("EstimateGas")
	c.mu.Unlock()
	if ok {
		if _, err := h(msg); err != nil {
			return 0, err
		}
	}
	return 100000, nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1e8), nil
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.inc("SendTransaction")
	c.nonce++
	c.sent = append(c.sent, tx)
	onMined := c.onMined
	head := c.head
	c.mu.Unlock()

	status := types.ReceiptStatusSuccessful
	if onMined != nil {
		status = onMined(tx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(uint64(head)),
	}
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func uintResult(v int64) []byte {
	return common.BigToHash(big.NewInt(v)).Bytes()
}

func revertWith(sig string) error {
	sel := bridgeabi.Selector(sig)
	return &ethclient.RevertError{Method: "eth_estimateGas", Message: "execution reverted", Data: sel[:]}
}

func messageHash(nonce int64) common.Hash {
	return crypto.Keccak256Hash(big.NewInt(nonce).Bytes(), []byte("message"))
}

func messageSentLog(t *testing.T, block uint64, index uint, from common.Address, nonce int64) types.Log {
	t.Helper()

	event := bridgeabi.L1MessageServiceABI.Events["MessageSent"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(10), big.NewInt(0), big.NewInt(nonce), []byte{0x01, 0x02})
	require.NoError(t, err)
	return types.Log{
		Address:     l1MessageService,
		Topics:      []common.Hash{event.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(destination.Bytes()), messageHash(nonce)},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      crypto.Keccak256Hash([]byte("l1"), big.NewInt(nonce).Bytes()),
	}
}

func inboxLog(t *testing.T, block uint64, index uint, hashes ...common.Hash) types.Log {
	t.Helper()

	event := bridgeabi.L2MessageServiceABI.Events["L1L2MessageHashesAddedToInbox"]
	raw := make([][32]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h
	}
	data, err := event.Inputs.NonIndexed().Pack(raw)
	require.NoError(t, err)
	return types.Log{
		Address:     l2MessageService,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      crypto.Keccak256Hash([]byte("l2"), big.NewInt(int64(block)).Bytes()),
	}
}

func treeChangedLog(block uint64, preRoot, postRoot int64) types.Log {
	event := bridgeabi.IdentityManagerABI.Events["TreeChanged"]
	return types.Log{
		Address: identityManager,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(preRoot)),
			common.BigToHash(big.NewInt(0)),
			common.BigToHash(big.NewInt(postRoot)),
		},
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash([]byte("tree"), big.NewInt(postRoot).Bytes()),
	}
}

func newLedger(t *testing.T) entity.MessagesRepo {
	t.Helper()

	repo, err := leveldb.OpenMessagesRepo(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, repo.Close())
	})
	return repo
}

// failingRepo fails UpsertPending with a persistence error while failUpserts
// is positive.
type failingRepo struct {
	entity.MessagesRepo
	mu          sync.Mutex
	failUpserts int
}

func (r *failingRepo) UpsertPending(ctx context.Context, msg *entity.Message) (bool, error) {
	r.mu.Lock()
	if r.failUpserts > 0 {
		r.failUpserts--
		r.mu.Unlock()
		return false, entity.ErrPersistence
	}
	r.mu.Unlock()
	return r.MessagesRepo.UpsertPending(ctx, msg)
}
