package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/contract"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/utils"
)

const (
	defaultSyncedThreshold          = 10
	defaultLogsChanCap              = 200
	defaultEventHandlersMapCap      = 4
	defaultPersistenceFailuresLimit = 5
	defaultMaxBlockRangeSize        = 1000
)

// ErrLedgerUnavailable is reported once ledger writes failed repeatedly.
var ErrLedgerUnavailable = errors.New("message ledger is unavailable")

// EventHandler processes a single decoded log. Errors wrapping
// entity.ErrPersistence abort the current block so that it is processed
// again later, errors wrapping ErrDecode drop the log, other errors are
// logged and the log is skipped.
type EventHandler func(ctx context.Context, log *entity.Log, data map[string]interface{}) error

type ContractMonitorOption func(m *ContractMonitor)

type logKey struct {
	txHash common.Hash
	index  uint
}

// WithTopicFilter restricts indexed event arguments, starting from topic1.
func WithTopicFilter(topics ...[]common.Hash) ContractMonitorOption {
	return func(m *ContractMonitor) {
		m.topicFilter = topics
	}
}

// WithSkipCatchUp makes CatchUp start from the current head without
// processing historical blocks.
func WithSkipCatchUp() ContractMonitorOption {
	return func(m *ContractMonitor) {
		m.skipCatchUp = true
	}
}

// WithFatalErrors reports persistence failures that repeated more than limit
// times in a row to the given channel.
func WithFatalErrors(ch chan<- error, limit uint) ContractMonitorOption {
	return func(m *ContractMonitor) {
		m.fatal = ch
		if limit > 0 {
			m.failuresLimit = limit
		}
	}
}

// ContractMonitor follows logs of one contract: a bounded catch-up over the
// lookback window followed by a live phase combining an optional
// subscription with periodic polling from the watermark.
type ContractMonitor struct {
	name          string
	chainID       string
	cfg           config.ListenerConfig
	logger        logging.Logger
	client        ethclient.Client
	contract      *contract.Contract
	eventHandlers map[string]EventHandler
	topicFilter   [][]common.Hash
	skipCatchUp   bool
	rangeSize     uint

	fatal         chan<- error
	failuresLimit uint
	failures      uint

	processMu    sync.Mutex
	liveLogs     map[logKey]uint
	stateMu      sync.RWMutex
	headBlock    uint
	watermark    uint
	hasWatermark bool

	syncedMetric         prometheus.Gauge
	headBlockMetric      prometheus.Gauge
	processedBlockMetric prometheus.Gauge
}

func NewContractMonitor(name string, logger logging.Logger, client ethclient.Client, chainID string, c *contract.Contract, cfg config.ListenerConfig, opts ...ContractMonitorOption) *ContractMonitor {
	commonLabels := prometheus.Labels{
		"monitor":  name,
		"chain_id": chainID,
		"address":  c.Address.String(),
	}
	m := &ContractMonitor{
		name:    name,
		chainID: chainID,
		cfg:     cfg,
		logger: logger.WithFields(logrus.Fields{
			"monitor":  name,
			"chain_id": chainID,
			"address":  c.Address,
		}),
		client:               client,
		contract:             c,
		eventHandlers:        make(map[string]EventHandler, defaultEventHandlersMapCap),
		liveLogs:             make(map[logKey]uint),
		rangeSize:            cfg.MaxBlockRangeSize,
		failuresLimit:        defaultPersistenceFailuresLimit,
		syncedMetric:         SyncedContract.With(commonLabels),
		headBlockMetric:      LatestHeadBlock.With(commonLabels),
		processedBlockMetric: LatestProcessedBlock.With(commonLabels),
	}
	if m.rangeSize == 0 {
		m.rangeSize = defaultMaxBlockRangeSize
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ContractMonitor) Name() string {
	return m.name
}

func (m *ContractMonitor) Address() common.Address {
	return m.contract.Address
}

func (m *ContractMonitor) RegisterEventHandler(event string, handler EventHandler) {
	m.eventHandlers[event] = handler
}

func (m *ContractMonitor) VerifyEventHandlersABI() error {
	events := m.contract.AllEvents()
	for e := range m.eventHandlers {
		if !events[e] {
			return fmt.Errorf("contract does not have %s event in its ABI", e)
		}
	}
	return nil
}

// Watermark returns the latest block whose logs were fully processed.
func (m *ContractMonitor) Watermark() (uint, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.watermark, m.hasWatermark
}

func (m *ContractMonitor) HeadBlock() uint {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.headBlock
}

func (m *ContractMonitor) IsSynced() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.hasWatermark && m.watermark+defaultSyncedThreshold > m.headBlock
}

func (m *ContractMonitor) advanceWatermark(block uint) {
	m.stateMu.Lock()
	if !m.hasWatermark || block > m.watermark {
		m.watermark = block
		m.hasWatermark = true
	}
	synced := m.watermark+defaultSyncedThreshold > m.headBlock
	watermark := m.watermark
	m.stateMu.Unlock()

	m.processedBlockMetric.Set(float64(watermark))
	if synced {
		m.syncedMetric.Set(1)
	} else {
		m.syncedMetric.Set(0)
	}
}

func (m *ContractMonitor) recordHeadBlockNumber(head uint) {
	m.stateMu.Lock()
	m.headBlock = head
	m.stateMu.Unlock()
	m.headBlockMetric.Set(float64(head))
}

// safeHead returns the latest block with enough confirmations.
func (m *ContractMonitor) safeHead(ctx context.Context) (uint, error) {
	head, err := m.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("can't fetch latest block number: %w", err)
	}
	if head < m.cfg.BlockConfirmations {
		head = 0
	} else {
		head -= m.cfg.BlockConfirmations
	}
	m.recordHeadBlockNumber(head)
	return head, nil
}

// CatchUp processes the lookback window up to the confirmed head, retrying
// failed ranges until it succeeds, ctx is cancelled or the ledger is found
// unavailable.
func (m *ContractMonitor) CatchUp(ctx context.Context) error {
	for {
		err := m.catchUp(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrLedgerUnavailable) {
			return err
		}
		m.logger.WithError(err).Error("catch-up failed, retrying")
		if !utils.ContextSleep(ctx, m.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

func (m *ContractMonitor) catchUp(ctx context.Context) error {
	head, err := m.safeHead(ctx)
	if err != nil {
		return err
	}
	if m.skipCatchUp {
		m.logger.WithField("head_block", head).Info("skipping catch-up, starting from the current head")
		m.advanceWatermark(head)
		return nil
	}

	from := uint(0)
	if head > m.cfg.LookbackBlocks {
		from = head - m.cfg.LookbackBlocks
	}
	if watermark, ok := m.Watermark(); ok && watermark >= from {
		from = watermark + 1
	}
	m.logger.WithFields(logrus.Fields{
		"from_block": from,
		"to_block":   head,
	}).Info("starting catch-up")
	if err = m.ProcessBlockRange(ctx, from, head); err != nil {
		return err
	}
	m.logger.WithField("head_block", head).Info("catch-up finished")
	return nil
}

// Run starts the live phase and blocks until ctx is cancelled. CatchUp must
// have completed before.
func (m *ContractMonitor) Run(ctx context.Context) {
	m.logger.Info("starting live logs tracking")
	if m.cfg.Subscribe {
		go m.runSubscription(ctx)
	}
	for utils.ContextSleep(ctx, m.cfg.PollInterval) {
		m.poll(ctx)
	}
}

func (m *ContractMonitor) poll(ctx context.Context) {
	head, err := m.safeHead(ctx)
	if err != nil {
		m.logger.WithError(err).Error("can't poll for new logs")
		return
	}
	from := uint(0)
	if watermark, ok := m.Watermark(); ok {
		from = watermark + 1
	}
	if head < from {
		return
	}
	if err = m.ProcessBlockRange(ctx, from, head); err != nil && ctx.Err() == nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"from_block": from,
			"to_block":   head,
		}).Error("failed to process new logs, will retry on the next poll")
	}
}

func (m *ContractMonitor) runSubscription(ctx context.Context) {
	for {
		ch := make(chan types.Log, defaultLogsChanCap)
		sub, err := m.client.SubscribeFilterLogs(ctx, m.filterQuery(nil, nil), ch)
		if err != nil {
			if errors.Is(err, rpc.ErrNotificationsUnsupported) {
				m.logger.Info("endpoints do not support subscriptions, relying on polling")
				return
			}
			m.logger.WithError(err).Warn("can't subscribe to logs, relying on polling")
			if !utils.ContextSleep(ctx, m.cfg.PollInterval) {
				return
			}
			continue
		}
		m.logger.Info("subscribed to new logs")
		if !m.consumeSubscription(ctx, sub, ch) {
			return
		}
	}
}

func (m *ContractMonitor) consumeSubscription(ctx context.Context, sub ethereum.Subscription, ch <-chan types.Log) bool {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-sub.Err():
			m.logger.WithError(err).Warn("logs subscription dropped, resubscribing")
			return utils.ContextSleep(ctx, m.cfg.PollInterval)
		case log := <-ch:
			if log.Removed {
				continue
			}
			// the watermark is left to the polling loop
			err := m.processLogs(ctx, []*entity.Log{entity.NewLog(m.chainID, log)}, 0, false)
			if err != nil {
				m.logger.WithError(err).Warn("failed to process subscribed log, polling will pick it up")
			}
		}
	}
}

func (m *ContractMonitor) filterQuery(from, to *big.Int) ethereum.FilterQuery {
	ids := make([]common.Hash, 0, len(m.eventHandlers))
	for _, event := range m.contract.ABI().Events {
		if _, ok := m.eventHandlers[event.String()]; ok {
			ids = append(ids, event.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Big().Cmp(ids[j].Big()) < 0
	})
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{m.contract.Address},
		Topics:    append([][]common.Hash{ids}, m.topicFilter...),
	}
}

func (m *ContractMonitor) fetchLogs(ctx context.Context, from, to uint) ([]*entity.Log, error) {
	q := m.filterQuery(new(big.Int).SetUint64(uint64(from)), new(big.Int).SetUint64(uint64(to)))
	logs, err := m.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	res := make([]*entity.Log, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		res = append(res, entity.NewLog(m.chainID, log))
	}
	m.logger.WithFields(logrus.Fields{
		"count":      len(res),
		"from_block": from,
		"to_block":   to,
	}).Debug("fetched logs in range")
	return res, nil
}

func (m *ContractMonitor) blockRangeSize() uint {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.rangeSize
}

// ProcessBlockRange fetches and dispatches all matching logs in the inclusive
// block range, advancing the watermark block by block. Ranges rejected by the
// endpoint as too large are halved until accepted.
func (m *ContractMonitor) ProcessBlockRange(ctx context.Context, from, to uint) error {
	for _, r := range SplitBlockRange(from, to, m.blockRangeSize()) {
		logs, err := m.fetchLogs(ctx, r.From, r.To)
		if errors.Is(err, ethclient.ErrRangeTooLarge) && r.To > r.From {
			size := (r.To - r.From + 1) / 2
			m.stateMu.Lock()
			m.rangeSize = size
			m.stateMu.Unlock()
			m.logger.WithFields(logrus.Fields{
				"from_block": r.From,
				"to_block":   r.To,
				"range_size": size,
			}).Warn("block range is too large, shrinking")
			return m.ProcessBlockRange(ctx, r.From, to)
		}
		if err != nil {
			return fmt.Errorf("can't fetch logs in range %d-%d: %w", r.From, r.To, err)
		}
		if err = m.processLogs(ctx, logs, r.To, true); err != nil {
			return err
		}
	}
	return nil
}

// processLogs dispatches logs in (block, log index) order. When advance is set,
// the watermark moves past every fully processed block and finally to endBlock.
//
// Every log is dispatched once even when both the subscription and the
// polling loop deliver it: logs taken from the subscription are remembered
// until the watermark passes them.
func (m *ContractMonitor) processLogs(ctx context.Context, logs []*entity.Log, endBlock uint, advance bool) error {
	m.processMu.Lock()
	defer m.processMu.Unlock()

	if advance {
		defer m.forgetLiveLogs()
	}
	logs = m.skipDispatched(logs, advance)
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Less(logs[j])
	})
	for _, batch := range SplitLogsInBatches(logs) {
		if err := m.processBatch(ctx, batch); err != nil {
			if advance && batch.BlockNumber > 0 {
				m.advanceWatermark(batch.BlockNumber - 1)
			}
			return m.recordPersistenceFailure(err)
		}
		if advance {
			m.advanceWatermark(batch.BlockNumber)
		}
	}
	if advance {
		m.advanceWatermark(endBlock)
	} else {
		for _, log := range logs {
			m.liveLogs[logKey{log.TransactionHash, log.LogIndex}] = log.BlockNumber
		}
	}
	m.failures = 0
	return nil
}

// skipDispatched drops polled logs already taken from the subscription, and
// subscribed logs the watermark has already passed.
func (m *ContractMonitor) skipDispatched(logs []*entity.Log, advance bool) []*entity.Log {
	watermark, hasWatermark := m.Watermark()
	res := make([]*entity.Log, 0, len(logs))
	for _, log := range logs {
		if _, ok := m.liveLogs[logKey{log.TransactionHash, log.LogIndex}]; ok {
			continue
		}
		if !advance && hasWatermark && log.BlockNumber <= watermark {
			continue
		}
		res = append(res, log)
	}
	return res
}

func (m *ContractMonitor) forgetLiveLogs() {
	watermark, ok := m.Watermark()
	if !ok {
		return
	}
	for key, block := range m.liveLogs {
		if block <= watermark {
			delete(m.liveLogs, key)
		}
	}
}

func (m *ContractMonitor) processBatch(ctx context.Context, batch *LogsBatch) error {
	for _, log := range batch.Logs {
		logger := m.logger.WithFields(logrus.Fields{
			"block_number": log.BlockNumber,
			"log_index":    log.LogIndex,
			"tx_hash":      log.TransactionHash,
		})
		event, data, err := m.contract.ParseLog(log)
		if err != nil {
			logger.WithError(err).Warn("can't decode log, skipping")
			ProcessedEvents.WithLabelValues(m.name, "unknown", "decode_error").Inc()
			continue
		}
		handle, ok := m.eventHandlers[event]
		if !ok {
			logger.WithField("event", event).Debug("no handler for event, skipping")
			continue
		}
		err = handle(logging.WithLogger(ctx, logger), log, data)
		switch {
		case err == nil:
			ProcessedEvents.WithLabelValues(m.name, event, "ok").Inc()
		case errors.Is(err, ErrDecode):
			logger.WithError(err).Warn("malformed event, skipping")
			ProcessedEvents.WithLabelValues(m.name, event, "decode_error").Inc()
		case errors.Is(err, entity.ErrPersistence):
			ProcessedEvents.WithLabelValues(m.name, event, "persistence_error").Inc()
			return fmt.Errorf("can't handle log %s:%d: %w", log.TransactionHash, log.LogIndex, err)
		default:
			logger.WithError(err).Error("failed to handle event, skipping")
			ProcessedEvents.WithLabelValues(m.name, event, "error").Inc()
		}
	}
	return nil
}

// recordPersistenceFailure counts consecutive ledger failures. Once the limit
// is reached the failure is escalated and reported as ErrLedgerUnavailable.
func (m *ContractMonitor) recordPersistenceFailure(err error) error {
	m.failures++
	if m.failures < m.failuresLimit {
		return err
	}
	fatalErr := fmt.Errorf("%w: %s: ledger writes failed %d times in a row: %w", ErrLedgerUnavailable, m.name, m.failures, err)
	if m.fatal != nil {
		select {
		case m.fatal <- fatalErr:
		default:
		}
	}
	return fatalErr
}

func (m *ContractMonitor) String() string {
	return fmt.Sprintf("%s(%s@%s)", m.name, m.contract.Address, m.chainID)
}
