package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/contract"
	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/utils"
)

var ErrPropagationReverted = errors.New("root propagation reverted")

const (
	PropagationReasonInitial     = "initial"
	PropagationReasonTreeChanged = "tree_changed"
	PropagationReasonScheduled   = "scheduled"
	PropagationReasonManual      = "manual"
)

type PropagationState struct {
	InProgress    bool        `json:"inProgress"`
	LastAttemptAt time.Time   `json:"lastAttemptAt"`
	LastSuccessAt time.Time   `json:"lastSuccessAt"`
	LastTxHash    common.Hash `json:"lastTxHash"`
	LastRoot      *big.Int    `json:"lastRoot"`
	LastError     string      `json:"lastError,omitempty"`
}

// RootPropagator submits propagateRoot transactions to the L1 state bridge.
// Triggers arriving while a propagation is queued are coalesced into it.
type RootPropagator struct {
	logger      logging.Logger
	cfg         *config.PropagationConfig
	stateBridge *contract.StateBridge
	l1Roots     *contract.RootSource
	l2Roots     *contract.RootSource
	transactor  *ethclient.Transactor
	policy      ethclient.RetryPolicy
	trigger     chan string

	mu      sync.Mutex
	stateMu sync.RWMutex
	state   PropagationState
}

func NewRootPropagator(logger logging.Logger, cfg *config.PropagationConfig, stateBridge *contract.StateBridge, l1Roots, l2Roots *contract.RootSource, transactor *ethclient.Transactor) *RootPropagator {
	return &RootPropagator{
		logger:      logger.WithField("component", "propagator"),
		cfg:         cfg,
		stateBridge: stateBridge,
		l1Roots:     l1Roots,
		l2Roots:     l2Roots,
		transactor:  transactor,
		policy: ethclient.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			Backoff:     cfg.RetryBackoff,
		},
		trigger: make(chan string, 1),
	}
}

func (p *RootPropagator) State() PropagationState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	state := p.state
	if state.LastRoot != nil {
		state.LastRoot = new(big.Int).Set(state.LastRoot)
	}
	return state
}

func (p *RootPropagator) updateState(f func(s *PropagationState)) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	f(&p.state)
}

// Trigger requests a propagation. It never blocks: when one is already
// queued, the request is merged into it.
func (p *RootPropagator) Trigger(reason string) bool {
	select {
	case p.trigger <- reason:
		return true
	default:
		p.logger.WithField("reason", reason).Debug("propagation is already queued")
		return false
	}
}

// Run executes queued propagations until ctx is cancelled. A propagation in
// flight when ctx is cancelled gets drain to finish.
func (p *RootPropagator) Run(ctx context.Context, drain time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-p.trigger:
			runCtx, cancel := utils.WithDrain(ctx, drain)
			if err := p.Propagate(runCtx, reason); err != nil && runCtx.Err() == nil {
				p.logger.WithError(err).WithField("reason", reason).Error("root propagation failed")
			}
			cancel()
		}
	}
}

// HandleTreeChanged queues a propagation for every root change in the L1
// identity registry, unless the new root was already propagated.
func (p *RootPropagator) HandleTreeChanged(ctx context.Context, _ *entity.Log, data map[string]interface{}) error {
	change, err := unmarshalTreeChanged(data)
	if err != nil {
		return err
	}
	logger := logging.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"pre_root":  change.PreRoot,
		"post_root": change.PostRoot,
		"kind":      change.Kind,
	})
	if last := p.State().LastRoot; last != nil && last.Cmp(change.PostRoot) == 0 {
		logger.Info("identity tree changed, root is already propagated")
		return nil
	}
	logger.Info("identity tree changed")
	p.Trigger(PropagationReasonTreeChanged)
	return nil
}

// NeedsInitialPropagation reports whether L2 has not received any root yet.
func (p *RootPropagator) NeedsInitialPropagation(ctx context.Context) (bool, error) {
	root, err := p.latestRoot(ctx, p.l2Roots)
	if err != nil {
		return false, fmt.Errorf("can't read l2 root: %w", err)
	}
	return root.Sign() == 0, nil
}

func (p *RootPropagator) latestRoot(ctx context.Context, src *contract.RootSource) (root *big.Int, err error) {
	err = ethclient.Retry(ctx, p.policy, func(ctx context.Context) (err error) {
		root, err = src.LatestRoot(ctx)
		return
	})
	return
}

// CheckAndPropagate compares the L1 registry root with the L2 root and
// propagates when they differ and the L1 root was not propagated yet.
func (p *RootPropagator) CheckAndPropagate(ctx context.Context) error {
	l1Root, err := p.latestRoot(ctx, p.l1Roots)
	if err != nil {
		return fmt.Errorf("can't read l1 root: %w", err)
	}
	l2Root, err := p.latestRoot(ctx, p.l2Roots)
	if err != nil {
		return fmt.Errorf("can't read l2 root: %w", err)
	}
	logger := p.logger.WithFields(logrus.Fields{
		"l1_root": l1Root,
		"l2_root": l2Root,
	})
	if l1Root.Cmp(l2Root) == 0 {
		PropagatedRootMismatch.Set(0)
		logger.Debug("roots are in sync")
		return nil
	}
	PropagatedRootMismatch.Set(1)
	if last := p.State().LastRoot; last != nil && last.Cmp(l1Root) == 0 {
		logger.Info("root is already propagated, waiting for l2 delivery")
		return nil
	}
	return p.Propagate(ctx, PropagationReasonScheduled)
}

func (p *RootPropagator) fee(ctx context.Context) (*big.Int, error) {
	if p.cfg.FixedFee != nil {
		return p.cfg.FixedFee, nil
	}
	var fee *big.Int
	err := ethclient.Retry(ctx, p.policy, func(ctx context.Context) (err error) {
		fee, err = p.stateBridge.FeePropagateRoot(ctx)
		return
	})
	return fee, err
}

// Propagate submits a single propagateRoot transaction and waits for it to
// be mined. Calls are serialized.
func (p *RootPropagator) Propagate(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updateState(func(s *PropagationState) {
		s.InProgress = true
		s.LastAttemptAt = time.Now()
	})
	root, err := p.propagate(ctx, p.logger.WithField("reason", reason))
	p.updateState(func(s *PropagationState) {
		s.InProgress = false
		if err != nil {
			s.LastError = err.Error()
			return
		}
		s.LastError = ""
		s.LastSuccessAt = time.Now()
		s.LastRoot = root
	})
	if err != nil {
		PropagationAttempts.WithLabelValues("failed").Inc()
		return err
	}
	PropagationAttempts.WithLabelValues("ok").Inc()
	return nil
}

func (p *RootPropagator) propagate(ctx context.Context, logger logging.Logger) (*big.Int, error) {
	root, err := p.latestRoot(ctx, p.l1Roots)
	if err != nil {
		logger.WithError(err).Warn("can't read l1 root before propagation")
		root = nil
	}
	fee, err := p.fee(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get propagation fee: %w", err)
	}
	data, err := p.stateBridge.PackPropagateRoot()
	if err != nil {
		return nil, err
	}
	logger = logger.WithFields(logrus.Fields{
		"fee":  fee,
		"root": root,
	})

	gas, err := p.transactor.EstimateGas(ctx, p.stateBridge.Address, data, fee, p.cfg.GasLimitBufferPercent)
	if err != nil {
		if revert, ok := ethclient.AsRevert(err); ok {
			_, name := bridgeabi.ClassifyRevert(revert.Data)
			logger.WithError(err).WithField("revert", name).Error("propagation would revert, the fee may not match the bridge requirements")
			return nil, fmt.Errorf("%w: %w", ErrPropagationReverted, err)
		}
		return nil, fmt.Errorf("can't estimate propagation gas: %w", err)
	}

	tx, err := p.transactor.Send(ctx, p.stateBridge.Address, data, fee, gas)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("tx_hash", tx.Hash())
	logger.Info("submitted root propagation")
	p.updateState(func(s *PropagationState) {
		s.LastTxHash = tx.Hash()
	})

	receipt, err := p.transactor.WaitMined(ctx, tx.Hash(), p.cfg.ReceiptTimeout)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		revert, rerr := p.transactor.RevertReason(ctx, tx, receipt)
		if rerr != nil {
			logger.WithError(rerr).Warn("can't obtain revert reason")
		}
		if revert != nil {
			_, name := bridgeabi.ClassifyRevert(revert.Data)
			logger = logger.WithField("revert", name)
		}
		logger.Error("root propagation transaction reverted")
		return nil, fmt.Errorf("%w: transaction %s", ErrPropagationReverted, tx.Hash())
	}
	logger.WithField("block_number", receipt.BlockNumber).Info("root propagation mined")
	return root, nil
}
