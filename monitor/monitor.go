package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/contract"
	"github.com/linea-world-id/state-bridge-relayer/contract/bridgeabi"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/scheduler"
	"github.com/linea-world-id/state-bridge-relayer/utils"
)

const (
	L1ListenerName      = "l1_message_service"
	L2MonitorName       = "l2_message_service"
	RegistryMonitorName = "identity_manager"

	claimJobName       = "claim"
	propagationJobName = "propagation_check"
)

type ListenerStatus struct {
	Name      string         `json:"name"`
	ChainID   string         `json:"chainId"`
	Address   common.Address `json:"address"`
	HeadBlock uint           `json:"headBlock"`
	Watermark *uint          `json:"watermark"`
	Synced    bool           `json:"synced"`
}

type Status struct {
	Listeners    []*ListenerStatus             `json:"listeners"`
	Propagation  PropagationState              `json:"propagation"`
	LastClaimRun *ClaimRunSummary              `json:"lastClaimRun"`
	Messages     map[entity.MessageStatus]uint `json:"messages"`
}

// Relayer wires the listeners, the root propagator and the claim engine
// around a shared message ledger.
type Relayer struct {
	cfg             *config.Config
	logger          logging.Logger
	repo            entity.MessagesRepo
	l1Listener      *ContractMonitor
	l2Monitor       *ContractMonitor
	registryMonitor *ContractMonitor
	propagator      *RootPropagator
	claimer         *ClaimEngine
	scheduler       *scheduler.Scheduler
	fatal           chan error
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

func parseChainID(chain *config.ChainConfig) (*big.Int, error) {
	id, ok := new(big.Int).SetString(chain.ChainID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id %q", chain.ChainID)
	}
	return id, nil
}

func NewRelayer(logger logging.Logger, cfg *config.Config, repo entity.MessagesRepo, l1Client, l2Client ethclient.Client) (*Relayer, error) {
	l1ChainID, err := parseChainID(cfg.L1.Chain)
	if err != nil {
		return nil, err
	}
	l2ChainID, err := parseChainID(cfg.L2.Chain)
	if err != nil {
		return nil, err
	}
	fatal := make(chan error, 1)

	l1Transactor := ethclient.NewTransactor(l1Client, l1ChainID, cfg.Signer.Key, ethclient.RetryPolicy{
		MaxAttempts: cfg.Propagation.MaxRetries,
		Backoff:     cfg.Propagation.RetryBackoff,
	})
	l2Transactor := ethclient.NewTransactor(l2Client, l2ChainID, cfg.Signer.Key, ethclient.RetryPolicy{
		MaxAttempts: cfg.Claim.MaxRetries,
		Backoff:     cfg.Claim.RetryBackoff,
	})

	ledger := NewLedgerEventHandler(repo)
	l1Listener := NewContractMonitor(L1ListenerName, logger, l1Client, cfg.L1.Chain.ChainID,
		contract.NewContract(l1Client, cfg.L1.MessageServiceAddress, bridgeabi.L1MessageServiceABI),
		cfg.L1.ListenerConfig,
		WithTopicFilter([]common.Hash{common.BytesToHash(cfg.L1.StateBridgeAddress.Bytes())}),
		WithFatalErrors(fatal, 0),
	)
	l1Listener.RegisterEventHandler(bridgeabi.MessageSent, ledger.HandleMessageSent)

	l2Monitor := NewContractMonitor(L2MonitorName, logger, l2Client, cfg.L2.Chain.ChainID,
		contract.NewContract(l2Client, cfg.L2.MessageServiceAddress, bridgeabi.L2MessageServiceABI),
		cfg.L2.ListenerConfig,
		WithFatalErrors(fatal, 0),
	)
	l2Monitor.RegisterEventHandler(bridgeabi.L1L2MessageHashesAddedToInbox, ledger.HandleMessageHashesAddedToInbox)

	propagator := NewRootPropagator(logger, cfg.Propagation,
		contract.NewStateBridge(l1Client, cfg.L1.StateBridgeAddress),
		contract.NewIdentityManager(l1Client, cfg.L1.IdentityManagerAddress),
		contract.NewWorldID(l2Client, cfg.L2.WorldIDAddress),
		l1Transactor,
	)
	registryMonitor := NewContractMonitor(RegistryMonitorName, logger, l1Client, cfg.L1.Chain.ChainID,
		contract.NewContract(l1Client, cfg.L1.IdentityManagerAddress, bridgeabi.IdentityManagerABI),
		cfg.L1.ListenerConfig,
		WithSkipCatchUp(),
	)
	registryMonitor.RegisterEventHandler(bridgeabi.TreeChanged, propagator.HandleTreeChanged)

	for _, m := range []*ContractMonitor{l1Listener, l2Monitor, registryMonitor} {
		if err = m.VerifyEventHandlersABI(); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name(), err)
		}
	}

	claimer := NewClaimEngine(logger, cfg.Claim, repo,
		contract.NewL2MessageService(l2Client, cfg.L2.MessageServiceAddress),
		l2Transactor,
	)

	sched := scheduler.New(logger, cfg.ShutdownTimeout)
	err = sched.Add(&scheduler.Job{
		Name:     claimJobName,
		Schedule: cfg.Claim.Schedule,
		Timeout:  cfg.Claim.Timeout,
		Func:     claimer.Run,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Propagation.Schedule != "" {
		err = sched.Add(&scheduler.Job{
			Name:     propagationJobName,
			Schedule: cfg.Propagation.Schedule,
			Timeout:  2 * cfg.Propagation.ReceiptTimeout,
			Func:     propagator.CheckAndPropagate,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Relayer{
		cfg:             cfg,
		logger:          logger,
		repo:            repo,
		l1Listener:      l1Listener,
		l2Monitor:       l2Monitor,
		registryMonitor: registryMonitor,
		propagator:      propagator,
		claimer:         claimer,
		scheduler:       sched,
		fatal:           fatal,
		cancel:          func() {},
	}, nil
}

func (r *Relayer) monitors() []*ContractMonitor {
	return []*ContractMonitor{r.l1Listener, r.l2Monitor, r.registryMonitor}
}

// Start runs the catch-up of every listener concurrently and, once all of
// them finished, switches them to live tracking and starts the scheduled jobs.
// A listener failing its catch-up, e.g. with ErrLedgerUnavailable, interrupts
// the others and Start returns its error.
func (r *Relayer) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("starting state bridge relayer")

	g := new(multierror.Group)
	for _, m := range r.monitors() {
		m := m
		g.Go(func() error {
			err := m.CatchUp(ctx)
			if err != nil {
				r.cancel()
			}
			return err
		})
	}
	if err := g.Wait().ErrorOrNil(); err != nil {
		r.cancel()
		return fmt.Errorf("catch-up interrupted: %w", err)
	}
	r.logger.Info("all listeners caught up")

	for _, m := range r.monitors() {
		m := m
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			m.Run(ctx)
		}()
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.propagator.Run(ctx, r.cfg.ShutdownTimeout)
	}()
	go func() {
		defer r.wg.Done()
		r.initialPropagation(ctx)
	}()
	r.scheduler.Start(ctx)
	return nil
}

func (r *Relayer) initialPropagation(ctx context.Context) {
	if !utils.ContextSleep(ctx, r.cfg.Propagation.InitDelay) {
		return
	}
	needed, err := r.propagator.NeedsInitialPropagation(ctx)
	if err != nil {
		r.logger.WithError(err).Error("can't check whether initial propagation is needed")
		return
	}
	if needed {
		r.logger.Info("l2 has no root yet, requesting initial propagation")
		r.propagator.Trigger(PropagationReasonInitial)
	}
}

// Stop cancels all background work and waits for it to finish. Running
// propagations and claim runs get the shutdown timeout to complete.
func (r *Relayer) Stop() {
	r.logger.Info("stopping state bridge relayer")
	r.cancel()
	r.scheduler.Stop()
	r.wg.Wait()
}

// Errors delivers failures after which the relayer can't make progress.
func (r *Relayer) Errors() <-chan error {
	return r.fatal
}

func (r *Relayer) ProcessBlockRange(ctx context.Context, l1 bool, fromBlock, toBlock uint) error {
	if l1 {
		return r.l1Listener.ProcessBlockRange(ctx, fromBlock, toBlock)
	}
	return r.l2Monitor.ProcessBlockRange(ctx, fromBlock, toBlock)
}

func (r *Relayer) Propagator() *RootPropagator {
	return r.propagator
}

func (r *Relayer) ClaimEngine() *ClaimEngine {
	return r.claimer
}

func (r *Relayer) IsSynced() bool {
	for _, m := range r.monitors() {
		if !m.IsSynced() {
			return false
		}
	}
	return true
}

func (r *Relayer) Status(ctx context.Context) (*Status, error) {
	counts, err := r.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Propagation:  r.propagator.State(),
		LastClaimRun: r.claimer.LastRun(),
		Messages:     counts,
	}
	for _, m := range r.monitors() {
		ls := &ListenerStatus{
			Name:      m.Name(),
			ChainID:   m.chainID,
			Address:   m.Address(),
			HeadBlock: m.HeadBlock(),
			Synced:    m.IsSynced(),
		}
		if watermark, ok := m.Watermark(); ok {
			ls.Watermark = &watermark
		}
		status.Listeners = append(status.Listeners, ls)
	}
	return status, nil
}
