package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/monitor"
	"github.com/linea-world-id/state-bridge-relayer/repository"
)

func main() {
	logger := logging.New()

	cfg, err := config.ReadConfigFromFile("config.yml")
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
		cancel()
		logger.Warn("caught CTRL-C, gracefully terminating")
	}()

	repo, err := repository.OpenMessagesRepo(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("can't open message ledger")
	}
	defer repo.Close()

	l1Client, err := ethclient.DialPool(ctx, cfg.L1.Chain, logger.WithField("chain", cfg.L1.ChainName))
	if err != nil {
		logger.WithError(err).Fatal("can't dial l1 rpc endpoints")
	}
	l2Client, err := ethclient.DialPool(ctx, cfg.L2.Chain, logger.WithField("chain", cfg.L2.ChainName))
	if err != nil {
		logger.WithError(err).Fatal("can't dial l2 rpc endpoints")
	}

	relayer, err := monitor.NewRelayer(logger, cfg, repo, l1Client, l2Client)
	if err != nil {
		logger.WithError(err).Fatal("can't initialize relayer")
	}

	propagator := relayer.Propagator()
	if err = propagator.Propagate(ctx, monitor.PropagationReasonManual); err != nil {
		logger.WithError(err).Fatal("root propagation failed")
	}
	state := propagator.State()
	logger.WithField("tx_hash", state.LastTxHash).WithField("root", state.LastRoot).Info("root propagated")
}
