package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/monitor"
	"github.com/linea-world-id/state-bridge-relayer/repository"
)

var (
	l1        = flag.Bool("l1", false, "reprocess l1 MessageSent events")
	l2        = flag.Bool("l2", false, "reprocess l2 inbox events")
	fromBlock = flag.Uint("fromBlock", 0, "starting block")
	toBlock   = flag.Uint("toBlock", 0, "ending block")
)

func main() {
	flag.Parse()

	logger := logging.New()

	cfg, err := config.ReadConfigFromFile("config.yml")
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	if *l1 == *l2 {
		logger.Fatal("exactly one of --l1 or --l2 should be specified")
	}
	if *toBlock == 0 {
		logger.Fatal("toBlock is not specified")
	}
	if *toBlock < *fromBlock {
		logger.WithFields(logrus.Fields{
			"from_block": *fromBlock,
			"to_block":   *toBlock,
		}).Fatal("toBlock < fromBlock")
	}

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

	err = relayer.ProcessBlockRange(ctx, *l1, *fromBlock, *toBlock)
	if err != nil {
		logger.WithError(err).Fatal("can't manually process block range")
	}
	logger.WithFields(logrus.Fields{
		"from_block": *fromBlock,
		"to_block":   *toBlock,
	}).Info("block range processed")
}
