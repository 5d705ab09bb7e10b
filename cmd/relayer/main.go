package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/ethclient"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/monitor"
	"github.com/linea-world-id/state-bridge-relayer/presenter"
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

	repo, err := repository.OpenMessagesRepo(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("can't open message ledger")
	}
	defer repo.Close()

	if cfg.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(cfg.Metrics.Host, mux)
			if err != nil {
				logger.WithError(err).Fatal("can't start listener for prometheus metrics")
			}
		}()
	}

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

	if cfg.Presenter != nil {
		pr := presenter.NewPresenter(logger, repo, relayer, cfg.L1.Chain.ChainID)
		go func() {
			err := pr.Serve(cfg.Presenter.Host)
			if err != nil {
				logger.WithError(err).Fatal("can't serve presenter")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Warn("caught termination signal, gracefully terminating")
		cancel()
	}()

	if err = relayer.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		repo.Close()
		logger.WithError(err).Fatal("can't start relayer")
	}

	select {
	case <-ctx.Done():
		relayer.Stop()
	case err = <-relayer.Errors():
		logger.WithError(err).Error("relayer can't make progress, terminating")
		relayer.Stop()
		repo.Close()
		os.Exit(1)
	}
}
