// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/btcsuite/walletscan/wallet"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	dbTimeout = 10 * time.Second

	// statusInterval is how often scan progress is logged.
	statusInterval = time.Minute
)

var (
	cfg *config
)

func main() {
	// Work around defer not working after os.Exit.
	if err := walletScanMain(); err != nil {
		os.Exit(1)
	}
}

// walletScanMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit.  Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func walletScanMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	netDir := filepath.Join(cfg.AppDataDir.Value, activeNet.Params.Name)
	if err := os.MkdirAll(netDir, 0700); err != nil {
		log.Errorf("Unable to create data directory: %v", err)
		return err
	}

	db, err := openOrCreateDB(filepath.Join(netDir, scanDbName))
	if err != nil {
		log.Errorf("Unable to open scan database: %v", err)
		return err
	}
	defer db.Close()

	index, err := utxoindex.Open(utxoindex.Config{
		DB:    db,
		Clock: clock.NewDefaultClock(),
	})
	if err != nil {
		log.Errorf("Unable to open UTXO index: %v", err)
		return err
	}
	store, err := wallet.NewStateStore(db)
	if err != nil {
		log.Errorf("Unable to open scan state: %v", err)
		return err
	}

	chainClient, cleanup, err := startChainClient(netDir)
	if err != nil {
		log.Errorf("Unable to start chain backend: %v", err)
		return err
	}
	defer cleanup()

	registry := prometheus.NewRegistry()
	metrics := wallet.NewMetrics(registry)
	if cfg.MetricsListen != "" {
		go serveMetrics(registry)
	}

	scanner := wallet.NewScanner(wallet.ScannerConfig{
		Headers:      chainClient,
		Index:        index,
		PollInterval: cfg.PollInterval,
	})
	list, err := wallet.NewBalanceList(wallet.Config{
		Chain:        chainClient,
		ChainParams:  activeNet.Params,
		Index:        index,
		Filters:      chain.NewFilterCache(chainClient, cfg.FilterCacheSize),
		Scanner:      scanner,
		Store:        store,
		Metrics:      metrics,
		FilterType:   wire.GCSFilterRegular,
		BatchSize:    cfg.BatchSize,
		RescanWindow: cfg.RescanWindow,
	})
	if err != nil {
		return err
	}

	nym := keys.NymID(cfg.Nym)
	tree := list.Tree(nym)
	for _, xpub := range cfg.XPubs {
		acct, err := tree.AddHDAccount(xpub, cfg.Lookahead)
		if err != nil {
			log.Errorf("Unable to add account: %v", err)
			scanner.Stop()
			return err
		}
		log.Infof("Scanning account %v for %q", acct.ID(), nym)
	}

	signals, stopSignals := notifyShutdown()
	defer stopSignals()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scanner.Start(ctx); err != nil {
		return err
	}
	go logStatus(ctx, scanner, list)

	err = waitForShutdown(scanner, signals)
	cancel()
	if err != nil {
		log.Errorf("Scanner stopped with error: %v", err)
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

// openOrCreateDB opens the bolt database at path, creating it first if it
// does not exist.
func openOrCreateDB(path string) (walletdb.DB, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return walletdb.Create("bdb", path, true, dbTimeout, false)
	}
	return walletdb.Open("bdb", path, true, dbTimeout, false)
}

// startChainClient connects to the configured backend.  The returned cleanup
// stops it.
func startChainClient(netDir string) (chain.Interface, func(), error) {
	if cfg.UseSPV {
		spvdb, err := openOrCreateDB(filepath.Join(netDir, neutrinoDbName))
		if err != nil {
			return nil, nil, err
		}
		chainService, err := neutrino.NewChainService(neutrino.Config{
			DataDir:      netDir,
			Database:     spvdb,
			ChainParams:  *activeNet.Params,
			ConnectPeers: cfg.ConnectPeers,
			AddPeers:     cfg.AddPeers,
		})
		if err != nil {
			spvdb.Close()
			return nil, nil, err
		}

		client := chain.NewNeutrinoClient(activeNet.Params, chainService)
		if err := client.Start(); err != nil {
			spvdb.Close()
			return nil, nil, err
		}
		return client, func() {
			client.Stop()
			client.WaitForShutdown()
			spvdb.Close()
		}, nil
	}

	log.Infof("Attempting RPC client connection to %v", cfg.RPCConnect)
	client, err := chain.NewRPCClient(activeNet.Params, cfg.RPCConnect,
		cfg.BtcdUsername, cfg.BtcdPassword, readCAFile(),
		cfg.DisableClientTLS)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Start(); err != nil {
		return nil, nil, err
	}
	return client, func() {
		client.Stop()
		client.WaitForShutdown()
	}, nil
}

func readCAFile() []byte {
	// Read certificate file if TLS is not disabled.
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile.Value)
		if err != nil {
			log.Warnf("Cannot open CA file: %v", err)
			// If there's an error reading the CA file, continue
			// with nil certs and without the client connection.
			certs = nil
		}
	} else {
		log.Info("Chain server RPC TLS is disabled")
	}

	return certs
}

func serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	log.Infof("Metrics server listening on %s", cfg.MetricsListen)
	err := http.ListenAndServe(cfg.MetricsListen, mux)
	log.Errorf("Metrics server stopped: %v", err)
}

// logStatus periodically logs the progress of every subchain and the
// balances found so far.
func logStatus(ctx context.Context, scanner *wallet.Scanner,
	list *wallet.BalanceList) {

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		for _, status := range scanner.Statuses() {
			if status.Stalled() {
				log.Infof("Account %v %v: %v", status.Account,
					status.Subchain, status)
				continue
			}
			log.Debugf("Account %v %v: %v", status.Account,
				status.Subchain, status)
		}
		for _, nym := range list.Nyms() {
			log.Infof("Balance of %q: %v", nym, list.NymBalance(nym))
		}
	}
}
