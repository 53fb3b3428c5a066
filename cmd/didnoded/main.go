// Command didnoded is C13, this node's entry point: it wires the
// transaction store, rate limiter, batch writer, operation processor,
// observer, and resolver together and runs until interrupted. Grounded
// on the teacher's kasparov/kasparovserver/main.go and apiserver/main.go
// shape: parse config, connect durable stores, start the background
// loop and the HTTP server, block on signal.InterruptListener.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/decentralized-identity/sidetree-sub007/app/observer"
	"github.com/decentralized-identity/sidetree-sub007/app/resolver"
	"github.com/decentralized-identity/sidetree-sub007/config"
	"github.com/decentralized-identity/sidetree-sub007/domain/batchwriter"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
	"github.com/decentralized-identity/sidetree-sub007/domain/processor"
	"github.com/decentralized-identity/sidetree-sub007/domain/ratelimiter"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/download"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/txstore"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/txstore/leveldbstore"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/txstore/sqlstore"
	"github.com/decentralized-identity/sidetree-sub007/logger"
	"github.com/decentralized-identity/sidetree-sub007/signal"
	"github.com/decentralized-identity/sidetree-sub007/util/panics"
)

var log, _ = logger.Get(logger.SubsystemTags.CONF)

func main() {
	defer panics.HandlePanic(log, nil)

	cfg, err := config.Parse(defaultAppDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing command-line arguments: %s\n", err)
		os.Exit(1)
	}

	store, closeStore, err := openTxStore(cfg)
	if err != nil {
		panic(fmt.Errorf("error opening transaction store: %s", err))
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Errorf("error closing transaction store: %s", err)
		}
	}()

	chainClient, err := newBlockchainClient(cfg)
	if err != nil {
		panic(fmt.Errorf("error constructing blockchain client: %s", err))
	}
	casClient, err := newCASClient(cfg)
	if err != nil {
		panic(fmt.Errorf("error constructing CAS client: %s", err))
	}

	code := uint64(cfg.HashAlgorithmInMultihashCode)
	enc := multihash.Base58BTC

	proc := processor.New(code, enc)

	limiter := ratelimiter.New(cfg.MaxNumberOfOperationsPerTransactionTime)

	queue := batchwriter.NewQueue()
	writer := batchwriter.New(chainClient, casClient, queue, batchwriter.Config{
		MaxOperationsPerBatch:  cfg.MaxOperationsPerBatch,
		FeeMultiplier:          cfg.NormalizedFeeToPerOperationFeeMultiplier,
		FeeFloor:               1,
		LockAmountMultiplier:   cfg.ValueTimeLockAmountMultiplier,
		MinOpsForValueTimeLock: cfg.MinNumberOfOpsForValueTimeLock,
	}, code, enc)
	stopBatchWriter := runBatchWriterLoop(writer, time.Duration(cfg.ObservingIntervalInSeconds)*time.Second)
	defer stopBatchWriter()

	downloads := download.NewManager(casClient, cfg.MaxConcurrentDownloads)
	obs := observer.New(chainClient, downloads, store, proc, limiter, observer.Config{
		ObservingInterval:      time.Duration(cfg.ObservingIntervalInSeconds) * time.Second,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		MaxAnchorFileSize:      cfg.MaxAnchorFileSizeInBytes,
		MaxMapFileSize:         cfg.MaxMapFileSizeInBytes,
		MaxBatchFileSize:       cfg.MaxBatchFileSizeInBytes,
		MultihashCode:          code,
		MultihashEncoding:      enc,
	})
	observerCtx, stopObserver := context.WithCancel(context.Background())
	panics.Spawn(log, func() { obs.Run(observerCtx) })
	defer stopObserver()

	shutdownResolver := resolver.Start(cfg.HTTPListen, proc)
	defer shutdownResolver()

	log.Infof("didnoded: running (tx store %s, listening on %s)", cfg.TxStoreDriver, cfg.HTTPListen)

	interrupt := signal.InterruptListener()
	<-interrupt
	log.Infof("didnoded: shutting down")
}

func defaultAppDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".didnoded"
	}
	return dir + "/.didnoded"
}

func openTxStore(cfg *config.Config) (txstore.Store, func() error, error) {
	switch cfg.TxStoreDriver {
	case config.DriverLevelDB:
		store, err := leveldbstore.Open(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverMySQL:
		store, err := sqlstore.Open(cfg.MySQLDSN, "infrastructure/txstore/sqlstore/migrations")
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized tx-store-driver %q", cfg.TxStoreDriver)
	}
}

// runBatchWriterLoop ticks writer on the same cadence as the observer,
// returning a stop function. The batch writer has no dedicated
// interval in spec.md §6, so it shares the observer's.
func runBatchWriterLoop(writer *batchwriter.Writer, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := writer.Tick(ctx); err != nil {
					log.Errorf("batch writer: tick failed: %s", err)
				}
			}
		}
	}()
	return cancel
}
