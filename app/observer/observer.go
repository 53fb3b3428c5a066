// Package observer implements C9: the periodic loop that walks the
// blockchain forward, downloads and processes each transaction's batch,
// and recovers from reorgs. Grounded on the teacher's blockdag sync
// manager (daglabs-btcd/netsync and blockdag's reorg handling): "keep
// fetching headers/blocks until caught up, detect a fork point, unwind
// to it" is the same shape applied here to anchored transactions
// instead of blocks.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
	"github.com/decentralized-identity/sidetree-sub007/domain/operation"
	"github.com/decentralized-identity/sidetree-sub007/domain/processor"
	"github.com/decentralized-identity/sidetree-sub007/domain/ratelimiter"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/blockchain"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/cas"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/download"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/txstore"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.OBSV)

type inFlightStatus int

const (
	statusPending inFlightStatus = iota
	statusProcessed
)

// inFlightRecord tracks one transaction between being read off the
// blockchain and being durably recorded as processed. Only the owning
// downloadAndProcess goroutine writes to status/retryNeeded; the main
// loop only reads them, so no additional lock is needed beyond the one
// guarding the slice itself.
type inFlightRecord struct {
	tx          model.Transaction
	status      inFlightStatus
	retryNeeded bool
}

// Config bundles an Observer's tunables, mirroring spec.md §6.
type Config struct {
	ObservingInterval      time.Duration
	MaxConcurrentDownloads int
	MaxAnchorFileSize      int
	MaxMapFileSize         int
	MaxBatchFileSize       int
	MultihashCode          uint64
	MultihashEncoding      multihash.Encoding
}

// Observer drives spec.md §4.8's periodic ingestion loop.
type Observer struct {
	chain     blockchain.Blockchain
	downloads *download.Manager
	store     txstore.Store
	processor *processor.Processor
	limiter   *ratelimiter.Limiter
	cfg       Config

	mu                   sync.Mutex
	inFlight             []*inFlightRecord
	reorgDetected        bool
	lastKnownTransaction model.Transaction
	haveLastKnown        bool
}

// New constructs an Observer. downloads must already be capped at
// cfg.MaxConcurrentDownloads; the Observer itself only watches the
// in-flight list length for back-pressure, per spec.md §4.8 step 2.
// limiter applies spec.md §4.5's per-transactionTime fee-priority cap
// to the blockchain-read stream before any admitted transaction starts
// downloading.
func New(chain blockchain.Blockchain, downloads *download.Manager, store txstore.Store, proc *processor.Processor, limiter *ratelimiter.Limiter, cfg Config) *Observer {
	return &Observer{
		chain:     chain,
		downloads: downloads,
		store:     store,
		processor: proc,
		limiter:   limiter,
		cfg:       cfg,
	}
}

// Run blocks, ticking every cfg.ObservingInterval until ctx is
// cancelled.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ObservingInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil {
			log.Errorf("observer: tick failed: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one invocation of spec.md §4.8's four steps.
func (o *Observer) Tick(ctx context.Context) error {
	o.storeConsecutiveProcessed(ctx)

	if err := o.fetchLoop(ctx); err != nil {
		return err
	}

	o.storeConsecutiveProcessed(ctx)

	return o.retryUnresolvable(ctx)
}

// fetchLoop implements spec.md §4.8 step 2: read forward from the last
// known transaction until the blockchain has nothing more to offer or a
// reorg is detected.
func (o *Observer) fetchLoop(ctx context.Context) error {
	for {
		since, sinceHash := uint64(0), ""
		o.mu.Lock()
		if o.haveLastKnown {
			since, sinceHash = o.lastKnownTransaction.TransactionNumber, o.lastKnownTransaction.TransactionTimeHash
		}
		o.mu.Unlock()

		result, err := o.chain.Read(ctx, since, sinceHash)
		if err != nil {
			if errors.Is(err, blockchain.ErrInvalidTransactionNumberOrTimeHash) {
				o.mu.Lock()
				o.reorgDetected = true
				o.mu.Unlock()
			} else {
				return err
			}
		} else {
			for i := range result.Transactions {
				tx := result.Transactions[i]
				for _, admitted := range o.limiter.Push(tx) {
					o.admitTransaction(ctx, admitted)
				}
			}
			if len(result.Transactions) > 0 {
				o.mu.Lock()
				o.lastKnownTransaction = result.Transactions[len(result.Transactions)-1]
				o.haveLastKnown = true
				o.mu.Unlock()
			}
		}

		o.mu.Lock()
		reorg := o.reorgDetected
		o.mu.Unlock()
		if reorg {
			o.drainInFlight(ctx)
			if err := o.revertInvalidTransactions(ctx); err != nil {
				return err
			}
			o.mu.Lock()
			o.reorgDetected = false
			o.mu.Unlock()
			continue
		}

		for {
			o.mu.Lock()
			n := len(o.inFlight)
			o.mu.Unlock()
			if n <= o.cfg.MaxConcurrentDownloads {
				break
			}
			o.storeConsecutiveProcessed(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		if err == nil && !result.MoreTransactions {
			for _, admitted := range o.limiter.Flush() {
				o.admitTransaction(ctx, admitted)
			}
			return nil
		}
	}
}

// admitTransaction starts downloading and processing a transaction the
// rate limiter has cleared for admission, tracking it on the in-flight
// list.
func (o *Observer) admitTransaction(ctx context.Context, tx model.Transaction) {
	record := &inFlightRecord{tx: tx, status: statusPending}
	o.mu.Lock()
	o.inFlight = append(o.inFlight, record)
	o.mu.Unlock()
	go o.downloadAndProcess(ctx, tx, record)
}

// drainInFlight waits until every in-flight download has finished
// before a reorg recovery pass runs, so revertInvalidTransactions never
// races a still-running downloadAndProcess.
func (o *Observer) drainInFlight(ctx context.Context) {
	for {
		o.mu.Lock()
		allDone := true
		for _, r := range o.inFlight {
			if r.status != statusProcessed {
				allDone = false
				break
			}
		}
		o.mu.Unlock()
		if allDone {
			o.storeConsecutiveProcessed(ctx)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// storeConsecutiveProcessed commits the maximal already-Processed
// prefix of the in-flight list to the transaction store, preserving
// GetLastTransaction's monotonicity per spec.md §4.8's ordering
// invariant.
func (o *Observer) storeConsecutiveProcessed(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	i := 0
	for i < len(o.inFlight) && o.inFlight[i].status == statusProcessed {
		if err := o.store.AddProcessedTransaction(ctx, o.inFlight[i].tx); err != nil {
			log.Errorf("observer: recording processed transaction %d: %s", o.inFlight[i].tx.TransactionNumber, err)
			break
		}
		i++
	}
	o.inFlight = o.inFlight[i:]
}

// downloadAndProcess fetches and processes one transaction's batch,
// per spec.md §4.8. It never returns an error: every failure mode
// either marks the transaction for retry or drops it permanently,
// recorded on record itself for the main loop to observe.
func (o *Observer) downloadAndProcess(ctx context.Context, tx model.Transaction, record *inFlightRecord) {
	defer func() {
		record.status = statusProcessed
		if record.retryNeeded {
			if err := o.store.RecordUnresolvableTransactionFetchAttempt(ctx, tx); err != nil {
				log.Errorf("observer: recording unresolvable transaction %d: %s", tx.TransactionNumber, err)
			}
		} else {
			if err := o.store.RemoveUnresolvableTransaction(ctx, tx); err != nil {
				log.Errorf("observer: removing resolved transaction %d from retry queue: %s", tx.TransactionNumber, err)
			}
		}
	}()

	anchorRaw, err := o.downloads.Download(ctx, tx.AnchorFileHash, o.cfg.MaxAnchorFileSize)
	if err != nil {
		if errors.Is(err, cas.ErrNotFound) {
			log.Debugf("observer: tx %d anchor file %s unavailable, will retry: %s", tx.TransactionNumber, tx.AnchorFileHash, err)
			record.retryNeeded = true
		} else {
			log.Warnf("observer: tx %d anchor file %s fatal, dropping without retry: %s", tx.TransactionNumber, tx.AnchorFileHash, err)
		}
		return
	}
	anchor, err := operation.ParseAnchorFile(anchorRaw)
	if err != nil {
		log.Warnf("observer: tx %d has a malformed anchor file, dropping without retry: %s", tx.TransactionNumber, err)
		return
	}

	var mapFile *model.MapFile
	if anchor.MapFileURI != "" {
		mapRaw, err := o.downloads.Download(ctx, anchor.MapFileURI, o.cfg.MaxMapFileSize)
		if err != nil {
			if errors.Is(err, cas.ErrNotFound) {
				log.Debugf("observer: tx %d map file %s unavailable, will retry: %s", tx.TransactionNumber, anchor.MapFileURI, err)
				record.retryNeeded = true
			} else {
				log.Warnf("observer: tx %d map file %s fatal, dropping without retry: %s", tx.TransactionNumber, anchor.MapFileURI, err)
			}
			return
		}
		mapFile, err = operation.ParseMapFile(mapRaw)
		if err != nil {
			log.Warnf("observer: tx %d has a malformed map file, dropping without retry: %s", tx.TransactionNumber, err)
			return
		}
	}

	chunkHash := ""
	if mapFile != nil {
		chunkHash = mapFile.ChunkFileURI
	}
	if chunkHash == "" {
		log.Warnf("observer: tx %d has no chunk file reference, dropping without retry", tx.TransactionNumber)
		return
	}
	chunkRaw, err := o.downloads.Download(ctx, chunkHash, o.cfg.MaxBatchFileSize)
	if err != nil {
		if errors.Is(err, cas.ErrNotFound) {
			log.Debugf("observer: tx %d chunk file %s unavailable, will retry: %s", tx.TransactionNumber, chunkHash, err)
			record.retryNeeded = true
		} else {
			log.Warnf("observer: tx %d chunk file %s fatal, dropping without retry: %s", tx.TransactionNumber, chunkHash, err)
		}
		return
	}
	chunk, err := operation.ParseChunkFile(chunkRaw)
	if err != nil {
		log.Warnf("observer: tx %d has a malformed chunk file, dropping without retry: %s", tx.TransactionNumber, err)
		return
	}

	ops, err := operation.ParseBatch(tx.TransactionNumber, chunkHash, anchor, mapFile, chunk, o.cfg.MultihashCode, o.cfg.MultihashEncoding)
	if err != nil {
		log.Warnf("observer: tx %d batch failed to parse, dropping without retry: %s", tx.TransactionNumber, err)
		return
	}

	o.processor.ProcessBatch(tx.TransactionNumber, chunkHash, ops)
}

// retryUnresolvable implements spec.md §4.8 step 4: re-attempt every
// unresolvable transaction whose retry schedule is due, draining them
// in order before returning.
func (o *Observer) retryUnresolvable(ctx context.Context) error {
	due, err := o.store.GetUnresolvableTransactionsDueForRetry(ctx, nowMillis())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	records := make([]*inFlightRecord, len(due))
	for i, u := range due {
		record := &inFlightRecord{tx: u.Transaction, status: statusPending}
		records[i] = record
		go o.downloadAndProcess(ctx, u.Transaction, record)
	}

	for {
		allDone := true
		for _, r := range records {
			if r.status != statusProcessed {
				allDone = false
				break
			}
		}
		if allDone {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	for _, r := range records {
		if !r.retryNeeded {
			if err := o.store.AddProcessedTransaction(ctx, r.tx); err != nil {
				log.Errorf("observer: recording retried transaction %d: %s", r.tx.TransactionNumber, err)
			}
		}
	}
	return nil
}

// revertInvalidTransactions implements spec.md §4.8's reorg recovery:
// probe backward along exponentially-spaced processed transactions
// until the blockchain confirms one still canonical, then roll the
// processor and transaction store back to it.
func (o *Observer) revertInvalidTransactions(ctx context.Context) error {
	candidates, err := o.store.GetExponentiallySpacedTransactions(ctx)
	if err != nil {
		return err
	}

	bestValid, ok, err := o.chain.GetFirstValidTransaction(ctx, candidates)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !ok {
		o.processor.Rollback(0)
		if err := o.store.RemoveTransactionsLaterThan(ctx, 0); err != nil {
			return err
		}
		o.haveLastKnown = false
		log.Warnf("observer: reorg rolled back to genesis, no valid ancestor found among %d candidates", len(candidates))
		return nil
	}

	o.processor.Rollback(bestValid.TransactionNumber + 1)
	if err := o.store.RemoveTransactionsLaterThan(ctx, bestValid.TransactionNumber); err != nil {
		return err
	}
	o.lastKnownTransaction = bestValid
	o.haveLastKnown = true
	log.Infof("observer: reorg resolved, rolled back to transaction %d", bestValid.TransactionNumber)
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
