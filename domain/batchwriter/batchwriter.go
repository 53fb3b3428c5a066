// Package batchwriter implements C7: the outgoing side that turns a
// local queue of pending operations into the anchor/map/chunk file
// trilogy, commits their Merkle root, and submits the resulting anchor
// string to the blockchain. Grounded on the teacher's mining package
// for "peek a bounded amount of work, build something, submit it" shape
// (daglabs-btcd/mining/mining.go's NewBlockTemplate), adapted from
// selecting mempool transactions to selecting queued operations.
package batchwriter

import (
	"context"

	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/domain/merkle"
	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/blockchain"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/cas"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.BTCW)

// PendingOperation is one operation sitting in the local queue, ready
// to be included in the next batch.
type PendingOperation struct {
	Type                  model.OperationType
	DIDSuffix             string
	RevealValue           string
	PreviousOperationHash string // empty for Create
	Delta                 []byte // absent for Deactivate
	Signature             []byte
}

// Queue is the local FIFO of pending operations spec.md §4.6 step 3
// peeks from and step 10 dequeues from only once a tick fully succeeds.
type Queue struct {
	items []PendingOperation
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends op to the back of the queue.
func (q *Queue) Enqueue(op PendingOperation) {
	q.items = append(q.items, op)
}

// Peek returns up to max operations from the front of the queue without
// removing them.
func (q *Queue) Peek(max int) []PendingOperation {
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]PendingOperation, max)
	copy(out, q.items[:max])
	return out
}

// Dequeue removes the first n operations from the queue.
func (q *Queue) Dequeue(n int) {
	if n > len(q.items) {
		n = len(q.items)
	}
	q.items = q.items[n:]
}

// Len reports how many operations are currently queued.
func (q *Queue) Len() int { return len(q.items) }

// Result summarizes one successful tick, mainly for observability and
// tests.
type Result struct {
	AnchorFileHash       string
	MapFileHash          string
	ChunkFileHash        string
	AnchorString         string
	Fee                  uint64
	NumberOfOperations   int
	OperationsMerkleRoot [32]byte
}

// Writer drives the batch writer tick procedure.
type Writer struct {
	chain                  blockchain.Blockchain
	cas                    cas.CAS
	queue                  *Queue
	maxOperationsPerBatch  int
	feeMultiplier          float64
	feeFloor               uint64
	lockAmountMultiplier   float64
	minOpsForValueTimeLock int
	code                   uint64
	enc                    multihash.Encoding
}

// Config bundles Writer's tunables, mirroring spec.md §6's
// maxOperationsPerBatch, the fee formula's multiplier/floor, and the
// value-time-lock parameters (valueTimeLockAmountMultiplier,
// minNumberOfOpsForValueTimeLock).
type Config struct {
	MaxOperationsPerBatch  int
	FeeMultiplier          float64
	FeeFloor               uint64
	LockAmountMultiplier   float64
	MinOpsForValueTimeLock int
}

// New constructs a Writer.
func New(chain blockchain.Blockchain, store cas.CAS, queue *Queue, cfg Config, code uint64, enc multihash.Encoding) *Writer {
	lockAmountMultiplier := cfg.LockAmountMultiplier
	if lockAmountMultiplier == 0 {
		lockAmountMultiplier = 1
	}
	return &Writer{
		chain:                  chain,
		cas:                    store,
		queue:                  queue,
		maxOperationsPerBatch:  cfg.MaxOperationsPerBatch,
		feeMultiplier:          cfg.FeeMultiplier,
		feeFloor:               cfg.FeeFloor,
		lockAmountMultiplier:   lockAmountMultiplier,
		minOpsForValueTimeLock: cfg.MinOpsForValueTimeLock,
		code:                   code,
		enc:                    enc,
	}
}

// maxAllowedByLock bounds the batch size by the writer's value-time
// lock: the amount locked (scaled by the configured
// valueTimeLockAmountMultiplier) divided by the per-operation cost
// implied by the current fee, floored at 1 operation so a thin lock
// never stalls the writer entirely.
func maxAllowedByLock(lock blockchain.Lock, normalizedFee uint64, lockAmountMultiplier float64) int {
	scaledAmount := float64(lock.AmountLocked) * lockAmountMultiplier
	allowed := int(scaledAmount)
	if normalizedFee != 0 {
		allowed = int(scaledAmount / float64(normalizedFee))
	}
	if allowed == 0 {
		allowed = 1
	}
	return allowed
}

// Tick runs one pass of spec.md §4.6's ten-step procedure. It returns a
// nil Result when the queue is empty; any error leaves the queue
// untouched so the caller can retry on the next tick.
func (w *Writer) Tick(ctx context.Context) (*Result, error) {
	currentTime, _, err := w.chain.Time(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading blockchain time")
	}
	normalizedFee, err := w.chain.Fee(ctx, currentTime)
	if err != nil {
		return nil, errors.Wrap(err, "reading normalized fee")
	}

	allowed := w.maxOperationsPerBatch
	candidateCount := w.queue.Len()
	if candidateCount > allowed {
		candidateCount = allowed
	}
	if lock, ok, err := w.chain.WriterLock(ctx); err != nil {
		return nil, errors.Wrap(err, "reading writer lock")
	} else if ok && candidateCount >= w.minOpsForValueTimeLock {
		if byLock := maxAllowedByLock(lock, normalizedFee, w.lockAmountMultiplier); byLock < allowed {
			allowed = byLock
		}
	}

	ops := w.queue.Peek(allowed)
	if len(ops) == 0 {
		return nil, nil
	}

	var creates, recovers, updates, deactivates []PendingOperation
	for _, op := range ops {
		switch op.Type {
		case model.OperationTypeCreate:
			creates = append(creates, op)
		case model.OperationTypeRecover:
			recovers = append(recovers, op)
		case model.OperationTypeUpdate:
			updates = append(updates, op)
		case model.OperationTypeDeactivate:
			deactivates = append(deactivates, op)
		}
	}

	chunk := &model.ChunkFile{}
	values := make([][]byte, 0, len(ops))
	for _, op := range creates {
		chunk.Deltas = append(chunk.Deltas, model.OperationDelta{Delta: op.Delta, Signature: op.Signature})
		values = append(values, op.Delta)
	}
	for _, op := range recovers {
		chunk.Deltas = append(chunk.Deltas, model.OperationDelta{Delta: op.Delta, Signature: op.Signature})
		values = append(values, op.Delta)
	}
	for _, op := range updates {
		chunk.Deltas = append(chunk.Deltas, model.OperationDelta{Delta: op.Delta, Signature: op.Signature})
		values = append(values, op.Delta)
	}
	tree := merkle.Build(values)

	chunkBytes, err := multihash.Canonicalize(chunk)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalizing chunk file")
	}
	chunkHash, err := w.cas.Write(ctx, chunkBytes)
	if err != nil {
		return nil, errors.Wrap(err, "writing chunk file")
	}

	mapFile := &model.MapFile{ChunkFileURI: chunkHash}
	for _, op := range updates {
		mapFile.UpdateOperations = append(mapFile.UpdateOperations, model.UpdateOperationHeader{
			DIDSuffix: op.DIDSuffix, RevealValue: op.RevealValue, PreviousOperationHash: op.PreviousOperationHash,
		})
	}
	mapBytes, err := multihash.Canonicalize(mapFile)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalizing map file")
	}
	mapHash, err := w.cas.Write(ctx, mapBytes)
	if err != nil {
		return nil, errors.Wrap(err, "writing map file")
	}

	anchor := &model.AnchorFile{MapFileURI: mapHash}
	for range creates {
		anchor.CreateOperations = append(anchor.CreateOperations, model.OperationHeader{})
	}
	for _, op := range recovers {
		anchor.RecoverOperations = append(anchor.RecoverOperations, model.UpdateOperationHeader{
			DIDSuffix: op.DIDSuffix, RevealValue: op.RevealValue, PreviousOperationHash: op.PreviousOperationHash,
		})
	}
	for _, op := range deactivates {
		anchor.DeactivateOperations = append(anchor.DeactivateOperations, model.UpdateOperationHeader{
			DIDSuffix: op.DIDSuffix, RevealValue: op.RevealValue, PreviousOperationHash: op.PreviousOperationHash,
		})
	}
	anchorBytes, err := multihash.Canonicalize(anchor)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalizing anchor file")
	}
	anchorHash, err := w.cas.Write(ctx, anchorBytes)
	if err != nil {
		return nil, errors.Wrap(err, "writing anchor file")
	}

	anchorString, err := model.EncodeAnchorString(model.AnchorStringPayload{
		AnchorFileHash:     anchorHash,
		NumberOfOperations: len(ops),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding anchor string")
	}

	fee := uint64(float64(normalizedFee*uint64(len(ops))) * w.feeMultiplier)
	if fee < w.feeFloor {
		fee = w.feeFloor
	}

	if err := w.chain.Write(ctx, anchorString, fee); err != nil {
		return nil, errors.Wrap(err, "submitting anchor string")
	}

	w.queue.Dequeue(len(ops))

	log.Infof("batch writer: anchored %d operations (fee %d) at anchor file %s", len(ops), fee, anchorHash)

	return &Result{
		AnchorFileHash:       anchorHash,
		MapFileHash:          mapHash,
		ChunkFileHash:        chunkHash,
		AnchorString:         anchorString,
		Fee:                  fee,
		NumberOfOperations:   len(ops),
		OperationsMerkleRoot: tree.Root,
	}, nil
}
