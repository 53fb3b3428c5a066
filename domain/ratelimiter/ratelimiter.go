// Package ratelimiter implements C6: per-transaction-time fee-priority
// capping of incoming transactions competing for inclusion in the same
// anchored block. Grounded on the teacher's mining package
// (daglabs-btcd/mining/mining.go), which selects transactions for a
// block template with a container/heap priority queue ordered by fee;
// this package reuses that exact queue shape, sorted by
// (transactionFeePaid DESC, transactionNumber ASC) instead of a mempool
// transaction's fee-per-kilobyte, and restartable across calls so the
// observer can feed it transactions one at a time as they're fetched.
package ratelimiter

import (
	"container/heap"
	"sync"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.RLIM)

type item struct {
	tx                 model.Transaction
	numberOfOperations int
	opCountKnown       bool
}

// buffer is a container/heap priority queue ordered by
// (transactionFeePaid DESC, transactionNumber ASC), mirroring the
// teacher's txPriorityQueue shape.
type buffer struct {
	items []*item
}

func (b *buffer) Len() int { return len(b.items) }

func (b *buffer) Less(i, j int) bool {
	a, c := b.items[i], b.items[j]
	if a.tx.TransactionFeePaid != c.tx.TransactionFeePaid {
		return a.tx.TransactionFeePaid > c.tx.TransactionFeePaid
	}
	return a.tx.TransactionNumber < c.tx.TransactionNumber
}

func (b *buffer) Swap(i, j int) { b.items[i], b.items[j] = b.items[j], b.items[i] }

func (b *buffer) Push(x interface{}) { b.items = append(b.items, x.(*item)) }

func (b *buffer) Pop() interface{} {
	n := len(b.items)
	it := b.items[n-1]
	b.items[n-1] = nil
	b.items = b.items[:n-1]
	return it
}

// Limiter holds the single piece of state spec.md §4.5 names: the
// current-block buffer. It is safe for concurrent use; the observer
// feeds it the blockchain-read transaction stream one at a time, in
// (transactionTime ASC, transactionNumber ASC) order.
type Limiter struct {
	mu                    sync.Mutex
	maxOperationsPerBlock int
	hasCurrent            bool
	currentTime           uint64
	buf                   *buffer
}

// New constructs a Limiter capped at maxOperationsPerBlock operations
// admitted per distinct transactionTime.
func New(maxOperationsPerBlock int) *Limiter {
	return &Limiter{
		maxOperationsPerBlock: maxOperationsPerBlock,
		buf:                   &buffer{},
	}
}

// Push feeds the next transaction in the stream. If tx.TransactionTime
// matches the buffered block, tx is only pushed into the buffer and
// Push returns nil. Otherwise the buffered block is flushed (its
// admitted subset returned) before tx starts a new buffer.
func (l *Limiter) Push(tx model.Transaction) []model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var flushed []model.Transaction
	if l.hasCurrent && tx.TransactionTime != l.currentTime {
		flushed = l.flushLocked()
	}
	l.hasCurrent = true
	l.currentTime = tx.TransactionTime

	payload, err := model.DecodeAnchorString(tx.AnchorString)
	it := &item{tx: tx}
	if err != nil {
		log.Debugf("ratelimiter: tx %d has an unparsable anchor string, admitting unconditionally: %s",
			tx.TransactionNumber, err)
	} else {
		it.numberOfOperations = payload.NumberOfOperations
		it.opCountKnown = true
	}
	heap.Push(l.buf, it)
	return flushed
}

// Flush forces emission of whatever is currently buffered, regardless
// of transactionTime boundaries. Used when the observer has no more
// transactions to feed for now but still needs this tick's admitted
// set.
func (l *Limiter) Flush() []model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Limiter) flushLocked() []model.Transaction {
	admitted := make([]item, 0, l.buf.Len())
	used := 0
	capClosed := false
	for l.buf.Len() > 0 {
		it := heap.Pop(l.buf).(*item)
		if !it.opCountKnown {
			// Unknown operation count: admitted unconditionally, the
			// processor will discard it on its own once it fails to parse.
			admitted = append(admitted, *it)
			continue
		}
		if capClosed || used+it.numberOfOperations > l.maxOperationsPerBlock {
			log.Debugf("ratelimiter: dropping tx %d (fee %d): past the fee-priority cap of %d",
				it.tx.TransactionNumber, it.tx.TransactionFeePaid, l.maxOperationsPerBlock)
			capClosed = true
			continue
		}
		used += it.numberOfOperations
		admitted = append(admitted, *it)
	}
	l.buf = &buffer{}
	l.hasCurrent = false

	for i := 0; i < len(admitted); i++ {
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j].tx.TransactionNumber < admitted[i].tx.TransactionNumber {
				admitted[i], admitted[j] = admitted[j], admitted[i]
			}
		}
	}
	result := make([]model.Transaction, len(admitted))
	for i, it := range admitted {
		result[i] = it.tx
	}
	return result
}
