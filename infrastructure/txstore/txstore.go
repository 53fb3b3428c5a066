// Package txstore defines C3, the transaction store contract: durable
// bookkeeping of which transactions have been processed and a retry
// queue for ones whose referenced files aren't in CAS yet. Two
// implementations satisfy it: leveldbstore (a single embedded-KV
// deployment, grounded on the teacher's ffldb use of goleveldb) and
// sqlstore (a shared SQL deployment, grounded on kasparov's gorm +
// golang-migrate + MySQL stack).
package txstore

import (
	"context"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
)

// Store is the contract both backends satisfy. Every method must be
// safe for concurrent use; addProcessedTransaction must be idempotent
// since the observer may re-submit a transaction it already recorded
// after a retried download.
type Store interface {
	// AddProcessedTransaction durably records tx as processed. Calling
	// it again for the same TransactionNumber is a no-op.
	AddProcessedTransaction(ctx context.Context, tx model.Transaction) error

	// GetLastTransaction returns the highest-numbered processed
	// transaction, or ok=false if the store is empty.
	GetLastTransaction(ctx context.Context) (tx model.Transaction, ok bool, err error)

	// GetExponentiallySpacedTransactions returns, starting at the last
	// processed transaction, the ones at indices last, last-1, last-3,
	// last-7, ... (back-index distances doubling each step), used to
	// probe ancestry across a reorg. Grounded on btcd's BlockLocator,
	// which samples a wallet/chain's recent history the same way to
	// find a common ancestor cheaply.
	GetExponentiallySpacedTransactions(ctx context.Context) ([]model.Transaction, error)

	// RecordUnresolvableTransactionFetchAttempt records that tx's
	// referenced files were still not in CAS at this attempt, scheduling
	// its next retry per model.NextRetryTime. The first call for a given
	// TransactionNumber establishes FirstFetchTime.
	RecordUnresolvableTransactionFetchAttempt(ctx context.Context, tx model.Transaction) error

	// RemoveUnresolvableTransaction drops tx from the retry queue, once
	// its files have successfully resolved.
	RemoveUnresolvableTransaction(ctx context.Context, tx model.Transaction) error

	// GetUnresolvableTransactionsDueForRetry returns every unresolvable
	// transaction whose NextRetryTime is at or before nowMillis.
	GetUnresolvableTransactionsDueForRetry(ctx context.Context, nowMillis int64) ([]model.UnresolvableTransaction, error)

	// RemoveTransactionsLaterThan deletes every processed and
	// unresolvable transaction (per spec.md §9 Open Question ii, this
	// store fixes the boundary at) strictly greater than
	// transactionNumber — used after a reorg rolls the observer back to
	// a known-good ancestor. Both collections must be pruned: leaving a
	// stale unresolvable entry behind re-injects an abandoned fork's
	// transaction the next time retryUnresolvable runs.
	RemoveTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error
}
