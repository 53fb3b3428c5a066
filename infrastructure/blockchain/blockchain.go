// Package blockchain defines the contract this node consumes from an
// external blockchain REST service (spec.md §6). Wire-level HTTP
// implementation is explicitly out of scope (spec.md §1); only the
// interface and the shapes it exchanges live here, so the rest of the
// node can be tested against a fake.
package blockchain

import (
	"context"

	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
)

// ErrInvalidTransactionNumberOrTimeHash is returned by Read when the
// requested (since, transactionTimeHash) pair is no longer canonical —
// the reorg signal spec.md §7 names.
var ErrInvalidTransactionNumberOrTimeHash = errors.New("InvalidTransactionNumberOrTimeHash")

// ReadResult is the decoded response of GET /transactions.
type ReadResult struct {
	MoreTransactions bool
	Transactions     []model.Transaction
}

// Lock describes a writer's value-time-lock, bounding how many
// operations it may anchor per batch.
type Lock struct {
	ID                    string
	AmountLocked          uint64
	UnlockTransactionTime uint64
}

// Blockchain is the contract the observer, batch writer, and reorg
// recovery logic consume.
type Blockchain interface {
	// Read fetches transactions anchored after since/sinceTimeHash. On
	// the very first call since may be 0 and sinceTimeHash empty.
	Read(ctx context.Context, since uint64, sinceTimeHash string) (ReadResult, error)

	// GetFirstValidTransaction returns the first transaction in
	// candidates (checked in order) that the blockchain still considers
	// canonical, or (zero value, false) if none are.
	GetFirstValidTransaction(ctx context.Context, candidates []model.Transaction) (model.Transaction, bool, error)

	// Write submits anchorString anchored with at least minimumFee.
	Write(ctx context.Context, anchorString string, minimumFee uint64) error

	// Time returns the chain's current time and its block hash.
	Time(ctx context.Context) (time uint64, hash string, err error)

	// Fee returns the normalized fee applicable at the given
	// transaction time.
	Fee(ctx context.Context, transactionTime uint64) (normalizedFee uint64, err error)

	// WriterLock returns the value-time-lock currently held by this
	// node's writer identity, if any.
	WriterLock(ctx context.Context) (lock Lock, ok bool, err error)

	// Lock looks up an arbitrary lock by ID, used when validating a
	// writer lock referenced by an anchor file.
	Lock(ctx context.Context, id string) (Lock, error)
}
