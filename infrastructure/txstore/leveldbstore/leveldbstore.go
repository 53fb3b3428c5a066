// Package leveldbstore implements txstore.Store over an embedded
// goleveldb database, grounded on the teacher's ffldb backend
// (daglabs-btcd/database/ffldb), which is itself a goleveldb wrapper.
// This implementation talks to goleveldb directly rather than
// reproducing ffldb's cursor/transaction abstraction, since this
// store's access pattern (point lookups plus small ordered scans) is
// far narrower than a full block database's.
package leveldbstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.TXST)

var (
	txPrefix           = []byte("tx:")
	unresolvablePrefix = []byte("unresolvable:")
)

// Store is a goleveldb-backed txstore.Store.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb store at %s", path)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func txKey(transactionNumber uint64) []byte {
	key := make([]byte, len(txPrefix)+8)
	copy(key, txPrefix)
	binary.BigEndian.PutUint64(key[len(txPrefix):], transactionNumber)
	return key
}

func unresolvableKey(transactionNumber uint64) []byte {
	key := make([]byte, len(unresolvablePrefix)+8)
	copy(key, unresolvablePrefix)
	binary.BigEndian.PutUint64(key[len(unresolvablePrefix):], transactionNumber)
	return key
}

// AddProcessedTransaction implements txstore.Store. A transaction number
// that is already stored is left as it is.
func (s *Store) AddProcessedTransaction(ctx context.Context, tx model.Transaction) error {
	exists, err := s.db.Has(txKey(tx.TransactionNumber), nil)
	if err != nil {
		return errors.Wrapf(err, "checking transaction %d", tx.TransactionNumber)
	}
	if exists {
		return nil
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "marshaling transaction")
	}
	if err := s.db.Put(txKey(tx.TransactionNumber), raw, nil); err != nil {
		return errors.Wrapf(err, "storing transaction %d", tx.TransactionNumber)
	}
	return nil
}

// GetLastTransaction implements txstore.Store.
func (s *Store) GetLastTransaction(ctx context.Context) (model.Transaction, bool, error) {
	iter := s.db.NewIterator(util.BytesPrefix(txPrefix), nil)
	defer iter.Release()
	if !iter.Last() {
		return model.Transaction{}, false, iter.Error()
	}
	var tx model.Transaction
	if err := json.Unmarshal(iter.Value(), &tx); err != nil {
		return model.Transaction{}, false, errors.Wrap(err, "unmarshaling last transaction")
	}
	return tx, true, nil
}

// GetExponentiallySpacedTransactions implements txstore.Store.
func (s *Store) GetExponentiallySpacedTransactions(ctx context.Context) ([]model.Transaction, error) {
	all, err := s.allTransactionsDescending()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	var result []model.Transaction
	distance := 0
	idx := 0
	for idx < len(all) {
		result = append(result, all[idx])
		if distance == 0 {
			distance = 1
		} else {
			distance *= 2
		}
		idx += distance
	}
	return result, nil
}

func (s *Store) allTransactionsDescending() ([]model.Transaction, error) {
	iter := s.db.NewIterator(util.BytesPrefix(txPrefix), nil)
	defer iter.Release()
	var txs []model.Transaction
	for iter.Next() {
		var tx model.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, errors.Wrap(err, "unmarshaling transaction")
		}
		txs = append(txs, tx)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].TransactionNumber > txs[j].TransactionNumber })
	return txs, nil
}

// RecordUnresolvableTransactionFetchAttempt implements txstore.Store.
func (s *Store) RecordUnresolvableTransactionFetchAttempt(ctx context.Context, tx model.Transaction) error {
	key := unresolvableKey(tx.TransactionNumber)
	var rec model.UnresolvableTransaction
	existing, err := s.db.Get(key, nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(existing, &rec); err != nil {
			return errors.Wrap(err, "unmarshaling unresolvable record")
		}
		rec.RetryAttempts++
	case errors.Is(err, leveldb.ErrNotFound):
		rec = model.UnresolvableTransaction{Transaction: tx, FirstFetchTime: nowMillis(), RetryAttempts: 0}
	default:
		return errors.Wrapf(err, "reading unresolvable record for %d", tx.TransactionNumber)
	}
	rec.NextRetryTime = model.NextRetryTime(rec.FirstFetchTime, rec.RetryAttempts)

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshaling unresolvable record")
	}
	if err := s.db.Put(key, raw, nil); err != nil {
		return errors.Wrapf(err, "storing unresolvable record for %d", tx.TransactionNumber)
	}
	log.Debugf("scheduled retry %d for tx %d at %d", rec.RetryAttempts, tx.TransactionNumber, rec.NextRetryTime)
	return nil
}

// RemoveUnresolvableTransaction implements txstore.Store.
func (s *Store) RemoveUnresolvableTransaction(ctx context.Context, tx model.Transaction) error {
	if err := s.db.Delete(unresolvableKey(tx.TransactionNumber), nil); err != nil {
		return errors.Wrapf(err, "removing unresolvable record for %d", tx.TransactionNumber)
	}
	return nil
}

// GetUnresolvableTransactionsDueForRetry implements txstore.Store.
func (s *Store) GetUnresolvableTransactionsDueForRetry(ctx context.Context, nowMs int64) ([]model.UnresolvableTransaction, error) {
	iter := s.db.NewIterator(util.BytesPrefix(unresolvablePrefix), nil)
	defer iter.Release()
	var due []model.UnresolvableTransaction
	for iter.Next() {
		var rec model.UnresolvableTransaction
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshaling unresolvable record")
		}
		if rec.NextRetryTime <= nowMs {
			due = append(due, rec)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return due, nil
}

// RemoveTransactionsLaterThan implements txstore.Store. It prunes both
// the processed and unresolvable keyspaces, so a reorg rollback doesn't
// leave an abandoned fork's transaction sitting in the retry queue for
// retryUnresolvable to re-fetch.
func (s *Store) RemoveTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error {
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix(txPrefix), nil)
	for iter.Next() {
		var tx model.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			iter.Release()
			return errors.Wrap(err, "unmarshaling transaction")
		}
		if tx.TransactionNumber > transactionNumber {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return err
	}

	unresolvableIter := s.db.NewIterator(util.BytesPrefix(unresolvablePrefix), nil)
	for unresolvableIter.Next() {
		var rec model.UnresolvableTransaction
		if err := json.Unmarshal(unresolvableIter.Value(), &rec); err != nil {
			unresolvableIter.Release()
			return errors.Wrap(err, "unmarshaling unresolvable record")
		}
		if rec.Transaction.TransactionNumber > transactionNumber {
			batch.Delete(append([]byte(nil), unresolvableIter.Key()...))
		}
	}
	err = unresolvableIter.Error()
	unresolvableIter.Release()
	if err != nil {
		return err
	}

	return s.db.Write(batch, nil)
}
