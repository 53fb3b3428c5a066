// Package sqlstore implements txstore.Store over a shared SQL
// database, grounded on the teacher's kasparov/kasparovserver stack:
// gorm as the ORM, golang-migrate/migrate for schema versioning, and
// the MySQL driver/dialect for both. Unlike leveldbstore, this backend
// is meant for a multi-instance deployment where several observers or
// resolvers share one database.
package sqlstore

import (
	"context"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"
	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.TXST)

// transactionRow is the gorm model backing the processed-transaction
// table.
type transactionRow struct {
	TransactionNumber   uint64 `gorm:"primary_key;column:transaction_number"`
	TransactionTime     uint64 `gorm:"column:transaction_time"`
	TransactionTimeHash string `gorm:"column:transaction_time_hash"`
	AnchorFileHash      string `gorm:"column:anchor_file_hash"`
	AnchorString        string `gorm:"column:anchor_string"`
}

func (transactionRow) TableName() string { return "processed_transactions" }

func rowFromTx(tx model.Transaction) transactionRow {
	return transactionRow{
		TransactionNumber:   tx.TransactionNumber,
		TransactionTime:     tx.TransactionTime,
		TransactionTimeHash: tx.TransactionTimeHash,
		AnchorFileHash:      tx.AnchorFileHash,
		AnchorString:        tx.AnchorString,
	}
}

func (r transactionRow) toTx() model.Transaction {
	return model.Transaction{
		TransactionNumber:   r.TransactionNumber,
		TransactionTime:     r.TransactionTime,
		TransactionTimeHash: r.TransactionTimeHash,
		AnchorFileHash:      r.AnchorFileHash,
		AnchorString:        r.AnchorString,
	}
}

// unresolvableRow is the gorm model backing the retry queue table.
type unresolvableRow struct {
	transactionRow
	FirstFetchTime int64 `gorm:"column:first_fetch_time"`
	RetryAttempts  int   `gorm:"column:retry_attempts"`
	NextRetryTime  int64 `gorm:"column:next_retry_time"`
}

func (unresolvableRow) TableName() string { return "unresolvable_transactions" }

// Store is a gorm-backed txstore.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, runs pending migrations from migrationsPath,
// and returns a ready Store.
func Open(dsn, migrationsPath string) (*Store, error) {
	m, err := migrate.New("file://"+migrationsPath, "mysql://"+dsn)
	if err != nil {
		return nil, errors.Wrap(err, "initializing migrations")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, errors.Wrap(err, "running migrations")
	}

	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mysql")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddProcessedTransaction implements txstore.Store, using an upsert-on-
// duplicate-key so reprocessing the same transaction number is a no-op.
func (s *Store) AddProcessedTransaction(ctx context.Context, tx model.Transaction) error {
	row := rowFromTx(tx)
	result := s.db.Set("gorm:insert_option", "ON DUPLICATE KEY UPDATE transaction_number=transaction_number").
		Create(&row)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "storing transaction %d", tx.TransactionNumber)
	}
	return nil
}

// GetLastTransaction implements txstore.Store.
func (s *Store) GetLastTransaction(ctx context.Context) (model.Transaction, bool, error) {
	var row transactionRow
	err := s.db.Order("transaction_number DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, errors.Wrap(err, "querying last transaction")
	}
	return row.toTx(), true, nil
}

// GetExponentiallySpacedTransactions implements txstore.Store.
func (s *Store) GetExponentiallySpacedTransactions(ctx context.Context) ([]model.Transaction, error) {
	var rows []transactionRow
	if err := s.db.Order("transaction_number DESC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "listing transactions")
	}
	var result []model.Transaction
	distance := 0
	idx := 0
	for idx < len(rows) {
		result = append(result, rows[idx].toTx())
		if distance == 0 {
			distance = 1
		} else {
			distance *= 2
		}
		idx += distance
	}
	return result, nil
}

// RecordUnresolvableTransactionFetchAttempt implements txstore.Store.
func (s *Store) RecordUnresolvableTransactionFetchAttempt(ctx context.Context, tx model.Transaction) error {
	var row unresolvableRow
	err := s.db.Where("transaction_number = ?", tx.TransactionNumber).First(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row = unresolvableRow{
			transactionRow: rowFromTx(tx),
			FirstFetchTime: nowMillis(),
			RetryAttempts:  0,
		}
	case err != nil:
		return errors.Wrapf(err, "reading unresolvable record for %d", tx.TransactionNumber)
	default:
		row.RetryAttempts++
	}
	row.NextRetryTime = model.NextRetryTime(row.FirstFetchTime, row.RetryAttempts)

	if err := s.db.Save(&row).Error; err != nil {
		return errors.Wrapf(err, "storing unresolvable record for %d", tx.TransactionNumber)
	}
	log.Debugf("scheduled retry %d for tx %d at %d", row.RetryAttempts, tx.TransactionNumber, row.NextRetryTime)
	return nil
}

// RemoveUnresolvableTransaction implements txstore.Store.
func (s *Store) RemoveUnresolvableTransaction(ctx context.Context, tx model.Transaction) error {
	err := s.db.Where("transaction_number = ?", tx.TransactionNumber).Delete(unresolvableRow{}).Error
	if err != nil {
		return errors.Wrapf(err, "removing unresolvable record for %d", tx.TransactionNumber)
	}
	return nil
}

// GetUnresolvableTransactionsDueForRetry implements txstore.Store.
func (s *Store) GetUnresolvableTransactionsDueForRetry(ctx context.Context, nowMs int64) ([]model.UnresolvableTransaction, error) {
	var rows []unresolvableRow
	if err := s.db.Where("next_retry_time <= ?", nowMs).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "listing due unresolvable transactions")
	}
	result := make([]model.UnresolvableTransaction, 0, len(rows))
	for _, r := range rows {
		result = append(result, model.UnresolvableTransaction{
			Transaction:    r.transactionRow.toTx(),
			FirstFetchTime: r.FirstFetchTime,
			RetryAttempts:  r.RetryAttempts,
			NextRetryTime:  r.NextRetryTime,
		})
	}
	return result, nil
}

// RemoveTransactionsLaterThan implements txstore.Store. It prunes both
// the processed_transactions and unresolvable_transactions tables, so
// a reorg rollback doesn't leave an abandoned fork's transaction
// sitting in the retry queue for retryUnresolvable to re-fetch.
func (s *Store) RemoveTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error {
	if err := s.db.Where("transaction_number > ?", transactionNumber).Delete(transactionRow{}).Error; err != nil {
		return errors.Wrap(err, "removing transactions after rollback point")
	}
	if err := s.db.Where("transaction_number > ?", transactionNumber).Delete(unresolvableRow{}).Error; err != nil {
		return errors.Wrap(err, "removing unresolvable transactions after rollback point")
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
