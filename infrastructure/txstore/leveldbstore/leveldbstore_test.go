package leveldbstore

import (
	"context"
	"testing"

	"bou.ke/monkey"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %s", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndGetLastTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddProcessedTransaction(ctx, model.Transaction{TransactionNumber: 1}); err != nil {
		t.Fatalf("add: %s", err)
	}
	if err := s.AddProcessedTransaction(ctx, model.Transaction{TransactionNumber: 3}); err != nil {
		t.Fatalf("add: %s", err)
	}
	if err := s.AddProcessedTransaction(ctx, model.Transaction{TransactionNumber: 2}); err != nil {
		t.Fatalf("add: %s", err)
	}

	last, ok, err := s.GetLastTransaction(ctx)
	if err != nil || !ok {
		t.Fatalf("GetLastTransaction: ok=%v err=%s", ok, err)
	}
	if last.TransactionNumber != 3 {
		t.Fatalf("expected last transaction 3, got %d", last.TransactionNumber)
	}
}

func TestAddProcessedTransactionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := model.Transaction{TransactionNumber: 1, AnchorFileHash: "a"}
	if err := s.AddProcessedTransaction(ctx, tx); err != nil {
		t.Fatalf("add: %s", err)
	}
	tx.AnchorFileHash = "b"
	if err := s.AddProcessedTransaction(ctx, tx); err != nil {
		t.Fatalf("add again: %s", err)
	}

	last, ok, err := s.GetLastTransaction(ctx)
	if err != nil || !ok {
		t.Fatalf("GetLastTransaction: ok=%v err=%s", ok, err)
	}
	if last.AnchorFileHash != "a" {
		t.Fatalf("expected the repeated add to be a no-op, got %s", last.AnchorFileHash)
	}
}

func TestGetExponentiallySpacedTransactions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 20; i++ {
		if err := s.AddProcessedTransaction(ctx, model.Transaction{TransactionNumber: i}); err != nil {
			t.Fatalf("add %d: %s", i, err)
		}
	}

	spaced, err := s.GetExponentiallySpacedTransactions(ctx)
	if err != nil {
		t.Fatalf("GetExponentiallySpacedTransactions: %s", err)
	}
	// last=20: indices (0-based from the end) 0,1,3,7,15 -> tx numbers 20,19,17,13,5
	want := []uint64{20, 19, 17, 13, 5}
	if len(spaced) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(spaced), spaced)
	}
	for i, w := range want {
		if spaced[i].TransactionNumber != w {
			t.Fatalf("entry %d: expected tx %d, got %d", i, w, spaced[i].TransactionNumber)
		}
	}
}

func TestUnresolvableRetrySchedule(t *testing.T) {
	// nowMillis is patched to a fixed instant so the retry schedule's
	// absolute timestamps are deterministic, mirroring the teacher's use
	// of the same library in mining_test.go to pin down otherwise
	// time/randomness-dependent behavior.
	const fixedNow int64 = 1_700_000_000_000
	guard := monkey.Patch(nowMillis, func() int64 { return fixedNow })
	defer guard.Unpatch()

	s := openTestStore(t)
	ctx := context.Background()
	tx := model.Transaction{TransactionNumber: 7}

	if err := s.RecordUnresolvableTransactionFetchAttempt(ctx, tx); err != nil {
		t.Fatalf("record attempt 0: %s", err)
	}
	due, err := s.GetUnresolvableTransactionsDueForRetry(ctx, 1<<62)
	if err != nil {
		t.Fatalf("due: %s", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due entry, got %d", len(due))
	}
	first := due[0].FirstFetchTime
	if first != fixedNow {
		t.Fatalf("expected FirstFetchTime pinned to %d, got %d", fixedNow, first)
	}
	if due[0].NextRetryTime != first+60000 {
		t.Fatalf("expected first retry at +60s, got %d (first=%d)", due[0].NextRetryTime, first)
	}

	if err := s.RecordUnresolvableTransactionFetchAttempt(ctx, tx); err != nil {
		t.Fatalf("record attempt 1: %s", err)
	}
	due, err = s.GetUnresolvableTransactionsDueForRetry(ctx, 1<<62)
	if err != nil {
		t.Fatalf("due: %s", err)
	}
	if due[0].NextRetryTime != first+120000 {
		t.Fatalf("expected second retry at +120s, got %d", due[0].NextRetryTime)
	}

	if err := s.RemoveUnresolvableTransaction(ctx, tx); err != nil {
		t.Fatalf("remove: %s", err)
	}
	due, err = s.GetUnresolvableTransactionsDueForRetry(ctx, 1<<62)
	if err != nil {
		t.Fatalf("due: %s", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due entries after removal, got %d", len(due))
	}
}

func TestRemoveTransactionsLaterThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		if err := s.AddProcessedTransaction(ctx, model.Transaction{TransactionNumber: i}); err != nil {
			t.Fatalf("add %d: %s", i, err)
		}
	}
	if err := s.RemoveTransactionsLaterThan(ctx, 3); err != nil {
		t.Fatalf("remove: %s", err)
	}
	last, ok, err := s.GetLastTransaction(ctx)
	if err != nil || !ok {
		t.Fatalf("GetLastTransaction: ok=%v err=%s", ok, err)
	}
	if last.TransactionNumber != 3 {
		t.Fatalf("expected last transaction 3 after rollback, got %d", last.TransactionNumber)
	}
}

// TestRemoveTransactionsLaterThanPrunesUnresolvable asserts that a
// reorg rollback also drops retry-queue entries anchored past the
// rollback point, so retryUnresolvable never re-fetches a transaction
// from an abandoned fork.
func TestRemoveTransactionsLaterThanPrunesUnresolvable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		tx := model.Transaction{TransactionNumber: i}
		if err := s.RecordUnresolvableTransactionFetchAttempt(ctx, tx); err != nil {
			t.Fatalf("record %d: %s", i, err)
		}
	}
	if err := s.RemoveTransactionsLaterThan(ctx, 3); err != nil {
		t.Fatalf("remove: %s", err)
	}
	// far-future cutoff: every surviving record is due, regardless of
	// its retry schedule, so this enumerates everything left behind.
	due, err := s.GetUnresolvableTransactionsDueForRetry(ctx, nowMillis()+model.UnresolvableRetryBaseMillis*1000)
	if err != nil {
		t.Fatalf("GetUnresolvableTransactionsDueForRetry: %s", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 unresolvable transactions to survive rollback, got %d", len(due))
	}
	for _, rec := range due {
		if rec.Transaction.TransactionNumber > 3 {
			t.Fatalf("expected unresolvable transaction %d pruned by rollback, still present", rec.Transaction.TransactionNumber)
		}
	}
}
