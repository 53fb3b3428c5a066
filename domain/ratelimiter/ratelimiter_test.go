package ratelimiter

import (
	"testing"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
)

func anchorString(t *testing.T, numberOfOperations int) string {
	t.Helper()
	s, err := model.EncodeAnchorString(model.AnchorStringPayload{AnchorFileHash: "h", NumberOfOperations: numberOfOperations})
	if err != nil {
		t.Fatalf("encoding anchor string: %s", err)
	}
	return s
}

func TestLimiterCapsByFeePriorityWithinABlock(t *testing.T) {
	l := New(25)

	txs := []model.Transaction{
		{TransactionNumber: 1, TransactionTime: 100, TransactionFeePaid: 333, AnchorString: anchorString(t, 12)},
		{TransactionNumber: 2, TransactionTime: 100, TransactionFeePaid: 999, AnchorString: anchorString(t, 11)},
		{TransactionNumber: 3, TransactionTime: 100, TransactionFeePaid: 998, AnchorString: anchorString(t, 8)},
		{TransactionNumber: 4, TransactionTime: 100, TransactionFeePaid: 14, AnchorString: anchorString(t, 1)},
	}
	for _, tx := range txs {
		if flushed := l.Push(tx); flushed != nil {
			t.Fatalf("expected no flush while still on the same transactionTime, got %+v", flushed)
		}
	}

	admitted := l.Flush()
	if len(admitted) != 2 {
		t.Fatalf("expected 2 admitted transactions, got %d: %+v", len(admitted), admitted)
	}
	if admitted[0].TransactionNumber != 2 || admitted[1].TransactionNumber != 3 {
		t.Fatalf("expected transactions 2 then 3 in ascending order, got %+v", admitted)
	}
}

func TestLimiterFlushesOnTransactionTimeBoundary(t *testing.T) {
	l := New(100)

	if flushed := l.Push(model.Transaction{TransactionNumber: 1, TransactionTime: 1, TransactionFeePaid: 10, AnchorString: anchorString(t, 1)}); flushed != nil {
		t.Fatalf("expected no flush on first push, got %+v", flushed)
	}
	flushed := l.Push(model.Transaction{TransactionNumber: 2, TransactionTime: 2, TransactionFeePaid: 20, AnchorString: anchorString(t, 1)})
	if len(flushed) != 1 || flushed[0].TransactionNumber != 1 {
		t.Fatalf("expected the previous block's transaction to flush, got %+v", flushed)
	}

	tail := l.Flush()
	if len(tail) != 1 || tail[0].TransactionNumber != 2 {
		t.Fatalf("expected the new block's transaction still buffered, got %+v", tail)
	}
}

func TestLimiterAdmitsUnparsableAnchorStringUnconditionally(t *testing.T) {
	l := New(1)

	l.Push(model.Transaction{TransactionNumber: 1, TransactionTime: 1, TransactionFeePaid: 500, AnchorString: anchorString(t, 1)})
	l.Push(model.Transaction{TransactionNumber: 2, TransactionTime: 1, TransactionFeePaid: 10, AnchorString: "not json"})

	admitted := l.Flush()
	if len(admitted) != 2 {
		t.Fatalf("expected both transactions admitted (one over cap but unparsable), got %+v", admitted)
	}
}
