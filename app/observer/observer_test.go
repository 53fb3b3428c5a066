package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
	"github.com/decentralized-identity/sidetree-sub007/domain/processor"
	"github.com/decentralized-identity/sidetree-sub007/domain/ratelimiter"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/blockchain"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/cas"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/download"
)

type fakeCAS struct {
	mu       sync.Mutex
	content  map[string][]byte
	tooLarge map[string]bool
}

func (f *fakeCAS) Read(ctx context.Context, hash string, maxBytes int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tooLarge[hash] {
		return nil, cas.ErrTooLarge
	}
	c, ok := f.content[hash]
	if !ok {
		return nil, cas.ErrNotFound
	}
	return c, nil
}

func (f *fakeCAS) Write(ctx context.Context, content []byte) (string, error) { return "", nil }

type fakeChain struct {
	mu                sync.Mutex
	batches           [][]model.Transaction // one []Transaction per Read call, consumed in order
	nextRead          int
	invalidAfterIndex int // -1 disables; otherwise Read past this batch index returns the reorg error
	firstValid        model.Transaction
	firstValidOK      bool
}

func (f *fakeChain) Read(ctx context.Context, since uint64, sinceTimeHash string) (blockchain.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidAfterIndex >= 0 && f.nextRead > f.invalidAfterIndex {
		return blockchain.ReadResult{}, blockchain.ErrInvalidTransactionNumberOrTimeHash
	}
	if f.nextRead >= len(f.batches) {
		return blockchain.ReadResult{MoreTransactions: false}, nil
	}
	batch := f.batches[f.nextRead]
	f.nextRead++
	return blockchain.ReadResult{Transactions: batch, MoreTransactions: f.nextRead < len(f.batches)}, nil
}

func (f *fakeChain) GetFirstValidTransaction(ctx context.Context, candidates []model.Transaction) (model.Transaction, bool, error) {
	return f.firstValid, f.firstValidOK, nil
}
func (f *fakeChain) Write(ctx context.Context, anchorString string, minimumFee uint64) error {
	return nil
}
func (f *fakeChain) Time(ctx context.Context) (uint64, string, error)                { return 0, "", nil }
func (f *fakeChain) Fee(ctx context.Context, transactionTime uint64) (uint64, error) { return 0, nil }
func (f *fakeChain) WriterLock(ctx context.Context) (blockchain.Lock, bool, error) {
	return blockchain.Lock{}, false, nil
}
func (f *fakeChain) Lock(ctx context.Context, id string) (blockchain.Lock, error) {
	return blockchain.Lock{}, nil
}

type fakeStore struct {
	mu           sync.Mutex
	processed    map[uint64]model.Transaction
	unresolvable map[uint64]model.UnresolvableTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		processed:    make(map[uint64]model.Transaction),
		unresolvable: make(map[uint64]model.UnresolvableTransaction),
	}
}

func (s *fakeStore) AddProcessedTransaction(ctx context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[tx.TransactionNumber] = tx
	return nil
}

func (s *fakeStore) GetLastTransaction(ctx context.Context) (model.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best model.Transaction
	found := false
	for _, tx := range s.processed {
		if !found || tx.TransactionNumber > best.TransactionNumber {
			best = tx
			found = true
		}
	}
	return best, found, nil
}

func (s *fakeStore) GetExponentiallySpacedTransactions(ctx context.Context) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok, _ := s.GetLastTransaction(ctx)
	if !ok {
		return nil, nil
	}
	var out []model.Transaction
	distance := uint64(0)
	idx := last.TransactionNumber
	for {
		if tx, ok := s.processed[idx]; ok {
			out = append(out, tx)
		}
		if distance == 0 {
			distance = 1
		} else {
			distance *= 2
		}
		if distance > idx {
			break
		}
		idx -= distance
	}
	return out, nil
}

func (s *fakeStore) RecordUnresolvableTransactionFetchAttempt(ctx context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolvable[tx.TransactionNumber] = model.UnresolvableTransaction{Transaction: tx}
	return nil
}

func (s *fakeStore) RemoveUnresolvableTransaction(ctx context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unresolvable, tx.TransactionNumber)
	return nil
}

func (s *fakeStore) GetUnresolvableTransactionsDueForRetry(ctx context.Context, nowMillis int64) ([]model.UnresolvableTransaction, error) {
	return nil, nil
}

func (s *fakeStore) RemoveTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.processed {
		if n > transactionNumber {
			delete(s.processed, n)
		}
	}
	return nil
}

func txWithEmptyBatch(t *testing.T, number, timeVal uint64, c *fakeCAS) model.Transaction {
	t.Helper()
	anchorHash := "anchor" + string(rune('0'+number))
	mapHash := "map" + string(rune('0'+number))
	chunkHash := "chunk" + string(rune('0'+number))
	c.content[anchorHash] = []byte(`{"mapFileUri":"` + mapHash + `"}`)
	c.content[mapHash] = []byte(`{"chunkFileUri":"` + chunkHash + `"}`)
	c.content[chunkHash] = []byte(`{"deltas":[]}`)
	anchorString, _ := model.EncodeAnchorString(model.AnchorStringPayload{AnchorFileHash: anchorHash, NumberOfOperations: 0})
	return model.Transaction{
		TransactionNumber:   number,
		TransactionTime:     timeVal,
		TransactionTimeHash: "h" + string(rune('0'+timeVal)),
		AnchorFileHash:      anchorHash,
		AnchorString:        anchorString,
	}
}

func newTestObserver(chain *fakeChain, store *fakeStore, c *fakeCAS) *Observer {
	dm := download.NewManager(c, 4)
	proc := processor.New(multihash.SHA256Code, multihash.Base58BTC)
	cfg := Config{
		ObservingInterval:      time.Second,
		MaxConcurrentDownloads: 4,
		MaxAnchorFileSize:      1 << 20,
		MaxMapFileSize:         1 << 20,
		MaxBatchFileSize:       1 << 20,
		MultihashCode:          multihash.SHA256Code,
		MultihashEncoding:      multihash.Base58BTC,
	}
	limiter := ratelimiter.New(10000)
	return New(chain, dm, store, proc, limiter, cfg)
}

// waitForProcessed keeps committing obs's already-processed in-flight
// prefix until the store holds want transactions, since Tick itself
// does not wait for the downloads it starts.
func waitForProcessed(t *testing.T, obs *Observer, store *fakeStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		obs.storeConsecutiveProcessed(context.Background())
		store.mu.Lock()
		n := len(store.processed)
		store.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d processed transactions", want)
}

func TestObserverTickProcessesTransactionsInOrder(t *testing.T) {
	c := &fakeCAS{content: make(map[string][]byte)}
	txs := []model.Transaction{
		txWithEmptyBatch(t, 1, 1, c),
		txWithEmptyBatch(t, 2, 1, c),
		txWithEmptyBatch(t, 3, 2, c),
	}
	chain := &fakeChain{batches: [][]model.Transaction{txs}, invalidAfterIndex: -1}
	store := newFakeStore()
	obs := newTestObserver(chain, store, c)

	if err := obs.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %s", err)
	}
	waitForProcessed(t, obs, store, 3)

	last, ok, err := store.GetLastTransaction(context.Background())
	if err != nil || !ok {
		t.Fatalf("GetLastTransaction: %v ok=%v", err, ok)
	}
	if last.TransactionNumber != 3 {
		t.Fatalf("expected last transaction 3, got %d", last.TransactionNumber)
	}
}

// TestObserverDropsTooLargeFileWithoutRetry asserts that cas.ErrTooLarge
// is fatal for the calling transaction per spec.md §4.4/§7: it must be
// skipped permanently (recorded as processed) rather than scheduled on
// the unresolvable retry ladder, unlike cas.ErrNotFound.
func TestObserverDropsTooLargeFileWithoutRetry(t *testing.T) {
	c := &fakeCAS{content: make(map[string][]byte), tooLarge: make(map[string]bool)}
	tx := txWithEmptyBatch(t, 1, 1, c)
	c.tooLarge[tx.AnchorFileHash] = true

	chain := &fakeChain{batches: [][]model.Transaction{{tx}}, invalidAfterIndex: -1}
	store := newFakeStore()
	obs := newTestObserver(chain, store, c)

	if err := obs.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		obs.storeConsecutiveProcessed(context.Background())
		obs.mu.Lock()
		drained := len(obs.inFlight) == 0
		obs.mu.Unlock()
		if drained {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the in-flight record to drain")
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.Lock()
	_, processed := store.processed[tx.TransactionNumber]
	_, unresolvable := store.unresolvable[tx.TransactionNumber]
	store.mu.Unlock()
	if !processed {
		t.Fatalf("expected the oversized transaction to be recorded as processed (skipped)")
	}
	if unresolvable {
		t.Fatalf("expected the oversized transaction never to enter the retry queue")
	}
}

// TestObserverReorgToEmptyClearsEverything matches spec.md §8 scenario 4:
// processed 1..10, reorg hits, getFirstValidTransaction finds nothing,
// rollback(0) and the store ends up with no processed transactions.
func TestObserverReorgToEmptyClearsEverything(t *testing.T) {
	c := &fakeCAS{content: make(map[string][]byte)}
	store := newFakeStore()
	for i := uint64(1); i <= 10; i++ {
		tx := txWithEmptyBatch(t, i, i, c)
		if err := store.AddProcessedTransaction(context.Background(), tx); err != nil {
			t.Fatalf("seeding store: %s", err)
		}
	}

	chain := &fakeChain{invalidAfterIndex: -1, firstValidOK: false}
	obs := newTestObserver(chain, store, c)
	obs.haveLastKnown = true
	obs.lastKnownTransaction = store.processed[10]
	obs.reorgDetected = true

	if err := obs.revertInvalidTransactions(context.Background()); err != nil {
		t.Fatalf("revertInvalidTransactions: %s", err)
	}

	_, ok, err := store.GetLastTransaction(context.Background())
	if err != nil {
		t.Fatalf("GetLastTransaction: %s", err)
	}
	if ok {
		t.Fatalf("expected an empty store after a reorg to empty")
	}
	if obs.haveLastKnown {
		t.Fatalf("expected haveLastKnown cleared after a reorg to empty")
	}
}

func TestObserverReorgRollsBackToBestValidAncestor(t *testing.T) {
	c := &fakeCAS{content: make(map[string][]byte)}
	store := newFakeStore()
	for i := uint64(1); i <= 10; i++ {
		tx := txWithEmptyBatch(t, i, i, c)
		if err := store.AddProcessedTransaction(context.Background(), tx); err != nil {
			t.Fatalf("seeding store: %s", err)
		}
	}

	bestValid := store.processed[7]
	chain := &fakeChain{firstValid: bestValid, firstValidOK: true}
	obs := newTestObserver(chain, store, c)
	obs.haveLastKnown = true
	obs.lastKnownTransaction = store.processed[10]

	if err := obs.revertInvalidTransactions(context.Background()); err != nil {
		t.Fatalf("revertInvalidTransactions: %s", err)
	}

	last, ok, err := store.GetLastTransaction(context.Background())
	if err != nil || !ok {
		t.Fatalf("GetLastTransaction: %v ok=%v", err, ok)
	}
	if last.TransactionNumber != 7 {
		t.Fatalf("expected store trimmed to transaction 7, got %d", last.TransactionNumber)
	}
	if obs.lastKnownTransaction.TransactionNumber != 7 {
		t.Fatalf("expected lastKnownTransaction reset to 7, got %d", obs.lastKnownTransaction.TransactionNumber)
	}
}
