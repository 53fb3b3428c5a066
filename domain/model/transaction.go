// Package model holds the data types shared across this node's
// components: the Transaction family (spec.md §3), operations and their
// processor bookkeeping, and the anchor/map/chunk file shapes. Keeping
// them in one package mirrors the teacher's domain/consensus/model,
// which plays the same role for blockdag-wide types.
package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Transaction is an immutable record anchored on the blockchain.
type Transaction struct {
	TransactionNumber   uint64
	TransactionTime     uint64
	TransactionTimeHash string
	TransactionFeePaid  uint64
	AnchorFileHash      string
	AnchorString        string
}

// AnchorStringPayload is the decoded form of Transaction.AnchorString:
// the compact blockchain payload the rate limiter and batch writer both
// need to read (spec.md §6 "Anchor string").
type AnchorStringPayload struct {
	AnchorFileHash     string `json:"anchorFileHash"`
	NumberOfOperations int    `json:"numberOfOperations"`
}

// EncodeAnchorString serializes an AnchorStringPayload to the wire
// format stored in Transaction.AnchorString.
func EncodeAnchorString(p AnchorStringPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "encoding anchor string")
	}
	return string(raw), nil
}

// DecodeAnchorString parses a Transaction.AnchorString back into an
// AnchorStringPayload.
func DecodeAnchorString(s string) (AnchorStringPayload, error) {
	var p AnchorStringPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return AnchorStringPayload{}, errors.Wrap(err, "decoding anchor string")
	}
	return p, nil
}

// ResolvedTransaction extends Transaction once its referenced files have
// been fetched from CAS.
type ResolvedTransaction struct {
	Transaction
	BatchFileHash string
	MapFileHash   string
	ChunkFileHash string
}

// UnresolvableTransaction wraps a Transaction that couldn't (yet) be
// resolved, tracking its retry schedule.
type UnresolvableTransaction struct {
	Transaction    Transaction
	FirstFetchTime int64 // unix millis
	RetryAttempts  int
	NextRetryTime  int64 // unix millis
}

// UnresolvableRetryBaseMillis is the base used in
// nextRetryTime = firstFetchTime + 2^retryAttempts * base.
const UnresolvableRetryBaseMillis = 60000

// NextRetryTime computes the retry schedule invariant from spec.md §3.
func NextRetryTime(firstFetchTime int64, retryAttempts int) int64 {
	return firstFetchTime + (int64(1)<<uint(retryAttempts))*UnresolvableRetryBaseMillis
}
