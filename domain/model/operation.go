package model

import "crypto/ed25519"

// OperationType enumerates the four operation kinds spec.md §3 defines.
type OperationType int

const (
	// OperationTypeCreate establishes a new DID.
	OperationTypeCreate OperationType = iota
	// OperationTypeUpdate applies a delta to an existing DID document.
	OperationTypeUpdate
	// OperationTypeRecover replaces the recovery key chain and document.
	OperationTypeRecover
	// OperationTypeDeactivate terminates a DID; per spec.md §9 Open
	// Question (iii), deactivated operations are terminal (no valid
	// successor).
	OperationTypeDeactivate
)

// String renders the operation type for logging.
func (t OperationType) String() string {
	switch t {
	case OperationTypeCreate:
		return "create"
	case OperationTypeUpdate:
		return "update"
	case OperationTypeRecover:
		return "recover"
	case OperationTypeDeactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}

// OperationTimestamp orders operations globally: first by the
// transaction that anchored them, then by position within that
// transaction's batch.
type OperationTimestamp struct {
	TransactionNumber uint64
	OperationIndex    int
}

// Less implements the strict ordering spec.md §3/V5 depends on.
func (t OperationTimestamp) Less(other OperationTimestamp) bool {
	if t.TransactionNumber != other.TransactionNumber {
		return t.TransactionNumber < other.TransactionNumber
	}
	return t.OperationIndex < other.OperationIndex
}

// Operation is one parsed, structurally-validated operation extracted
// from a batch's chunk/anchor/map file trilogy.
type Operation struct {
	Type                  OperationType
	OperationHash         string
	PreviousOperationHash string // empty for Create
	Signature             []byte
	Delta                 []byte // raw delta patch payload; absent for Deactivate
	RevealValue           string // reveal value for update/recover/deactivate commitments
	// EncodedDocumentPayload is only populated for Create: the initial
	// document payload hashed to produce the DID unique suffix.
	EncodedDocumentPayload []byte
	// SignedContent is the exact byte sequence Signature is verified
	// against: EncodedDocumentPayload for Create, or the canonical
	// full-operation-buffer bytes for every other type. The public key
	// it's checked against (V2) is resolved by the processor from the
	// chain so far, since that requires full DAG context parse/validate
	// doesn't have.
	SignedContent []byte
}

// OperationStatus is the processor's verdict on an operation once it has
// settled (spec.md §3 OperationInfo.status).
type OperationStatus int

const (
	// StatusUnvalidated means ancestry is incomplete or validation
	// hasn't run yet.
	StatusUnvalidated OperationStatus = iota
	// StatusValid means the operation won its sibling tie-break and
	// every invariant V1-V5 holds.
	StatusValid
	// StatusInvalid means the operation lost its tie-break, or an
	// ancestor is Invalid, or signature/ordering failed.
	StatusInvalid
)

// OperationInfo is the processor's per-hash bookkeeping record
// (spec.md §3). It carries a little more than the spec's bare
// minimum: the rotated recovery/update keys a Valid operation hands to
// its eventual child, so resolving V2 ("signature verifies against the
// key resolved from the chain so far") never needs a fourth top-level
// map or a CAS re-fetch mid-validation — just this node's own record.
type OperationInfo struct {
	OperationHash   string
	BatchFileHash   string
	Type            OperationType
	Timestamp       OperationTimestamp
	Parent          string // previous operation hash; empty for Create
	Status          OperationStatus
	MissingAncestor string // only meaningful when Status == StatusUnvalidated and ancestry is incomplete

	// Delta, SignedContent and Signature retain the operation's own
	// parsed payload so the processor can validate a waiting child and,
	// at resolve time, replay deltas without a second CAS round trip.
	Delta         []byte
	SignedContent []byte
	Signature     []byte

	// NextRecoveryKey/NextUpdateKey are only meaningful once Status is
	// StatusValid: the keys this operation installed for whichever
	// operation type (Recover/Deactivate, Update) chains off it next.
	NextRecoveryKey ed25519.PublicKey
	NextUpdateKey   ed25519.PublicKey
}
