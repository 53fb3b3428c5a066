// Package processor implements C8, the version DAG / operation
// processor: the component that turns a time-ordered stream of parsed
// operations into, per DID, a single fork-tolerant resolved version
// chain. It is grounded on the teacher's blockdag reorg/validity
// handling (daglabs-btcd/blockdag): the same "mark invalid, propagate
// invalidity forward along descendants, never re-derive from scratch"
// shape blockdag uses for orphan/invalid block handling, applied here
// to per-DID operation chains instead of the single global block chain.
package processor

import (
	"sync"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
	"github.com/decentralized-identity/sidetree-sub007/domain/operation"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.PROC)

// Processor holds the three maps spec.md §5 names as the operation
// processor's only cross-task shared mutable state: opHashToInfo,
// nextVersion, waitingDescendants. Everything else it needs per
// operation (delta bytes, rotated keys) rides inside the OperationInfo
// records stored in opHashToInfo, not in a fourth map.
type Processor struct {
	mu sync.Mutex

	opHashToInfo       map[string]*model.OperationInfo
	nextVersion        map[string]string   // parent opHash -> the single Valid child opHash
	waitingDescendants map[string][]string // missing/blocking opHash -> ordered list of opHashes awaiting it

	code uint64
	enc  multihash.Encoding
}

// New constructs an empty Processor. code/enc are stored but not
// consulted: the processor trusts operation identity hashes computed
// upstream by the parser and neither recomputes nor checks them.
func New(code uint64, enc multihash.Encoding) *Processor {
	return &Processor{
		opHashToInfo:       make(map[string]*model.OperationInfo),
		nextVersion:        make(map[string]string),
		waitingDescendants: make(map[string][]string),
		code:               code,
		enc:                enc,
	}
}

// ProcessBatch ingests one transaction's worth of already-parsed
// operations in the anchor/map/chunk order ParseBatch produced, which
// doubles as each operation's OperationIndex within the transaction.
func (p *Processor) ProcessBatch(transactionNumber uint64, batchFileHash string, ops []model.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, op := range ops {
		ts := model.OperationTimestamp{TransactionNumber: transactionNumber, OperationIndex: i}
		p.ingest(batchFileHash, ts, op)
	}
}

func (p *Processor) ingest(batchFileHash string, ts model.OperationTimestamp, op model.Operation) {
	if existing, ok := p.opHashToInfo[op.OperationHash]; ok {
		if !ts.Less(existing.Timestamp) {
			log.Debugf("dropping duplicate operation %s", op.OperationHash)
			return
		}
		// existing recorded with a later timestamp than this arrival;
		// extremely unusual (re-anchoring of the same content at an
		// earlier point) but nothing stops us from reprocessing fresh.
	}

	node := &model.OperationInfo{
		OperationHash: op.OperationHash,
		BatchFileHash: batchFileHash,
		Type:          op.Type,
		Timestamp:     ts,
		Parent:        op.PreviousOperationHash,
		Status:        model.StatusUnvalidated,
		Delta:         op.Delta,
		SignedContent: op.SignedContent,
		Signature:     op.Signature,
	}
	p.opHashToInfo[op.OperationHash] = node

	if op.Type == model.OperationTypeCreate {
		p.resolveCreate(node)
		return
	}
	p.resolveNonCreate(node)
}

func (p *Processor) resolveCreate(node *model.OperationInfo) {
	delta, err := operation.DecodeDelta(node.Delta)
	if err != nil || !operation.VerifySignature(delta.SigningKey, node.SignedContent, node.Signature) {
		node.Status = model.StatusInvalid
		p.settle(node)
		return
	}
	node.Status = model.StatusValid
	node.NextRecoveryKey = delta.NextRecoveryKey
	if node.NextRecoveryKey == nil {
		node.NextRecoveryKey = delta.SigningKey
	}
	node.NextUpdateKey = delta.NextUpdateKey
	p.settle(node)
}

// resolveNonCreate implements spec.md §4.7 case analysis (a)-(d) for a
// single node whose Parent pointer is already known. It is called both
// for freshly-ingested operations and, via settle's drain, for
// previously-Unvalidated nodes whose blocking ancestor just settled.
func (p *Processor) resolveNonCreate(node *model.OperationInfo) {
	parent, ok := p.opHashToInfo[node.Parent]
	switch {
	case !ok:
		// (a) ancestor hasn't arrived yet.
		node.Status = model.StatusUnvalidated
		node.MissingAncestor = node.Parent
		p.waitingDescendants[node.Parent] = append(p.waitingDescendants[node.Parent], node.OperationHash)
		return

	case parent.Status == model.StatusUnvalidated:
		// (b) ancestor is itself waiting; inherit its blocking hash so
		// every transitively-blocked descendant collapses onto one list.
		node.Status = model.StatusUnvalidated
		node.MissingAncestor = parent.MissingAncestor
		p.waitingDescendants[parent.MissingAncestor] = append(p.waitingDescendants[parent.MissingAncestor], node.OperationHash)
		return

	case parent.Status == model.StatusInvalid:
		// (c) an invalid ancestor poisons every descendant.
		node.Status = model.StatusInvalid
		p.settle(node)
		return

	default:
		// (d) parent is Valid.
		p.resolveAgainstValidParent(parent, node)
	}
}

func (p *Processor) resolveAgainstValidParent(parent, node *model.OperationInfo) {
	if parent.Type == model.OperationTypeDeactivate {
		// Open Question (iii): deactivation is terminal, no valid
		// successor can ever chain off it.
		node.Status = model.StatusInvalid
		p.settle(node)
		return
	}
	if !parent.Timestamp.Less(node.Timestamp) {
		// V5: strictly increasing timestamps along any chain.
		node.Status = model.StatusInvalid
		p.settle(node)
		return
	}

	key := p.resolveKey(parent, node.Type)
	if !operation.VerifySignature(key, node.SignedContent, node.Signature) {
		// V2: signature must verify against the chain-resolved key.
		node.Status = model.StatusInvalid
		p.settle(node)
		return
	}
	delta, err := operation.DecodeDelta(node.Delta)
	if err != nil {
		node.Status = model.StatusInvalid
		p.settle(node)
		return
	}

	earliestHash, hasSibling := p.nextVersion[parent.OperationHash]
	if !hasSibling {
		p.installValid(parent, node, delta)
		p.settle(node)
		return
	}

	earliest := p.opHashToInfo[earliestHash]
	if node.Timestamp.Less(earliest.Timestamp) {
		// V3 tie-break: earliest (transactionNumber, operationIndex)
		// wins. The new arrival is earlier, so it displaces the
		// previously-installed winner and everything chained off it.
		p.invalidateChainFrom(earliest)
		p.installValid(parent, node, delta)
	} else {
		node.Status = model.StatusInvalid
	}
	p.settle(node)
}

// resolveKey picks the key field V2 checks the child's signature
// against, based on which key the child operation type rotates.
func (p *Processor) resolveKey(parent *model.OperationInfo, childType model.OperationType) []byte {
	if childType == model.OperationTypeUpdate {
		return parent.NextUpdateKey
	}
	return parent.NextRecoveryKey
}

func (p *Processor) installValid(parent, node *model.OperationInfo, delta operation.DeltaPayload) {
	node.Status = model.StatusValid
	switch node.Type {
	case model.OperationTypeUpdate:
		node.NextUpdateKey = delta.NextUpdateKey
		if node.NextUpdateKey == nil {
			node.NextUpdateKey = parent.NextUpdateKey
		}
		node.NextRecoveryKey = parent.NextRecoveryKey
	case model.OperationTypeRecover:
		node.NextRecoveryKey = delta.NextRecoveryKey
		if node.NextRecoveryKey == nil {
			node.NextRecoveryKey = parent.NextRecoveryKey
		}
		node.NextUpdateKey = delta.NextUpdateKey
		if node.NextUpdateKey == nil {
			node.NextUpdateKey = parent.NextUpdateKey
		}
	case model.OperationTypeDeactivate:
		// terminal; no next keys are ever consulted again.
	}
	p.nextVersion[parent.OperationHash] = node.OperationHash
}

// invalidateChainFrom walks an entire former-valid chain, starting at
// the node that just lost a sibling tie-break, marking every node
// along it Invalid and removing its forward nextVersion link.
func (p *Processor) invalidateChainFrom(start *model.OperationInfo) {
	cur := start
	for cur != nil {
		cur.Status = model.StatusInvalid
		next, ok := p.nextVersion[cur.OperationHash]
		delete(p.nextVersion, cur.OperationHash)
		if !ok {
			return
		}
		cur = p.opHashToInfo[next]
	}
}

// settle must be called exactly once a node's Status has left
// StatusUnvalidated for good; it wakes every descendant that was
// waiting on this hash, in the order they first arrived, so processing
// them replays a valid topological order.
func (p *Processor) settle(node *model.OperationInfo) {
	waiters := p.waitingDescendants[node.OperationHash]
	delete(p.waitingDescendants, node.OperationHash)
	for _, hash := range waiters {
		waiting, ok := p.opHashToInfo[hash]
		if !ok {
			continue
		}
		p.resolveNonCreate(waiting)
	}
}

// Rollback discards every operation anchored at or after
// transactionNumber, per spec.md §4.9: used when the observer detects a
// reorg and must unwind state anchored on the abandoned chain.
func (p *Processor) Rollback(transactionNumber uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for hash, node := range p.opHashToInfo {
		if node.Timestamp.TransactionNumber < transactionNumber {
			continue
		}
		switch node.Status {
		case model.StatusValid:
			if node.Parent != "" {
				delete(p.nextVersion, node.Parent)
			}
		case model.StatusUnvalidated:
			if node.MissingAncestor != "" {
				p.removeWaiter(node.MissingAncestor, hash)
			}
		}
		delete(p.opHashToInfo, hash)
	}
}

func (p *Processor) removeWaiter(ancestor, hash string) {
	waiters := p.waitingDescendants[ancestor]
	for i, h := range waiters {
		if h == hash {
			p.waitingDescendants[ancestor] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(p.waitingDescendants[ancestor]) == 0 {
		delete(p.waitingDescendants, ancestor)
	}
}

// Info returns the current bookkeeping record for an operation hash,
// mainly for observability and tests.
func (p *Processor) Info(operationHash string) (model.OperationInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	node, ok := p.opHashToInfo[operationHash]
	if !ok {
		return model.OperationInfo{}, false
	}
	return *node, true
}

// Resolve reconstructs the current document for a DID by replaying
// every Valid operation along its version chain, starting at the
// Create operation whose hash is the DID's unique suffix.
func (p *Processor) Resolve(didUniqueSuffix string) (operation.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	create, ok := p.opHashToInfo[didUniqueSuffix]
	if !ok || create.Type != model.OperationTypeCreate || create.Status != model.StatusValid {
		return operation.Document{}, ErrDIDNotFound
	}
	delta, err := operation.DecodeDelta(create.Delta)
	if err != nil {
		return operation.Document{}, ErrDIDNotFound
	}
	doc := operation.ApplyCreate(delta)

	cur := create
	for {
		nextHash, ok := p.nextVersion[cur.OperationHash]
		if !ok {
			break
		}
		next := p.opHashToInfo[nextHash]
		nextDelta, err := operation.DecodeDelta(next.Delta)
		if err != nil {
			break
		}
		switch next.Type {
		case model.OperationTypeUpdate:
			doc = doc.ApplyUpdate(nextDelta)
		case model.OperationTypeRecover:
			doc = doc.ApplyRecover(nextDelta)
		case model.OperationTypeDeactivate:
			return doc, nil
		}
		cur = next
	}
	return doc, nil
}
