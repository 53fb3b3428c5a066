// Package operation implements C4: structural parsing of the
// anchor/map/chunk file trilogy into Operation values, and the
// signature/full-buffer hashing rules spec.md §3-§4.7 depend on.
package operation

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
)

// ParseAnchorFile unmarshals and structurally validates an anchor file.
func ParseAnchorFile(raw []byte) (*model.AnchorFile, error) {
	var af model.AnchorFile
	if err := json.Unmarshal(raw, &af); err != nil {
		return nil, errors.Wrap(ErrMalformedAnchorFile, err.Error())
	}
	return &af, nil
}

// ParseMapFile unmarshals and structurally validates a map file.
func ParseMapFile(raw []byte) (*model.MapFile, error) {
	var mf model.MapFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, errors.Wrap(ErrMalformedMapFile, err.Error())
	}
	return &mf, nil
}

// ParseChunkFile unmarshals and structurally validates a chunk file.
func ParseChunkFile(raw []byte) (*model.ChunkFile, error) {
	var cf model.ChunkFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, errors.Wrap(ErrMalformedChunkFile, err.Error())
	}
	return &cf, nil
}

// ParseBatch combines a transaction's anchor/map/chunk files into the
// ordered list of Operations spec.md §4.8's processBatch consumes. The
// combined order is creates, then recovers, then updates, then
// deactivates — matching the delta order the batch writer assigns
// (spec.md §4.6 step 5: "ChunkFile (deltas of create+recover+update)")
// and giving deactivates (which carry no delta) the last OperationIndex
// slots.
func ParseBatch(txNumber uint64, batchFileHash string, anchor *model.AnchorFile, m *model.MapFile, chunk *model.ChunkFile, code uint64, enc multihash.Encoding) ([]model.Operation, error) {
	expectedDeltas := len(anchor.CreateOperations) + len(anchor.RecoverOperations)
	if m != nil {
		expectedDeltas += len(m.UpdateOperations)
	}
	if len(chunk.Deltas) != expectedDeltas {
		return nil, errors.Wrapf(ErrMalformedChunkFile,
			"expected %d deltas, chunk file has %d", expectedDeltas, len(chunk.Deltas))
	}

	ops := make([]model.Operation, 0, expectedDeltas+len(anchor.DeactivateOperations))
	deltaIdx := 0

	for range anchor.CreateOperations {
		delta := chunk.Deltas[deltaIdx]
		deltaIdx++
		opHash, err := multihash.HashAndEncode(delta.Delta, code, enc)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedChunkFile, err.Error())
		}
		ops = append(ops, model.Operation{
			Type:                   model.OperationTypeCreate,
			OperationHash:          opHash,
			Signature:              delta.Signature,
			Delta:                  delta.Delta,
			EncodedDocumentPayload: delta.Delta,
			SignedContent:          delta.Delta,
		})
	}

	for _, hdr := range anchor.RecoverOperations {
		delta := chunk.Deltas[deltaIdx]
		deltaIdx++
		op, err := buildNonCreateOperation(model.OperationTypeRecover, hdr, delta, code, enc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if m != nil {
		for _, hdr := range m.UpdateOperations {
			delta := chunk.Deltas[deltaIdx]
			deltaIdx++
			op, err := buildNonCreateOperation(model.OperationTypeUpdate, hdr, delta, code, enc)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}

	for _, hdr := range anchor.DeactivateOperations {
		op, err := buildNonCreateOperation(model.OperationTypeDeactivate, hdr, model.OperationDelta{}, code, enc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// fullOperationBuffer is the canonical-JSON struct non-create operation
// hashes and signatures are computed over — this package's concrete
// stand-in for spec.md §3's "full operation buffer".
type fullOperationBuffer struct {
	DIDSuffix             string `json:"didSuffix"`
	RevealValue           string `json:"revealValue,omitempty"`
	PreviousOperationHash string `json:"previousOperationHash,omitempty"`
	Delta                 []byte `json:"delta,omitempty"`
}

func buildNonCreateOperation(opType model.OperationType, hdr model.UpdateOperationHeader, delta model.OperationDelta, code uint64, enc multihash.Encoding) (model.Operation, error) {
	buf := fullOperationBuffer{
		DIDSuffix:             hdr.DIDSuffix,
		RevealValue:           hdr.RevealValue,
		PreviousOperationHash: hdr.PreviousOperationHash,
		Delta:                 delta.Delta,
	}
	canonical, err := multihash.Canonicalize(buf)
	if err != nil {
		return model.Operation{}, errors.Wrap(ErrMalformedChunkFile, err.Error())
	}
	opHash, err := multihash.HashAndEncode(canonical, code, enc)
	if err != nil {
		return model.Operation{}, errors.Wrap(ErrMalformedChunkFile, err.Error())
	}
	return model.Operation{
		Type:                  opType,
		OperationHash:         opHash,
		Signature:             delta.Signature,
		Delta:                 delta.Delta,
		RevealValue:           hdr.RevealValue,
		PreviousOperationHash: hdr.PreviousOperationHash,
		SignedContent:         canonical,
	}, nil
}
