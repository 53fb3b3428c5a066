package operation

import "github.com/pkg/errors"

// Structural parse/validate error kinds, surfaced to callers as typed
// sentinels per spec.md §7 so the observer can distinguish "this
// transaction is permanently skipped" from "this single operation is
// invalid" without string matching.
var (
	// ErrMalformedAnchorFile means the anchor file didn't parse as
	// valid JSON matching its schema.
	ErrMalformedAnchorFile = errors.New("MalformedAnchorFile")
	// ErrMalformedMapFile means the map file didn't parse.
	ErrMalformedMapFile = errors.New("MalformedMapFile")
	// ErrMalformedChunkFile means the chunk file didn't parse, or its
	// delta count didn't match the headers referencing it.
	ErrMalformedChunkFile = errors.New("MalformedChunkFile")
)
