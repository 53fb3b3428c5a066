// Package cas defines the contract this node consumes from an external
// content-addressable store (spec.md §6). Protocol-level implementation
// is out of scope (spec.md §1); only the interface lives here.
package cas

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Read when hash isn't present in the store —
// retryable per spec.md §4.4/§7.
var ErrNotFound = errors.New("CasNotFound")

// ErrTooLarge is returned by Read when the stored content exceeds
// maxBytes — fatal for the calling transaction per spec.md §4.4/§7.
var ErrTooLarge = errors.New("CasTooLarge")

// CAS is the contract the download manager and batch writer consume.
type CAS interface {
	// Read fetches the content addressed by hash, capped at maxBytes.
	Read(ctx context.Context, hash string, maxBytes int) ([]byte, error)
	// Write stores content and returns its content-addressed hash.
	Write(ctx context.Context, content []byte) (hash string, err error)
}
