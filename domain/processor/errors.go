package processor

import "github.com/pkg/errors"

// ErrDIDNotFound is the user-visible NotFound failure spec.md §7 names:
// no Create operation is known (or the known one never validated) for
// the requested DID.
var ErrDIDNotFound = errors.New("NotFound")
