package operation

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/pkg/errors"
)

// DeltaPayload is the structure this implementation expects inside
// every Operation.Delta: an opaque content patch plus the key-rotation
// fields the processor needs to resolve "the public key resolved from
// the chain so far" (spec.md §3/V2) for the next operation in the
// chain. ed25519 is the only signature scheme this node supports; no
// library in the teacher's or pack's dependency stack covers
// signing/verification, so this uses the standard library directly —
// see DESIGN.md.
type DeltaPayload struct {
	// SigningKey is only meaningful on a Create operation: the
	// self-certifying key its own signature verifies against, since
	// there is no prior chain state to resolve a key from.
	SigningKey ed25519.PublicKey `json:"signingKey,omitempty"`
	// NextRecoveryKey is set by Create and Recover operations and
	// becomes the key a subsequent Recover or Deactivate must sign
	// against.
	NextRecoveryKey ed25519.PublicKey `json:"nextRecoveryKey,omitempty"`
	// NextUpdateKey is set by Create, Recover, and Update operations
	// and becomes the key a subsequent Update must sign against.
	NextUpdateKey ed25519.PublicKey `json:"nextUpdateKey,omitempty"`
	// Patch is the opaque document content this operation establishes
	// or replaces; this implementation applies patches as a full
	// replace rather than modeling JSON-Patch semantics, since the
	// patch format itself is outside this spec's scope.
	Patch json.RawMessage `json:"patch,omitempty"`
}

// DecodeDelta parses an operation's raw Delta bytes as a DeltaPayload.
func DecodeDelta(raw []byte) (DeltaPayload, error) {
	var d DeltaPayload
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return DeltaPayload{}, errors.Wrap(ErrMalformedChunkFile, err.Error())
	}
	return d, nil
}

// VerifySignature reports whether signature over content verifies
// against publicKey. A missing or malformed key/signature is treated as
// verification failure, not an error, since an invalid signature is a
// routine (expected) outcome for an attacker-submitted operation.
func VerifySignature(publicKey ed25519.PublicKey, content, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, content, signature)
}

// Document is the reconstructed state of a DID at a point in its
// version chain: the currently active recovery/update keys (used to
// validate the next operation's signature) and the opaque content the
// most recently applied patch produced.
type Document struct {
	RecoveryKey ed25519.PublicKey
	UpdateKey   ed25519.PublicKey
	Content     json.RawMessage
}

// ApplyCreate initializes a Document from a Create operation's delta.
func ApplyCreate(delta DeltaPayload) Document {
	recoveryKey := delta.NextRecoveryKey
	if recoveryKey == nil {
		recoveryKey = delta.SigningKey
	}
	return Document{
		RecoveryKey: recoveryKey,
		UpdateKey:   delta.NextUpdateKey,
		Content:     delta.Patch,
	}
}

// ApplyUpdate applies an Update operation's delta, rotating the update
// key forward if the delta declares a new one.
func (d Document) ApplyUpdate(delta DeltaPayload) Document {
	next := d
	if delta.Patch != nil {
		next.Content = delta.Patch
	}
	if delta.NextUpdateKey != nil {
		next.UpdateKey = delta.NextUpdateKey
	}
	return next
}

// ApplyRecover applies a Recover operation's delta, rotating both the
// recovery and update keys forward.
func (d Document) ApplyRecover(delta DeltaPayload) Document {
	next := d
	if delta.Patch != nil {
		next.Content = delta.Patch
	}
	if delta.NextRecoveryKey != nil {
		next.RecoveryKey = delta.NextRecoveryKey
	}
	if delta.NextUpdateKey != nil {
		next.UpdateKey = delta.NextUpdateKey
	}
	return next
}
