// Package multihash implements C1: canonical content-addressed
// identifiers for this protocol — a SHA-256 digest wrapped in a
// multihash header and base-encoded, plus the commitment/reveal
// helper canonicalizeThenDoubleHashThenEncode.
//
// Grounded on github.com/multiformats/go-multihash for the wire-level
// multihash header (type + length prefix) and github.com/mr-tron/base58
// for the base58 alphabet; neither library is part of the teacher's own
// stack, since btcd/kaspad hash values are raw fixed-size arrays rather
// than self-describing multihashes — see DESIGN.md.
package multihash

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/logger"
	"github.com/decentralized-identity/sidetree-sub007/logs"
)

var log *logs.Logger

func init() {
	log, _ = logger.Get(logger.SubsystemTags.MHSH)
}

// SHA256Code is the multihash code for SHA-256, the only algorithm this
// protocol version recognizes (spec.md §6 hashAlgorithmInMultihashCode
// default).
const SHA256Code = mh.SHA2_256 // 18, per the multihash table.

// Encoding selects the base-encoding applied after the multihash header,
// per protocol version.
type Encoding int

const (
	// Base58BTC is the default encoding for this protocol version.
	Base58BTC Encoding = iota
	// Base64URL is an alternate encoding some protocol versions select.
	Base64URL
)

// ErrUnsupportedHashAlgorithm is returned when a caller requests an
// algorithm code this package doesn't implement.
var ErrUnsupportedHashAlgorithm = errors.New("UnsupportedHashAlgorithm")

// Decoded is the result of splitting a multihash buffer into its code
// and digest.
type Decoded struct {
	Code   uint64
	Digest []byte
}

// Hash hashes content with the algorithm named by code and wraps the
// digest in a multihash header. Only SHA256Code is currently supported.
func Hash(content []byte, code uint64) ([]byte, error) {
	if code != SHA256Code {
		return nil, errors.Wrapf(ErrUnsupportedHashAlgorithm, "code %d", code)
	}
	digest := sha256.Sum256(content)
	encoded, err := mh.Encode(digest[:], code)
	if err != nil {
		return nil, errors.Wrap(err, "encoding multihash")
	}
	return encoded, nil
}

// Decode splits a multihash buffer into its algorithm code and digest.
func Decode(buf []byte) (Decoded, error) {
	decoded, err := mh.Decode(buf)
	if err != nil {
		return Decoded{}, errors.Wrap(err, "decoding multihash")
	}
	return Decoded{Code: decoded.Code, Digest: decoded.Digest}, nil
}

// IsComputedUsing reports whether the multihash buf was produced using
// the hash algorithm identified by code.
func IsComputedUsing(buf []byte, code uint64) bool {
	decoded, err := Decode(buf)
	if err != nil {
		return false
	}
	return decoded.Code == code
}

// Encode base-encodes a raw multihash buffer per the given encoding.
func Encode(buf []byte, enc Encoding) string {
	switch enc {
	case Base64URL:
		return base64.RawURLEncoding.EncodeToString(buf)
	default:
		return base58.Encode(buf)
	}
}

// DecodeString reverses Encode using the given encoding only.
func DecodeString(s string, enc Encoding) ([]byte, error) {
	switch enc {
	case Base64URL:
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "base64url-decoding multihash string")
		}
		return b, nil
	default:
		b, err := base58.Decode(s)
		if err != nil {
			return nil, errors.Wrap(err, "base58-decoding multihash string")
		}
		return b, nil
	}
}

// HashAndEncode is the common case: hash content, then base-encode the
// resulting multihash.
func HashAndEncode(content []byte, code uint64, enc Encoding) (string, error) {
	buf, err := Hash(content, code)
	if err != nil {
		return "", err
	}
	return Encode(buf, enc), nil
}

// Verify reports whether encodedMultihash is the correctly-encoded
// multihash of content.
func Verify(content []byte, encodedMultihash string, enc Encoding) (bool, error) {
	buf, err := DecodeString(encodedMultihash, enc)
	if err != nil {
		log.Debugf("verify: failed to decode multihash string: %s", err)
		return false, nil
	}
	decoded, err := Decode(buf)
	if err != nil {
		log.Debugf("verify: failed to decode multihash buffer: %s", err)
		return false, nil
	}
	expected, err := Hash(content, decoded.Code)
	if err != nil {
		return false, err
	}
	actual, err2 := mh.Cast(buf)
	if err2 != nil {
		return false, errors.Wrap(err2, "casting multihash buffer")
	}
	expectedCast, err3 := mh.Cast(expected)
	if err3 != nil {
		return false, errors.Wrap(err3, "casting computed multihash")
	}
	return string(actual) == string(expectedCast), nil
}

// CanonicalizeThenDoubleHashThenEncode implements the commitment/reveal
// scheme used for recovery/update commitments: canonicalize the object
// to deterministic JSON, hash it, hash the hash again, and base-encode
// the result as a multihash. Double-hashing means a commitment reveals
// nothing about the underlying reveal value's single hash.
func CanonicalizeThenDoubleHashThenEncode(object interface{}, code uint64, enc Encoding) (string, error) {
	canonical, err := Canonicalize(object)
	if err != nil {
		return "", errors.Wrap(err, "canonicalizing object")
	}
	firstHash, err := Hash(canonical, code)
	if err != nil {
		return "", err
	}
	decoded, err := Decode(firstHash)
	if err != nil {
		return "", err
	}
	secondHash, err := Hash(decoded.Digest, code)
	if err != nil {
		return "", err
	}
	return Encode(secondHash, enc), nil
}

// Canonicalize serializes object to deterministic JSON: object keys are
// sorted recursively and no insignificant whitespace is emitted, so the
// same logical document always produces the same bytes regardless of
// field declaration order. There is no canonical-JSON library in the
// teacher's dependency stack, so this is hand-rolled over encoding/json
// — see DESIGN.md.
func Canonicalize(object interface{}) ([]byte, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling object")
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "unmarshaling object for canonicalization")
	}
	return marshalCanonical(generic)
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(val)
	}
}
