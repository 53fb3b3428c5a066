package multihash

import (
	"crypto/sha256"
	"testing"
)

func TestHashDecodeRoundTrip(t *testing.T) {
	content := []byte("hello sidetree")
	encoded, err := Hash(content, SHA256Code)
	if err != nil {
		t.Fatalf("Hash: %s", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	if decoded.Code != SHA256Code {
		t.Fatalf("expected code %d, got %d", SHA256Code, decoded.Code)
	}
	want := sha256.Sum256(content)
	if string(decoded.Digest) != string(want[:]) {
		t.Fatalf("digest mismatch")
	}
}

func TestHashAndEncodeVerify(t *testing.T) {
	content := []byte("some did document delta")
	encoded, err := HashAndEncode(content, SHA256Code, Base58BTC)
	if err != nil {
		t.Fatalf("HashAndEncode: %s", err)
	}
	ok, err := Verify(content, encoded, Base58BTC)
	if err != nil {
		t.Fatalf("Verify: %s", err)
	}
	if !ok {
		t.Fatal("expected verify to succeed")
	}

	ok, err = Verify([]byte("tampered content"), encoded, Base58BTC)
	if err != nil {
		t.Fatalf("Verify: %s", err)
	}
	if ok {
		t.Fatal("expected verify to fail for tampered content")
	}
}

func TestBase64URLEncoding(t *testing.T) {
	content := []byte("base64url variant")
	encoded, err := HashAndEncode(content, SHA256Code, Base64URL)
	if err != nil {
		t.Fatalf("HashAndEncode: %s", err)
	}
	ok, err := Verify(content, encoded, Base64URL)
	if err != nil {
		t.Fatalf("Verify: %s", err)
	}
	if !ok {
		t.Fatal("expected verify to succeed for base64url encoding")
	}
}

func TestUnsupportedHashAlgorithm(t *testing.T) {
	_, err := Hash([]byte("x"), 0x99)
	if err == nil {
		t.Fatal("expected an error for an unsupported algorithm")
	}
}

func TestCanonicalizeIsDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": []interface{}{3, 2, 1}}
	b := map[string]interface{}{"c": []interface{}{3, 2, 1}, "a": 2, "b": 1}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize: %s", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize: %s", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical bytes, got %q vs %q", ca, cb)
	}
}

func TestCanonicalizeThenDoubleHashThenEncodeIsDeterministic(t *testing.T) {
	obj := map[string]interface{}{"method": "update", "commitment": "abc"}
	first, err := CanonicalizeThenDoubleHashThenEncode(obj, SHA256Code, Base58BTC)
	if err != nil {
		t.Fatalf("CanonicalizeThenDoubleHashThenEncode: %s", err)
	}
	second, err := CanonicalizeThenDoubleHashThenEncode(obj, SHA256Code, Base58BTC)
	if err != nil {
		t.Fatalf("CanonicalizeThenDoubleHashThenEncode: %s", err)
	}
	if first != second {
		t.Fatal("expected deterministic commitment encoding")
	}
}
