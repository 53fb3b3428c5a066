package resolver

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/decentralized-identity/sidetree-sub007/domain/model"
	"github.com/decentralized-identity/sidetree-sub007/domain/multihash"
	"github.com/decentralized-identity/sidetree-sub007/domain/operation"
	"github.com/decentralized-identity/sidetree-sub007/domain/processor"
)

func testRouter(proc *processor.Processor) *mux.Router {
	router := mux.NewRouter()
	addRoutes(router, proc)
	return router
}

func TestResolveHandlerReturnsKnownDID(t *testing.T) {
	proc := processor.New(multihash.SHA256Code, multihash.Base58BTC)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %s", err)
	}
	delta, err := json.Marshal(operation.DeltaPayload{SigningKey: pub, Patch: json.RawMessage(`{"hello":"world"}`)})
	if err != nil {
		t.Fatalf("marshaling delta: %s", err)
	}
	op := model.Operation{
		Type:          model.OperationTypeCreate,
		OperationHash: "did1",
		Delta:         delta,
		Signature:     ed25519.Sign(priv, delta),
		SignedContent: delta,
	}
	proc.ProcessBatch(1, "batch1", []model.Operation{op})

	router := testRouter(proc)
	req := httptest.NewRequest(http.MethodGet, "/identifiers/did1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp didResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %s", err)
	}
	if resp.DIDUniqueSuffix != "did1" {
		t.Fatalf("expected didUniqueSuffix did1, got %q", resp.DIDUniqueSuffix)
	}
	if string(resp.Content) != `{"hello":"world"}` {
		t.Fatalf("expected content to roundtrip, got %q", resp.Content)
	}
}

func TestResolveHandlerReturnsNotFoundForUnknownDID(t *testing.T) {
	proc := processor.New(multihash.SHA256Code, multihash.Base58BTC)
	router := testRouter(proc)

	req := httptest.NewRequest(http.MethodGet, "/identifiers/nonexistent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
