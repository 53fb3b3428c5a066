// Package resolver implements C14: the thin HTTP surface that answers
// `GET /identifiers/{did}` by delegating straight to the operation
// processor's Resolve. Grounded on the teacher's apiserver (routes.go's
// makeHandler/addRoutes and utils/error.go's HandlerError), which plays
// the same "gorilla/mux router, handlers return (interface{},
// *HandlerError)" role for REST-exposing already-computed state.
package resolver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/decentralized-identity/sidetree-sub007/domain/processor"
	"github.com/decentralized-identity/sidetree-sub007/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.RSLV)

const routeParamDID = "did"

// HandlerError is an error returned from a route handler, carrying both
// the HTTP status to send and a client-facing message.
type HandlerError struct {
	Code          int
	Message       string
	ClientMessage string
}

func (e *HandlerError) Error() string { return e.Message }

// NewHandlerError returns a HandlerError whose client message equals
// its internal message.
func NewHandlerError(code int, message string) *HandlerError {
	return &HandlerError{Code: code, Message: message, ClientMessage: message}
}

// didResponse is the JSON shape returned for a resolved DID.
type didResponse struct {
	DIDUniqueSuffix string          `json:"didUniqueSuffix"`
	RecoveryKey     []byte          `json:"recoveryKey,omitempty"`
	UpdateKey       []byte          `json:"updateKey,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
}

func makeHandler(handler func(routeParams map[string]string) (interface{}, *HandlerError)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response, hErr := handler(mux.Vars(r))
		if hErr != nil {
			log.Warnf("resolver: returning error %d: %s", hErr.Code, hErr.Message)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(hErr.Code)
			sendJSON(w, hErr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		sendJSON(w, response)
	}
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(b); err != nil {
		log.Warnf("resolver: writing response: %s", err)
	}
}

// addRoutes wires this package's single endpoint onto router.
func addRoutes(router *mux.Router, proc *processor.Processor) {
	router.HandleFunc(
		fmt.Sprintf("/identifiers/{%s}", routeParamDID),
		makeHandler(func(routeParams map[string]string) (interface{}, *HandlerError) {
			return resolveHandler(proc, routeParams[routeParamDID])
		}),
	).Methods("GET")
}

// resolveHandler implements spec.md §4.8's resolver contract: 400 for a
// malformed DID, 404 for one the processor has never seen a valid
// Create for, 200 with the reconstructed document otherwise.
func resolveHandler(proc *processor.Processor, did string) (interface{}, *HandlerError) {
	did = strings.TrimPrefix(did, "did:sidetree:")
	if did == "" {
		return nil, NewHandlerError(http.StatusBadRequest, "empty DID unique suffix")
	}

	doc, err := proc.Resolve(did)
	if err != nil {
		if err == processor.ErrDIDNotFound {
			return nil, NewHandlerError(http.StatusNotFound, fmt.Sprintf("no DID found for %q", did))
		}
		return nil, NewHandlerError(http.StatusInternalServerError, err.Error())
	}

	return didResponse{
		DIDUniqueSuffix: did,
		RecoveryKey:     doc.RecoveryKey,
		UpdateKey:       doc.UpdateKey,
		Content:         doc.Content,
	}, nil
}

// Start begins serving the resolver HTTP endpoint on listenAddr and
// returns a function that gracefully shuts it down. Mirrors the
// teacher's server.Start/shutdownServer handoff used from main.go.
func Start(listenAddr string, proc *processor.Processor) func() {
	router := mux.NewRouter()
	addRoutes(router, proc)

	srv := &http.Server{Addr: listenAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("resolver: HTTP server stopped: %s", err)
		}
	}()
	log.Infof("resolver: listening on %s", listenAddr)

	return func() {
		if err := srv.Close(); err != nil {
			log.Errorf("resolver: error closing HTTP server: %s", err)
		}
	}
}
