package main

import (
	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/config"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/blockchain"
	"github.com/decentralized-identity/sidetree-sub007/infrastructure/cas"
)

// newBlockchainClient would construct the blockchain.Blockchain this
// node talks to over cfg.BlockchainBaseURI. Per spec.md §1, the
// blockchain REST client's wire-level details are an external
// collaborator's concern, out of this node's scope — only the contract
// in infrastructure/blockchain lives here. A deployment wires a
// concrete implementation of that interface in at this seam.
func newBlockchainClient(cfg *config.Config) (blockchain.Blockchain, error) {
	if cfg.BlockchainBaseURI == "" {
		return nil, errors.New("blockchain-uri is required: no blockchain REST client is bundled, see infrastructure/blockchain.Blockchain")
	}
	return nil, errors.Errorf("no blockchain REST client implementation is bundled; plug one satisfying blockchain.Blockchain in at newBlockchainClient for %s", cfg.BlockchainBaseURI)
}

// newCASClient is newBlockchainClient's counterpart for the
// content-addressable store (infrastructure/cas.CAS).
func newCASClient(cfg *config.Config) (cas.CAS, error) {
	if cfg.CASBaseURI == "" {
		return nil, errors.New("cas-uri is required: no CAS client is bundled, see infrastructure/cas.CAS")
	}
	return nil, errors.Errorf("no CAS client implementation is bundled; plug one satisfying cas.CAS in at newCASClient for %s", cfg.CASBaseURI)
}
