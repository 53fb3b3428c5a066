// Package download implements C5: a bounded-concurrency fetcher from the
// content-addressable store. The concurrency cap is enforced with a
// buffered channel used as a counting semaphore, mirroring the bounded-
// dial pattern in connmgr. The semaphore bounds only the CAS fetches
// themselves; the observer's in-flight back-pressure wait still polls
// once a second.
package download

import (
	"context"

	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/infrastructure/cas"
	"github.com/decentralized-identity/sidetree-sub007/logger"
	"github.com/decentralized-identity/sidetree-sub007/logs"
)

var log *logs.Logger

func init() {
	log, _ = logger.Get(logger.SubsystemTags.DLMG)
}

// Manager bounds the number of concurrent CAS fetches in flight.
type Manager struct {
	cas  cas.CAS
	sema chan struct{}
}

// NewManager creates a Manager capped at maxConcurrentDownloads
// in-flight fetches.
func NewManager(c cas.CAS, maxConcurrentDownloads int) *Manager {
	if maxConcurrentDownloads < 1 {
		maxConcurrentDownloads = 1
	}
	return &Manager{
		cas:  c,
		sema: make(chan struct{}, maxConcurrentDownloads),
	}
}

// Download fetches hash, capped at maxBytes, after acquiring a download
// slot. It suspends on both capacity and the underlying I/O; callers
// should treat cas.ErrNotFound as retryable and anything else
// (cas.ErrTooLarge, malformed content) as fatal for the calling
// transaction.
func (m *Manager) Download(ctx context.Context, hash string, maxBytes int) ([]byte, error) {
	select {
	case m.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.sema }()

	content, err := m.cas.Read(ctx, hash, maxBytes)
	if err != nil {
		if errors.Is(err, cas.ErrNotFound) {
			log.Debugf("download: %s not found, will retry", hash)
			return nil, err
		}
		if errors.Is(err, cas.ErrTooLarge) {
			log.Warnf("download: %s exceeds %d byte cap, skipping", hash, maxBytes)
			return nil, err
		}
		return nil, errors.Wrapf(err, "downloading %s", hash)
	}
	return content, nil
}

// InFlight reports how many downloads are currently occupying a slot.
// Used only for diagnostics/tests; the observer's own back-pressure is
// driven by its in-flight transaction list, not this count.
func (m *Manager) InFlight() int {
	return len(m.sema)
}
