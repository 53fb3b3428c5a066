// Package signal provides a single interrupt channel the node's entry
// point waits on for a graceful shutdown. The teacher's own signal
// package wasn't part of the retrieved sources, but every caller
// (apiserver/main.go, kasparov/kasparovserver/main.go) uses it the same
// way: call InterruptListener() once, then block on the returned
// channel. This package reproduces that contract.
package signal

import (
	"os"
	"os/signal"
	"syscall"
)

// InterruptListener returns a channel that receives a value exactly
// once, when the process is asked to terminate (SIGINT or SIGTERM).
func InterruptListener() <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-sigCh
		close(done)
	}()
	return done
}
