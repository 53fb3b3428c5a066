// Package panics provides a uniform recover-log-exit handler for the
// goroutines this node spawns, so a programmer error in one observer
// tick or download task doesn't fail silently.
package panics

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/decentralized-identity/sidetree-sub007/logs"
)

// HandlePanic recovers a panic, logs it (with an optional caller-supplied
// stack trace of the goroutine that panicked, when known ahead of the
// recover), and exits the process. It is meant to be deferred at the top
// of main and of every spawned goroutine.
func HandlePanic(log *logs.Logger, goroutineStackTrace []byte) {
	err := recover()
	if err == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		log.Criticalf("fatal error: %+v", err)
		if goroutineStackTrace != nil {
			log.Criticalf("goroutine stack trace: %s", goroutineStackTrace)
		}
		log.Criticalf("stack trace: %s", debug.Stack())
		if log.Backend() != nil {
			log.Backend().Close()
		}
		close(done)
	}()

	const timeout = 5 * time.Second
	select {
	case <-time.After(timeout):
		fmt.Fprintln(os.Stderr, "couldn't handle a fatal error in time, exiting")
	case <-done:
	}
	os.Exit(1)
}

// Spawn runs fn in a new goroutine with HandlePanic deferred, so an
// unrecovered panic in a background task crashes the process loudly
// instead of unwinding invisibly.
func Spawn(log *logs.Logger, fn func()) {
	go func() {
		defer HandlePanic(log, nil)
		fn()
	}()
}
