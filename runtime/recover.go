// Package runtime provides panic recovery helpers for goroutines and
// handlers.
package runtime

import (
	"context"
	"runtime/debug"

	"github.com/novair/lib-eventflow/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Intended for defer statements in workers where a
// single panic must not crash the process.
//
//	func worker() {
//	    defer runtime.RecoverAndLog(logger, "worker")
//	    // ...
//	}
func RecoverAndLog(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(context.Background(), logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext is like RecoverAndLog but carries the caller's
// context through to the logger, so trace correlation survives the panic.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component+"."+name, r, debug.Stack())
	}
}

// RecoverWithPolicy recovers from a panic and handles it according to the
// given policy: KeepRunning swallows it after logging, CrashProcess
// re-panics.
func RecoverWithPolicy(logger log.Logger, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanic(context.Background(), logger, name, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// SafeGo starts fn on a new goroutine guarded by panic recovery under the
// given policy. With CrashProcess the re-panic happens on the spawned
// goroutine and takes the process down, matching an unguarded `go fn()`.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)
		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.Any("panic", panicValue),
		log.String("stack_trace", string(stack)),
	)
}
