// Package timeutil provides Timer, a wrapper over [time.AfterFunc] that can report its
// state and remaining time. It backs the transaction cleanup and CANCEL timers.
//
// Basic usage:
//
//	tmr := timeutil.AfterFunc(32*time.Second, func() {
//	    reg.RemoveServerTransaction(tx)
//	})
//	...
//	if tmr.Stop() {
//	    // callback will not run
//	}
//
// All timer operations are thread-safe.
package timeutil
