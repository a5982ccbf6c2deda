// Package watchdog reports lock acquisitions that stay open suspiciously long.
// A single Watchdog service sweeps all registered tickets; a ticket that is
// still armed after the threshold is reported together with the stack of
// another ticket guarding the same object, which is the likely holder. The
// watchdog never releases anything and never returns errors to callers.
package watchdog
