// Package lock serializes access to persistent games. Every game key owns a
// reader/writer lock that many goroutines (the UI loop, network receive
// handlers, timers, notification services) can request in shared or
// exclusive mode, without blocking, with a deadline, forever, or in the
// background with the result delivered later.
//
// A Registry maps keys to lock State lazily and never forgets a key. Each
// grant is represented by a Handle wrapping an Owner record used for release
// matching and diagnostics. Waiters are not queued: when a key becomes free
// every waiter races for it and there is no FIFO guarantee.
package lock
