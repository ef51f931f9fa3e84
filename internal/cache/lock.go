package cache

import "context"

// tokenMutex serializes the durable tier's read-modify-write cycle. Acquire
// parks until the in-flight holder releases its token; without it, two
// writers could both read the blob, interleave across the storage round-trip
// and silently lose one update.
//
// The runtime wakes channel waiters in roughly arrival order but Go does not
// promise FIFO handoff, so no fairness guarantee beyond mutual exclusion is
// documented here.
type tokenMutex struct {
	ch chan struct{}
}

func newTokenMutex() *tokenMutex {
	return &tokenMutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the token is available or ctx is done.
func (m *tokenMutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the token. Unlocking an unheld mutex blocks forever, as
// with sync.Mutex misuse; callers pair Lock and Unlock strictly.
func (m *tokenMutex) Unlock() {
	<-m.ch
}
