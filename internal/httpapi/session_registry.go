package httpapi

import (
	"errors"
	"sync"
)

// Stream admission errors.
var (
	errDraining     = errors.New("httpapi: draining, not admitting sessions")
	errAccountLimit = errors.New("httpapi: account at concurrent session limit")
)

// SessionRegistry is the admission gate for duplex streams. A stream is
// admitted only if the process is not draining and the account still has a
// free slot; both checks and the bookkeeping happen under one lock, so a
// shutdown that flips draining and calls Wait cannot slip between them.
type SessionRegistry struct {
	maxPerAccount int

	mu         sync.Mutex
	draining   bool
	active     int
	perAccount map[string]int
	wg         sync.WaitGroup
}

// NewSessionRegistry creates a registry capping each account at
// maxPerAccount concurrent streams (default 4).
func NewSessionRegistry(maxPerAccount int) *SessionRegistry {
	if maxPerAccount <= 0 {
		maxPerAccount = 4
	}
	return &SessionRegistry{
		maxPerAccount: maxPerAccount,
		perAccount:    make(map[string]int),
	}
}

// Acquire admits one stream for the account, or reports why it cannot:
// errDraining during shutdown, errAccountLimit at the concurrency cap.
func (sr *SessionRegistry) Acquire(accountID string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return errDraining
	}
	if sr.perAccount[accountID] >= sr.maxPerAccount {
		return errAccountLimit
	}
	sr.perAccount[accountID]++
	sr.active++
	sr.wg.Add(1)
	return nil
}

// Release returns the account's slot. Must be called exactly once per
// successful Acquire.
func (sr *SessionRegistry) Release(accountID string) {
	sr.mu.Lock()
	if n := sr.perAccount[accountID]; n <= 1 {
		delete(sr.perAccount, accountID)
	} else {
		sr.perAccount[accountID] = n - 1
	}
	sr.active--
	sr.mu.Unlock()
	sr.wg.Done()
}

// StartDraining stops admissions; streams already admitted run to completion.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether admissions are closed.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of admitted streams across all accounts.
func (sr *SessionRegistry) ActiveCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.active
}

// AccountActive returns the account's admitted stream count.
func (sr *SessionRegistry) AccountActive(accountID string) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.perAccount[accountID]
}

// Wait blocks until every admitted stream has released its slot.
func (sr *SessionRegistry) Wait() {
	sr.wg.Wait()
}
