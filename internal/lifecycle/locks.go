package lifecycle

import "sync"

// LockRegistry hands out per-account mutexes so two logical refresh attempts
// never race to consume the same refresh token. It is an explicit object
// owned by the server process and passed to whatever needs it; lifecycle is
// visible instead of hiding in a package-level map.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[uint]*sync.Mutex)}
}

func (r *LockRegistry) lock(accountID uint) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	return l
}

// Acquire blocks until the account lock is held and returns the release.
func (r *LockRegistry) Acquire(accountID uint) func() {
	l := r.lock(accountID)
	l.Lock()
	return l.Unlock
}

// TryAcquire grabs the account lock without blocking. A held lock means a
// concurrent refresh is assumed to be making progress, so callers skip
// rather than queue.
func (r *LockRegistry) TryAcquire(accountID uint) (func(), bool) {
	l := r.lock(accountID)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// Prune drops lock entries for accounts no longer present. Called from the
// server's maintenance pass; locks currently held are kept.
func (r *LockRegistry) Prune(live map[uint]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, l := range r.locks {
		if live[id] {
			continue
		}
		if l.TryLock() {
			l.Unlock()
			delete(r.locks, id)
		}
	}
}
