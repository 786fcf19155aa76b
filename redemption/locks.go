package redemption

import (
	"sync"

	"github.com/warp/points-redemption/ledger"
)

// userLocks hands out one mutex per user. Entries are reference counted
// and removed when the last holder or waiter releases, so the map only
// holds users with operations in progress.
type userLocks struct {
	mu    sync.Mutex
	locks map[ledger.UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[ledger.UserID]*userLock)}
}

// lock blocks until id's mutex is held and returns its release func.
func (l *userLocks) lock(id ledger.UserID) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[id]
	if !ok {
		ul = &userLock{}
		l.locks[id] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size returns the number of users with a held or awaited lock.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
