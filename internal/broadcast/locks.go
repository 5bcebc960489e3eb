package broadcast

import "sync"

// treeLocks hands out one mutex per tree and forgets it once nobody holds
// or waits for it.
type treeLocks struct {
	mu    sync.Mutex
	locks map[string]*treeLock
}

type treeLock struct {
	sync.Mutex
	refs int
}

func newTreeLocks() *treeLocks {
	return &treeLocks{locks: make(map[string]*treeLock)}
}

// lock blocks until the tree's mutex is held and returns its release func.
func (l *treeLocks) lock(treeID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[treeID]
	if !ok {
		tl = &treeLock{}
		l.locks[treeID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, treeID)
		}
		l.mu.Unlock()
	}
}

func (l *treeLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
