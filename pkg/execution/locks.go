package execution

import "sync"

// lockTable serializes step advances per execution id. Two workers may pick
// up the same resume concurrently; the lock plus the persisted checkpoint
// make the duplicate a no-op instead of a double dispatch.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the per-id lock is held and returns its release func.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()

	entry, ok := t.locks[id]
	if !ok {
		entry = &lockEntry{}
		t.locks[id] = entry
	}

	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		t.mu.Lock()
		entry.refs--

		if entry.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
