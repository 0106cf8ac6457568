package pipeline

import "sync"

// partitionLocks hands out at-most-one-holder locks keyed by
// partition_key (§4.9 e). Partition ordering is only guaranteed across
// messages observed by the same worker process, so an in-process
// registry of try-lockable mutexes is enough; no tracker-style driver
// is named for this in spec.md's component table. Grounded on
// sync.Mutex.TryLock (Go 1.18+) rather than a Redis/Postgres driver,
// since no cross-process guarantee is required here — see DESIGN.md.
type partitionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPartitionLocks() *partitionLocks {
	return &partitionLocks{locks: make(map[string]*sync.Mutex)}
}

// tryLock attempts to acquire the lock for key without blocking. ok is
// false if another dispatch currently holds it.
func (p *partitionLocks) tryLock(key string) (unlock func(), ok bool) {
	p.mu.Lock()
	m, exists := p.locks[key]
	if !exists {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()

	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}
