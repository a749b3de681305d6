package fl

import "sync"

// LeaseMap hands out exclusive per-hospital leases. The claim → train →
// upload → finalize sequence only ever runs under a lease, which is what
// keeps the scheduled tick and the on-demand trigger from claiming the same
// tenant's queue twice. Acquisition is fail-fast rather than blocking so the
// on-demand caller gets an immediate answer.
type LeaseMap struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLeaseMap() *LeaseMap {
	return &LeaseMap{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for key if it is free, returning false if some
// other run holds it.
func (l *LeaseMap) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *LeaseMap) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether a lease for key is currently out.
func (l *LeaseMap) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}
