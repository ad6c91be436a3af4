package orchestrator

import (
	"sync"
	"time"
)

// Repository is the session registry: a concurrency-safe mapping from stream
// key to session state. Every method holds the lock only for the map
// operation itself; graph construction, I/O and graph signalling always
// happen outside it.
type Repository interface {
	// Upsert stores s under s.Key, replacing any prior entry. It returns the
	// entry that was replaced, if any.
	Upsert(s SessionState) (prev SessionState, replaced bool)

	// Get returns the entry for key.
	Get(key StreamKey) (SessionState, bool)

	// Snapshot returns a copy of every entry. Later registry writes never
	// show through the returned map.
	Snapshot() map[StreamKey]SessionState

	// Remove deletes key and returns the removed entry. Removing an absent
	// key is a no-op that reports false.
	Remove(key StreamKey) (SessionState, bool)

	// Transition replaces the entry for key with next only if the entry still
	// exists, still belongs to sessionID, and next moves it forward in its
	// lifecycle. It reports whether the write happened.
	Transition(key StreamKey, sessionID string, next SessionState) bool

	// CountByPhase returns the number of entries in phase. Used for metrics.
	CountByPhase(phase Phase) int
}

// InMemoryRepository is a concurrency-safe Repository over a Store.
type InMemoryRepository struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, now: time.Now}
}

// Upsert implements Repository.Upsert.
func (r *InMemoryRepository) Upsert(s SessionState) (SessionState, bool) {
	s.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.store.Get(s.Key)
	r.store.Set(s)
	return prev, ok
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(key StreamKey) (SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Get(key)
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot() map[StreamKey]SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.store.Keys()
	out := make(map[StreamKey]SessionState, len(keys))
	for _, k := range keys {
		if st, ok := r.store.Get(k); ok {
			out[k] = st
		}
	}
	return out
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(key StreamKey) (SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.Get(key)
	if !ok {
		return SessionState{}, false
	}
	r.store.Delete(key)
	return st, true
}

// Transition implements Repository.Transition.
func (r *InMemoryRepository) Transition(key StreamKey, sessionID string, next SessionState) bool {
	next.Key = key
	next.SessionID = sessionID
	next.UpdatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.store.Get(key)
	if !ok || cur.SessionID != sessionID {
		return false
	}
	// Stopped is terminal; otherwise phases only move forward.
	if cur.Phase == PhaseStopped || next.Phase <= cur.Phase {
		return false
	}
	r.store.Set(next)
	return true
}

// CountByPhase implements Repository.CountByPhase.
func (r *InMemoryRepository) CountByPhase(phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, k := range r.store.Keys() {
		if st, ok := r.store.Get(k); ok && st.Phase == phase {
			n++
		}
	}
	return n
}
