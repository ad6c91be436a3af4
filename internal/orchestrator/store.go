package orchestrator

// Store is the storage abstraction for session state.
// The Repository serializes all access; Store implementations need no locking
// of their own.
type Store interface {
	Get(key StreamKey) (SessionState, bool)
	Set(s SessionState)
	Delete(key StreamKey)
	Keys() []StreamKey
}

// InMemoryStore is a map-backed Store. Entries are held by value so a caller
// holding a returned SessionState never aliases the stored one.
type InMemoryStore struct {
	sessions map[StreamKey]SessionState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[StreamKey]SessionState),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(key StreamKey) (SessionState, bool) {
	st, ok := s.sessions[key]
	return st, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(st SessionState) {
	s.sessions[st.Key] = st
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(key StreamKey) {
	delete(s.sessions, key)
}

// Keys implements Store.Keys.
func (s *InMemoryStore) Keys() []StreamKey {
	keys := make([]StreamKey, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys
}
