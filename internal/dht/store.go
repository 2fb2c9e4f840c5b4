package dht

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// storedValue is one key/value entry with its expiry deadline.
type storedValue struct {
	value     []byte
	expiresAt time.Time
}

// valueStore holds DHT key/value entries. Values expire strictly by
// expiresAt: readers treat expired entries as absent even before the sweeper
// runs. The LRU bound protects against unbounded growth from remote STOREs.
type valueStore struct {
	mu       sync.Mutex
	cache    *lru.Cache
	expiries map[[32]byte]time.Time
}

const maxStoredValues = 4096

func newValueStore() *valueStore {
	s := &valueStore{
		cache:    lru.New(maxStoredValues),
		expiries: make(map[[32]byte]time.Time),
	}
	s.cache.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(s.expiries, key.([32]byte))
	}
	return s
}

func (s *valueStore) put(key [32]byte, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt := time.Now().Add(ttl)
	s.cache.Add(lru.Key(key), &storedValue{
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt,
	})
	s.expiries[key] = expiresAt
}

func (s *valueStore) get(key [32]byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(lru.Key(key))
	if !ok {
		return nil, false
	}
	sv := v.(*storedValue)
	if time.Now().After(sv.expiresAt) {
		s.cache.Remove(lru.Key(key))
		return nil, false
	}
	return sv.value, true
}

// sweep evicts expired entries. Run periodically from the maintenance task.
func (s *valueStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired [][32]byte
	for key, deadline := range s.expiries {
		if now.After(deadline) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.cache.Remove(lru.Key(key))
	}
	return len(expired)
}

func (s *valueStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
