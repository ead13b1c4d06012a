// Package memory defines an in-memory contract store.
//
// Contracts held by the memory store are not persisted. It is primarily
// useful for testing or for short-lived renter-only nodes that do not farm
// capacity.
package memory

import (
	"sync"

	"github.com/gammazero/radixtree"
	core "github.com/shardbay/go-node-core"
)

type memoryStore struct {
	// contract key -> *core.Contract
	rtree *radixtree.Bytes
	mutex sync.Mutex
}

// New creates a core.ContractStore backed by a radix tree. The tree keeps
// keys for the same shard adjacent, which makes the by-shard prefix lookup a
// walk instead of a scan.
func New() *memoryStore {
	return &memoryStore{
		rtree: radixtree.New(),
	}
}

var _ core.ContractStore = (*memoryStore)(nil)

func (s *memoryStore) Get(key string) (*core.Contract, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, found := s.rtree.Get(key)
	if !found {
		return nil, false, nil
	}
	return v.(*core.Contract).Copy(), true, nil
}

func (s *memoryStore) GetByShard(hash string) (*core.Contract, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var c *core.Contract
	s.rtree.Walk(hash+":", func(k string, v interface{}) bool {
		c = v.(*core.Contract).Copy()
		return true
	})
	return c, c != nil, nil
}

func (s *memoryStore) Put(key string, c *core.Contract) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rtree.Put(key, c.Copy())
	return nil
}

func (s *memoryStore) Remove(key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rtree.Delete(key), nil
}

func (s *memoryStore) ForEach(fn core.IterFunc) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rtree.Walk("", func(k string, v interface{}) bool {
		return fn(k, v.(*core.Contract).Copy())
	})
	return nil
}

func (s *memoryStore) Size() (int64, error) { return 0, nil }

func (s *memoryStore) Flush() error { return nil }

func (s *memoryStore) Close() error { return nil }
