// Package pogreb defines a contract store backed by pogreb.
//
// NOTE: Due to how pogreb is implemented, it is only capable of storing up to
// 4 billion records max (https://github.com/akrylysov/pogreb/issues/38).
// A node holds one record per (shard, counterparty) pair, so this is not a
// practical limit.
package pogreb

import (
	"strings"
	"time"

	"github.com/akrylysov/pogreb"
	"github.com/gammazero/keymutex"
	core "github.com/shardbay/go-node-core"
)

const DefaultSyncInterval = time.Second

type pStorage struct {
	dir   string
	store *pogreb.DB
	codec core.ContractCodec
	mlk   *keymutex.KeyMutex
}

var _ core.ContractStore = (*pStorage)(nil)

// New opens a pogreb-backed contract store in the given directory.
func New(dir string) (*pStorage, error) {
	opts := pogreb.Options{BackgroundSyncInterval: DefaultSyncInterval}
	s, err := pogreb.Open(dir, &opts)
	if err != nil {
		return nil, err
	}
	return &pStorage{
		dir:   dir,
		store: s,
		codec: core.JsonContractCodec{},
		mlk:   keymutex.New(0),
	}, nil
}

func (s *pStorage) Get(key string) (*core.Contract, bool, error) {
	val, err := s.store.Get([]byte(key))
	if err != nil {
		return nil, false, err
	}
	if val == nil {
		return nil, false, nil
	}
	c, err := s.codec.UnmarshalContract(val)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// GetByShard scans for any contract stored for the shard hash. Pogreb has no
// ordered iteration, so this walks the item table; acceptable because the
// by-shard path runs once per HTTP transfer, not per overlay message.
func (s *pStorage) GetByShard(hash string) (*core.Contract, bool, error) {
	prefix := hash + ":"
	it := s.store.Items()
	for {
		key, val, err := it.Next()
		if err != nil {
			if err == pogreb.ErrIterationDone {
				return nil, false, nil
			}
			return nil, false, err
		}
		if !strings.HasPrefix(string(key), prefix) {
			continue
		}
		c, err := s.codec.UnmarshalContract(val)
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	}
}

func (s *pStorage) Put(key string, c *core.Contract) error {
	s.mlk.Lock(key)
	defer s.mlk.Unlock(key)
	b, err := s.codec.MarshalContract(c)
	if err != nil {
		return err
	}
	return s.store.Put([]byte(key), b)
}

func (s *pStorage) Remove(key string) (bool, error) {
	s.mlk.Lock(key)
	defer s.mlk.Unlock(key)
	has, err := s.store.Has([]byte(key))
	if err != nil {
		return false, err
	}
	if !has {
		return false, nil
	}
	return true, s.store.Delete([]byte(key))
}

func (s *pStorage) ForEach(fn core.IterFunc) error {
	if err := s.store.Sync(); err != nil {
		return err
	}
	it := s.store.Items()
	for {
		key, val, err := it.Next()
		if err != nil {
			if err == pogreb.ErrIterationDone {
				break
			}
			return err
		}
		c, err := s.codec.UnmarshalContract(val)
		if err != nil {
			return err
		}
		if fn(string(key), c) {
			break
		}
	}
	return nil
}

func (s *pStorage) Size() (int64, error) {
	return dirSize(s.dir)
}

func (s *pStorage) Flush() error {
	return s.store.Sync()
}

func (s *pStorage) Close() error {
	return s.store.Close()
}
