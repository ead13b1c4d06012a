// Package pebble defines a contract store backed by Pebble. It is the
// default persistent backend for farming nodes, which accumulate one record
// per (shard, counterparty) pair.
package pebble

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/pebble"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-varint"
	core "github.com/shardbay/go-node-core"
)

var log = logging.Logger("store/pebble")

type contractStore struct {
	db     *pebble.DB
	codec  core.ContractCodec
	mutex  sync.Mutex // guards keyer's hasher
	keyer  *blake3Keyer
	closed bool
}

var _ core.ContractStore = (*contractStore)(nil)

// New instantiates a contract store backed by Pebble at the given path.
func New(path string, opts *pebble.Options) (*contractStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	opts.EnsureDefaults()
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &contractStore{
		db:    db,
		codec: core.BinaryContractCodec{},
		keyer: newBlake3Keyer(),
	}, nil
}

// record frames a stored contract together with its original store key, since
// the pebble key compresses the counterparty xpub irreversibly.
func (s *contractStore) marshalRecord(storeKey string, c *core.Contract) ([]byte, error) {
	cb, err := s.codec.MarshalContract(c)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(varint.UvarintSize(uint64(len(storeKey))) + len(storeKey) + len(cb))
	buf.Write(varint.ToUvarint(uint64(len(storeKey))))
	buf.WriteString(storeKey)
	buf.Write(cb)
	return buf.Bytes(), nil
}

func (s *contractStore) unmarshalRecord(b []byte) (string, *core.Contract, error) {
	buf := bytes.NewBuffer(b)
	usize, err := varint.ReadUvarint(buf)
	if err != nil {
		return "", nil, err
	}
	size := int(usize)
	if size < 0 || size > buf.Len() {
		return "", nil, core.ErrCodecOverflow
	}
	storeKey := string(buf.Next(size))
	c, err := s.codec.UnmarshalContract(buf.Bytes())
	if err != nil {
		return "", nil, err
	}
	return storeKey, c, nil
}

func (s *contractStore) pebbleKey(storeKey string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.keyer.contractKey(storeKey)
}

func (s *contractStore) Get(storeKey string) (*core.Contract, bool, error) {
	pk, err := s.pebbleKey(storeKey)
	if err != nil {
		return nil, false, err
	}
	val, closer, err := s.db.Get(pk)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		log.Errorw("cannot read contract", "err", err)
		return nil, false, err
	}
	cpy := make([]byte, len(val))
	copy(cpy, val)
	_ = closer.Close()

	_, c, err := s.unmarshalRecord(cpy)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *contractStore) GetByShard(hash string) (*core.Contract, bool, error) {
	s.mutex.Lock()
	start, end, err := s.keyer.shardKeyRange(hash)
	s.mutex.Unlock()
	if err != nil {
		return nil, false, err
	}
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	defer iter.Close()
	if !iter.First() {
		return nil, false, iter.Error()
	}
	_, c, err := s.unmarshalRecord(iter.Value())
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *contractStore) Put(storeKey string, c *core.Contract) error {
	pk, err := s.pebbleKey(storeKey)
	if err != nil {
		return err
	}
	rec, err := s.marshalRecord(storeKey, c)
	if err != nil {
		return err
	}
	return s.db.Set(pk, rec, pebble.NoSync)
}

func (s *contractStore) Remove(storeKey string) (bool, error) {
	pk, err := s.pebbleKey(storeKey)
	if err != nil {
		return false, err
	}
	// Pebble deletes blindly; probe first so callers learn whether a record
	// existed.
	_, closer, err := s.db.Get(pk)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	if err := s.db.Delete(pk, pebble.NoSync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *contractStore) ForEach(fn core.IterFunc) error {
	start, end := s.keyer.contractsKeyRange()
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		storeKey, c, err := s.unmarshalRecord(iter.Value())
		if err != nil {
			return err
		}
		if fn(storeKey, c) {
			break
		}
	}
	return iter.Error()
}

func (s *contractStore) Size() (int64, error) {
	start, end := s.keyer.contractsKeyRange()
	sizeEstimate, err := s.db.EstimateDiskUsage(start, end)
	return int64(sizeEstimate), err
}

func (s *contractStore) Flush() error {
	return s.db.Flush()
}

func (s *contractStore) Close() error {
	if s.closed {
		return nil
	}
	ferr := s.db.Flush()
	cerr := s.db.Close()
	s.closed = true
	// Prioritise on returning close errors over flush errors, since it is
	// more likely to contain useful information about the failure root cause.
	if cerr != nil {
		return cerr
	}
	return ferr
}
