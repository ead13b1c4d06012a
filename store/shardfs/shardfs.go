// Package shardfs defines a content-addressed shard store on the local
// filesystem. Shards live under a two-level fanout directory derived from
// their hash; writes land in a partial file that only becomes visible under
// the content address on Commit.
package shardfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gammazero/keymutex"
	logging "github.com/ipfs/go-log/v2"
	core "github.com/shardbay/go-node-core"
)

var log = logging.Logger("store/shardfs")

const partialSuffix = ".part"

type fsStore struct {
	root       string
	allocation int64
	mlk        *keymutex.KeyMutex
}

var _ core.ShardStore = (*fsStore)(nil)

// New opens a shard store rooted at dir, selling up to allocation bytes.
func New(dir string, allocation int64) (*fsStore, error) {
	if allocation <= 0 {
		return nil, errors.New("shard store allocation must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fsStore{
		root:       dir,
		allocation: allocation,
		mlk:        keymutex.New(0),
	}, nil
}

// shardPath fans shards out by the first two byte pairs of their hash to keep
// directory sizes bounded.
func (s *fsStore) shardPath(hash string) (string, error) {
	if len(hash) != 40 {
		return "", fmt.Errorf("malformed shard hash: %s", hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash), nil
}

func (s *fsStore) Exists(hash string) (bool, error) {
	p, err := s.shardPath(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *fsStore) CreateReadStream(hash string) (io.ReadCloser, error) {
	p, err := s.shardPath(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, core.ErrShardNotFound
	}
	return f, err
}

func (s *fsStore) CreateWriteStream(hash string) (core.ShardWriter, error) {
	p, err := s.shardPath(hash)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	s.mlk.Lock(hash)
	defer s.mlk.Unlock(hash)
	f, err := os.Create(p + partialSuffix)
	if err != nil {
		return nil, err
	}
	return &shardWriter{store: s, hash: hash, final: p, f: f}, nil
}

func (s *fsStore) Unlink(hash string) error {
	p, err := s.shardPath(hash)
	if err != nil {
		return err
	}
	s.mlk.Lock(hash)
	defer s.mlk.Unlock(hash)
	// Remove is safe while readers hold the file open; they keep reading the
	// unlinked inode.
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *fsStore) Usage() (core.StoreUsage, error) {
	var used int64
	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	if err != nil {
		return core.StoreUsage{}, err
	}
	available := s.allocation - used
	if available < 0 {
		available = 0
	}
	return core.StoreUsage{Available: available, Allocated: s.allocation}, nil
}

func (s *fsStore) Close() error { return nil }

type shardWriter struct {
	store *fsStore
	hash  string
	final string
	f     *os.File
	done  bool
}

func (w *shardWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit makes the shard visible under its content address.
func (w *shardWriter) Commit() error {
	if w.done {
		return errors.New("shard writer already closed")
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		return err
	}
	w.store.mlk.Lock(w.hash)
	defer w.store.mlk.Unlock(w.hash)
	return os.Rename(w.final+partialSuffix, w.final)
}

// Abort discards the partial shard.
func (w *shardWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		log.Debugw("close partial shard", "err", err)
	}
	w.store.mlk.Lock(w.hash)
	defer w.store.mlk.Unlock(w.hash)
	err := os.Remove(w.final + partialSuffix)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
