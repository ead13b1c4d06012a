package pebble

import (
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

type keyPrefix byte

const (
	// unknownKeyPrefix signals an unknown key prefix.
	unknownKeyPrefix keyPrefix = iota
	// contractKeyPrefix represents the prefix of a key under which a contract
	// record is stored.
	contractKeyPrefix
)

// xpubHashLen is the fixed length the keyer compresses the variable-length
// counterparty extended public key down to.
const xpubHashLen = 16

// shardHashLen is the byte length of a decoded shard content address.
const shardHashLen = 20

// blake3Keyer builds fixed-length pebble keys out of variable-length contract
// store keys of the form "{data_hash}:{counterparty_hd_key}". The shard hash
// keeps its natural 20 bytes so that all contracts for one shard share a key
// range; the xpub tail is compressed with blake3.
type blake3Keyer struct {
	hasher *blake3.Hasher
}

func newBlake3Keyer() *blake3Keyer {
	return &blake3Keyer{hasher: blake3.New(xpubHashLen, nil)}
}

// contractKey maps a contract store key onto its fixed-length pebble key.
func (b *blake3Keyer) contractKey(storeKey string) ([]byte, error) {
	hash, xpub, ok := splitStoreKey(storeKey)
	if !ok {
		return nil, fmt.Errorf("malformed contract key: %s", storeKey)
	}
	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != shardHashLen {
		return nil, fmt.Errorf("malformed shard hash in key: %s", hash)
	}
	b.hasher.Reset()
	if _, err := b.hasher.Write([]byte(xpub)); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+shardHashLen+xpubHashLen)
	out = append(out, byte(contractKeyPrefix))
	out = append(out, hashBytes...)
	return b.hasher.Sum(out), nil
}

// shardKeyRange returns the key range containing every contract record for
// the given shard hash.
func (b *blake3Keyer) shardKeyRange(hash string) (start, end []byte, err error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != shardHashLen {
		return nil, nil, fmt.Errorf("malformed shard hash: %s", hash)
	}
	start = make([]byte, 0, 1+shardHashLen)
	start = append(start, byte(contractKeyPrefix))
	start = append(start, hashBytes...)
	return start, nextKey(start), nil
}

// contractsKeyRange returns the key range that contains all contract records.
func (b *blake3Keyer) contractsKeyRange() (start, end []byte) {
	start = []byte{byte(contractKeyPrefix)}
	return start, nextKey(start)
}

// nextKey returns the next key after k in lexicographical order.
func nextKey(k []byte) []byte {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == 0xff {
			continue
		}
		next := make([]byte, i+1)
		copy(next, k)
		next[i]++
		return next
	}
	return nil
}

func splitStoreKey(storeKey string) (hash, xpub string, ok bool) {
	i := strings.IndexByte(storeKey, ':')
	if i < 0 {
		return "", "", false
	}
	return storeKey[:i], storeKey[i+1:], true
}
